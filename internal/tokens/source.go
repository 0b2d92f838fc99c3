package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/observability"
)

// State of a Source.
type State int

const (
	StateValid State = iota
	StateRefreshing
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateRefreshing:
		return "refreshing"
	case StateFatal:
		return "fatal"
	default:
		return "valid"
	}
}

// Refresher exchanges a refresh token for a new credential set. It returns domain.ErrAuthExpired
// when the upstream rejects the refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.OAuthToken, error)
}

// Source hands out a valid access token for one athlete and drives the
// Valid -> Refreshing -> Valid|Fatal transitions. Once Fatal it never calls upstream again.
type Source struct {
	athleteID int64
	store     *Store
	refresher Refresher
	clock     clock.Clock

	mu      sync.Mutex
	state   State
	current *domain.OAuthToken
	refresh int
}

// NewSource constructs a Source for athleteID.
func NewSource(athleteID int64, store *Store, refresher Refresher, clk clock.Clock) *Source {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Source{athleteID: athleteID, store: store, refresher: refresher, clock: clk}
}

// AthleteID returns the owning athlete.
func (s *Source) AthleteID() int64 { return s.athleteID }

// State returns the current state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Refreshes returns how many refresh calls this source issued.
func (s *Source) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

// Token returns a usable access token, refreshing first when it is at or near expiry.
// refreshed reports whether a refresh happened during this call.
func (s *Source) Token(ctx context.Context) (tok domain.OAuthToken, refreshed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFatal {
		return domain.OAuthToken{}, false, domain.ErrAuthExpired
	}
	if s.current == nil {
		loaded, err := s.store.Current(ctx, s.athleteID)
		if errors.Is(err, domain.ErrNotFound) {
			s.state = StateFatal
			return domain.OAuthToken{}, false, fmt.Errorf("%w: no token stored for athlete %d", domain.ErrAuthExpired, s.athleteID)
		}
		if err != nil {
			return domain.OAuthToken{}, false, err
		}
		s.current = &loaded
	}
	if !s.current.NeedsRefresh(s.clock.Now()) {
		return *s.current, false, nil
	}
	tok, err = s.refreshLocked(ctx)
	return tok, err == nil, err
}

// Refresh forces a refresh unless the token presented as stale was already replaced.
func (s *Source) Refresh(ctx context.Context, stale string) (domain.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFatal {
		return domain.OAuthToken{}, domain.ErrAuthExpired
	}
	if s.current != nil && s.current.AccessToken != stale {
		return *s.current, nil
	}
	return s.refreshLocked(ctx)
}

func (s *Source) refreshLocked(ctx context.Context) (domain.OAuthToken, error) {
	if s.current == nil || s.current.RefreshToken == "" {
		s.state = StateFatal
		observability.RecordTokenRefresh("missing")
		return domain.OAuthToken{}, fmt.Errorf("%w: no refresh token for athlete %d", domain.ErrAuthExpired, s.athleteID)
	}

	s.state = StateRefreshing
	s.refresh++
	next, err := s.refresher.Refresh(ctx, s.current.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrAuthExpired) {
			s.state = StateFatal
			observability.RecordTokenRefresh("rejected")
		} else {
			s.state = StateValid
			observability.RecordTokenRefresh("error")
		}
		return domain.OAuthToken{}, err
	}

	next.AthleteID = s.athleteID
	if next.RefreshToken == "" {
		next.RefreshToken = s.current.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = s.current.Scope
	}
	if err := s.store.Save(ctx, next); err != nil {
		s.state = StateValid
		return domain.OAuthToken{}, err
	}
	s.current = &next
	s.state = StateValid
	observability.RecordTokenRefresh("ok")
	return next, nil
}
