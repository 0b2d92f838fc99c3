// Package tokens keeps athlete OAuth credentials current.
package tokens

import (
	"context"
	"fmt"
	"sync"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
)

// Store is the durable record of the current token per athlete. Saves for the same athlete are
// serialized; the token returned is always the most recently saved one.
type Store struct {
	repo  domain.TokenRepository
	clock clock.Clock

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewStore constructs a Store.
func NewStore(repo domain.TokenRepository, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{repo: repo, clock: clk, locks: make(map[int64]*sync.Mutex)}
}

func (s *Store) lock(athleteID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[athleteID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[athleteID] = l
	}
	return l
}

// Current returns the stored token or domain.ErrNotFound. Expiry is not judged here.
func (s *Store) Current(ctx context.Context, athleteID int64) (domain.OAuthToken, error) {
	l := s.lock(athleteID)
	l.Lock()
	defer l.Unlock()

	tok, err := s.repo.GetToken(ctx, athleteID)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("%w: load token: %v", domain.ErrPersistenceFailure, err)
	}
	if tok == nil {
		return domain.OAuthToken{}, domain.ErrNotFound
	}
	return *tok, nil
}

// Save atomically replaces the athlete's token.
func (s *Store) Save(ctx context.Context, token domain.OAuthToken) error {
	l := s.lock(token.AthleteID)
	l.Lock()
	defer l.Unlock()

	token.UpdatedAt = s.clock.Now()
	if err := s.repo.SaveToken(ctx, token); err != nil {
		return fmt.Errorf("%w: save token: %v", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// Holders lists athletes with stored credentials.
func (s *Store) Holders(ctx context.Context) ([]int64, error) {
	ids, err := s.repo.ListTokenHolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list token holders: %v", domain.ErrPersistenceFailure, err)
	}
	return ids, nil
}
