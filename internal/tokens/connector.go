package tokens

import (
	"context"
	"fmt"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/logging"
)

// Exchanger trades an authorization code for credentials and the athlete's profile.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (domain.OAuthToken, domain.Athlete, error)
}

// Connector onboards athletes after a successful OAuth authorization.
type Connector struct {
	exchanger Exchanger
	athletes  domain.AthleteRepository
	store     *Store
}

// NewConnector constructs a Connector.
func NewConnector(exchanger Exchanger, athletes domain.AthleteRepository, store *Store) *Connector {
	return &Connector{exchanger: exchanger, athletes: athletes, store: store}
}

// Connect exchanges code, creates or updates the athlete and stores the token.
func (c *Connector) Connect(ctx context.Context, code string) (domain.Athlete, error) {
	tok, profile, err := c.exchanger.Exchange(ctx, code)
	if err != nil {
		return domain.Athlete{}, err
	}
	if profile.ID == 0 {
		return domain.Athlete{}, fmt.Errorf("%w: token exchange returned no athlete", domain.ErrIngestionConflict)
	}

	existing, err := c.athletes.GetAthlete(ctx, profile.ID)
	if err != nil {
		return domain.Athlete{}, fmt.Errorf("%w: load athlete: %v", domain.ErrPersistenceFailure, err)
	}
	athlete := profile
	if existing != nil {
		athlete = existing.MergeProfile(profile)
	}
	if err := c.athletes.UpsertAthlete(ctx, athlete); err != nil {
		return domain.Athlete{}, fmt.Errorf("%w: save athlete: %v", domain.ErrPersistenceFailure, err)
	}

	tok.AthleteID = athlete.ID
	if err := c.store.Save(ctx, tok); err != nil {
		return domain.Athlete{}, err
	}
	logging.Ctx(logging.WithAthlete(ctx, athlete.ID)).Info().Bool("new", existing == nil).Msg("athlete connected")
	return athlete, nil
}
