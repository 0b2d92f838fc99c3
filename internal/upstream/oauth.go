package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
)

// oauthRefresher performs the refresh-token grant through the athlete's limited transport.
type oauthRefresher struct {
	cfg    *oauth2.Config
	client *http.Client
	clock  clock.Clock
}

func (r *oauthRefresher) Refresh(ctx context.Context, refreshToken string) (domain.OAuthToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return domain.OAuthToken{}, classifyTokenError(err)
	}
	return toDomainToken(tok, r.clock.Now()), nil
}

// oauthExchanger trades authorization codes for tokens and the athlete summary.
type oauthExchanger struct {
	cfg    *oauth2.Config
	client *http.Client
	clock  clock.Clock
	scope  string
}

func (e *oauthExchanger) Exchange(ctx context.Context, code string) (domain.OAuthToken, domain.Athlete, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	tok, err := e.cfg.Exchange(ctx, code)
	if err != nil {
		return domain.OAuthToken{}, domain.Athlete{}, classifyTokenError(err)
	}
	out := toDomainToken(tok, e.clock.Now())
	out.Scope = e.scope

	var athlete RawAthlete
	if raw := tok.Extra("athlete"); raw != nil {
		b, err := json.Marshal(raw)
		if err == nil {
			err = json.Unmarshal(b, &athlete)
		}
		if err != nil {
			return domain.OAuthToken{}, domain.Athlete{}, fmt.Errorf("%w: decode athlete: %v", domain.ErrIngestionConflict, err)
		}
	}
	out.AthleteID = athlete.ID
	return out, athlete.ToDomain(), nil
}

// toDomainToken prefers the absolute expires_at the upstream sends over expires_in.
func toDomainToken(tok *oauth2.Token, now time.Time) domain.OAuthToken {
	out := domain.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		out.ExpiresAt = time.Unix(int64(v), 0).UTC()
	case json.Number:
		if n, err := v.Int64(); err == nil {
			out.ExpiresAt = time.Unix(n, 0).UTC()
		}
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = now.Add(6 * time.Hour)
	}
	if s, ok := tok.Extra("scope").(string); ok {
		out.Scope = s
	}
	return out
}

// classifyTokenError maps a rejected grant to AuthExpired and leaves transport errors as they are.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusBadRequest || code == http.StatusUnauthorized:
			return fmt.Errorf("%w: token endpoint rejected grant: %s", domain.ErrAuthExpired, re.ErrorCode)
		case code >= 500:
			return fmt.Errorf("%w: token endpoint status %d", domain.ErrUpstreamUnavailable, code)
		}
	}
	return err
}

// ToDomain converts the upstream profile.
func (a RawAthlete) ToDomain() domain.Athlete {
	out := domain.Athlete{
		ID:        a.ID,
		Username:  a.Username,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		City:      a.City,
		Country:   a.Country,
		Sex:       a.Sex,
		Weight:    a.Weight,
	}
	if a.FTP != nil {
		out.FTP = *a.FTP
	}
	return out
}

func joinScopes(scopes []string) string {
	if len(scopes) == 0 {
		return DefaultScopes
	}
	return strings.Join(scopes, ",")
}

func isRateLimit(err error) bool {
	return errors.Is(err, domain.ErrRateLimited)
}
