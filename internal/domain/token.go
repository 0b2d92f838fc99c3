package domain

import "time"

// RefreshBuffer is how long before expiry a token is considered due for refresh.
const RefreshBuffer = 300 * time.Second

// OAuthToken is the credential set owned by one athlete.
type OAuthToken struct {
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	UpdatedAt    time.Time
}

// Expired reports whether the access token is no longer valid at now.
func (t OAuthToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within RefreshBuffer of now.
func (t OAuthToken) NeedsRefresh(now time.Time) bool {
	return !now.Add(RefreshBuffer).Before(t.ExpiresAt)
}
