// Package postgres implements the engine repositories on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/trainingsync/internal/domain"
)

// Repository provides Postgres-backed persistence for every engine aggregate and the outbox.
type Repository struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ping verifies connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const athleteColumns = `id, username, first_name, last_name, city, country, sex, weight, ftp, max_heartrate, resting_heartrate, created_at, updated_at`

// GetAthlete returns nil when the athlete is unknown.
func (r *Repository) GetAthlete(ctx context.Context, athleteID int64) (*domain.Athlete, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+athleteColumns+` FROM athletes WHERE id=$1`, athleteID)
	var a domain.Athlete
	if err := row.Scan(&a.ID, &a.Username, &a.FirstName, &a.LastName, &a.City, &a.Country, &a.Sex,
		&a.Weight, &a.FTP, &a.MaxHeartRate, &a.RestingHeartRate, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// UpsertAthlete inserts or replaces the profile, keeping the original creation time.
func (r *Repository) UpsertAthlete(ctx context.Context, a domain.Athlete) error {
	const stmt = `INSERT INTO athletes (id, username, first_name, last_name, city, country, sex, weight, ftp, max_heartrate, resting_heartrate)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (id) DO UPDATE SET
            username=EXCLUDED.username, first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name,
            city=EXCLUDED.city, country=EXCLUDED.country, sex=EXCLUDED.sex, weight=EXCLUDED.weight,
            ftp=EXCLUDED.ftp, max_heartrate=EXCLUDED.max_heartrate, resting_heartrate=EXCLUDED.resting_heartrate,
            updated_at=now()`
	_, err := r.pool.Exec(ctx, stmt, a.ID, a.Username, a.FirstName, a.LastName, a.City, a.Country, a.Sex,
		a.Weight, a.FTP, a.MaxHeartRate, a.RestingHeartRate)
	return err
}

// GetToken returns nil when the athlete never connected.
func (r *Repository) GetToken(ctx context.Context, athleteID int64) (*domain.OAuthToken, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT athlete_id, access_token, refresh_token, expires_at, scope, updated_at FROM oauth_tokens WHERE athlete_id=$1`, athleteID)
	var t domain.OAuthToken
	if err := row.Scan(&t.AthleteID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.Scope, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// SaveToken atomically replaces the athlete's credentials.
func (r *Repository) SaveToken(ctx context.Context, t domain.OAuthToken) error {
	const stmt = `INSERT INTO oauth_tokens (athlete_id, access_token, refresh_token, expires_at, scope, updated_at)
        VALUES ($1,$2,$3,$4,$5,COALESCE($6, now()))
        ON CONFLICT (athlete_id) DO UPDATE SET
            access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token,
            expires_at=EXCLUDED.expires_at, scope=EXCLUDED.scope, updated_at=EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, stmt, t.AthleteID, t.AccessToken, t.RefreshToken, t.ExpiresAt, t.Scope, nullTime(t.UpdatedAt))
	return err
}

// ListTokenHolders returns every athlete with stored credentials.
func (r *Repository) ListTokenHolders(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT athlete_id FROM oauth_tokens ORDER BY athlete_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
