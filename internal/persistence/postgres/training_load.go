package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/trainingsync/internal/domain"
)

const loadColumns = `athlete_id, date, daily_tss, ctl, atl, tsb, activity_count, ctl_ramp_rate`

func scanLoad(row pgx.Row) (domain.TrainingLoadPoint, error) {
	var p domain.TrainingLoadPoint
	err := row.Scan(&p.AthleteID, &p.Date, &p.DailyTSS, &p.CTL, &p.ATL, &p.TSB, &p.ActivityCount, &p.CTLRampRate)
	p.Date = domain.Day(p.Date)
	return p, err
}

func (r *Repository) LatestTrainingLoad(ctx context.Context, athleteID int64) (*domain.TrainingLoadPoint, error) {
	p, err := scanLoad(r.pool.QueryRow(ctx,
		`SELECT `+loadColumns+` FROM training_loads WHERE athlete_id=$1 ORDER BY date DESC LIMIT 1`, athleteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repository) TrainingLoadsBetween(ctx context.Context, athleteID int64, from, to time.Time) ([]domain.TrainingLoadPoint, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+loadColumns+` FROM training_loads WHERE athlete_id=$1 AND date BETWEEN $2 AND $3 ORDER BY date`,
		athleteID, domain.Day(from), domain.Day(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrainingLoadPoint
	for rows.Next() {
		p, err := scanLoad(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertTrainingLoads writes the points in one transaction, skipping rows whose values are identical.
func (r *Repository) UpsertTrainingLoads(ctx context.Context, points []domain.TrainingLoadPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	const stmt = `INSERT INTO training_loads (` + loadColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (athlete_id, date) DO UPDATE SET
            daily_tss=EXCLUDED.daily_tss, ctl=EXCLUDED.ctl, atl=EXCLUDED.atl, tsb=EXCLUDED.tsb,
            activity_count=EXCLUDED.activity_count, ctl_ramp_rate=EXCLUDED.ctl_ramp_rate, updated_at=now()
        WHERE (training_loads.daily_tss, training_loads.ctl, training_loads.atl, training_loads.tsb,
               training_loads.activity_count, training_loads.ctl_ramp_rate)
            IS DISTINCT FROM
              (EXCLUDED.daily_tss, EXCLUDED.ctl, EXCLUDED.atl, EXCLUDED.tsb,
               EXCLUDED.activity_count, EXCLUDED.ctl_ramp_rate)`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(stmt, p.AthleteID, domain.Day(p.Date), p.DailyTSS, p.CTL, p.ATL, p.TSB, p.ActivityCount, p.CTLRampRate)
	}
	results := tx.SendBatch(ctx, batch)
	changed := 0
	for range points {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, err
		}
		changed += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return changed, nil
}

// UpsertFeatures replaces rows of the read-only feature view.
func (r *Repository) UpsertFeatures(ctx context.Context, features []domain.TrainingFeature) error {
	if len(features) == 0 {
		return nil
	}
	const stmt = `INSERT INTO training_features (athlete_id, date, stress_7d, stress_28d, ctl, atl, tsb)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (athlete_id, date) DO UPDATE SET
            stress_7d=EXCLUDED.stress_7d, stress_28d=EXCLUDED.stress_28d,
            ctl=EXCLUDED.ctl, atl=EXCLUDED.atl, tsb=EXCLUDED.tsb, updated_at=now()`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, f := range features {
		batch.Queue(stmt, f.AthleteID, domain.Day(f.Date), f.Stress7d, f.Stress28d, f.CTL, f.ATL, f.TSB)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FeaturesBetween reads the feature view for one athlete.
func (r *Repository) FeaturesBetween(ctx context.Context, athleteID int64, from, to time.Time) ([]domain.TrainingFeature, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT athlete_id, date, stress_7d, stress_28d, ctl, atl, tsb FROM training_features
        WHERE athlete_id=$1 AND date BETWEEN $2 AND $3 ORDER BY date`,
		athleteID, domain.Day(from), domain.Day(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrainingFeature
	for rows.Next() {
		var f domain.TrainingFeature
		if err := rows.Scan(&f.AthleteID, &f.Date, &f.Stress7d, &f.Stress28d, &f.CTL, &f.ATL, &f.TSB); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
