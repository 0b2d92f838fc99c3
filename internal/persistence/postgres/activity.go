package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/trainingsync/internal/domain"
)

// contentColumns are the upstream-derived activity columns, compared to decide whether an upsert changed anything.
var contentColumns = []string{
	"athlete_id", "name", "type", "sport_type", "start_date", "start_date_local", "timezone",
	"distance", "moving_time", "elapsed_time", "total_elevation_gain", "average_speed", "max_speed",
	"average_heartrate", "max_heartrate", "has_heartrate", "average_watts", "max_watts",
	"weighted_average_watts", "device_watts", "kilojoules", "average_cadence",
	"trainer", "commute", "manual", "gear_id",
}

var (
	upsertActivitySQL string
	selectActivitySQL string
)

func init() {
	placeholders := make([]string, 0, len(contentColumns)+1)
	for i := 0; i <= len(contentColumns); i++ {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	sets := make([]string, 0, len(contentColumns))
	existing := make([]string, 0, len(contentColumns))
	incoming := make([]string, 0, len(contentColumns))
	for _, col := range contentColumns {
		sets = append(sets, col+"=EXCLUDED."+col)
		existing = append(existing, "activities."+col)
		incoming = append(incoming, "EXCLUDED."+col)
	}

	// prior reads the row as it was before the statement, exposing the day an edit moved from
	upsertActivitySQL = `WITH prior AS (SELECT start_date_local FROM activities WHERE id=$1)
        INSERT INTO activities (id, ` + strings.Join(contentColumns, ", ") + `)
        VALUES (` + strings.Join(placeholders, ",") + `)
        ON CONFLICT (id) DO UPDATE SET ` + strings.Join(sets, ", ") + `, updated_at=now()
        WHERE (` + strings.Join(existing, ", ") + `) IS DISTINCT FROM (` + strings.Join(incoming, ", ") + `)
        RETURNING (xmax = 0) AS inserted, (SELECT start_date_local FROM prior) AS previous_local`

	selectActivitySQL = `SELECT id, ` + strings.Join(contentColumns, ", ") +
		`, stress_score, intensity_factor, stress_method, created_at, updated_at FROM activities`
}

func activityArgs(a domain.Activity) []any {
	return []any{
		a.ID, a.AthleteID, a.Name, a.Type, a.SportType, a.StartDate, a.StartDateLocal, a.Timezone,
		a.Distance, a.MovingTime, a.ElapsedTime, a.TotalElevationGain, a.AverageSpeed, a.MaxSpeed,
		a.AverageHeartRate, a.MaxHeartRate, a.HasHeartRate, a.AverageWatts, a.MaxWatts,
		a.WeightedAverageWatts, a.DeviceWatts, a.Kilojoules, a.AverageCadence,
		a.Trainer, a.Commute, a.Manual, a.GearID,
	}
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	var method string
	err := row.Scan(
		&a.ID, &a.AthleteID, &a.Name, &a.Type, &a.SportType, &a.StartDate, &a.StartDateLocal, &a.Timezone,
		&a.Distance, &a.MovingTime, &a.ElapsedTime, &a.TotalElevationGain, &a.AverageSpeed, &a.MaxSpeed,
		&a.AverageHeartRate, &a.MaxHeartRate, &a.HasHeartRate, &a.AverageWatts, &a.MaxWatts,
		&a.WeightedAverageWatts, &a.DeviceWatts, &a.Kilojoules, &a.AverageCadence,
		&a.Trainer, &a.Commute, &a.Manual, &a.GearID,
		&a.StressScore, &a.IntensityFactor, &method, &a.CreatedAt, &a.UpdatedAt,
	)
	a.StressMethod = domain.StressMethod(method)
	a.StartDate = a.StartDate.UTC()
	return a, err
}

func collectActivities(rows pgx.Rows) ([]domain.Activity, error) {
	defer rows.Close()
	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertActivity writes the activity keyed by its upstream id. Unchanged content is left untouched,
// and stress columns are never overwritten by ingestion.
func (r *Repository) UpsertActivity(ctx context.Context, a domain.Activity) (domain.UpsertOutcome, time.Time, error) {
	var (
		inserted bool
		previous *time.Time
	)
	if err := r.pool.QueryRow(ctx, upsertActivitySQL, activityArgs(a)...).Scan(&inserted, &previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutcomeUnchanged, time.Time{}, nil
		}
		return domain.OutcomeUnchanged, time.Time{}, err
	}
	if inserted || previous == nil {
		return domain.OutcomeCreated, time.Time{}, nil
	}
	return domain.OutcomeUpdated, domain.Day(*previous), nil
}

// GetActivity returns nil when the activity is unknown.
func (r *Repository) GetActivity(ctx context.Context, activityID int64) (*domain.Activity, error) {
	a, err := scanActivity(r.pool.QueryRow(ctx, selectActivitySQL+` WHERE id=$1`, activityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListActivities returns the athlete's activities newest first using keyset pagination.
func (r *Repository) ListActivities(ctx context.Context, athleteID int64, cursor *domain.ActivityCursor, limit int) ([]domain.Activity, *domain.ActivityCursor, error) {
	args := []any{athleteID, limit + 1}
	query := selectActivitySQL + ` WHERE athlete_id=$1`
	if cursor != nil {
		query += ` AND (start_date, id) < ($3, $4)`
		args = append(args, cursor.StartDate, cursor.ID)
	}
	query += ` ORDER BY start_date DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	results, err := collectActivities(rows)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.ActivityCursor
	if len(results) > limit {
		results = results[:limit]
		last := results[len(results)-1]
		next = &domain.ActivityCursor{StartDate: last.StartDate, ID: last.ID}
	}
	return results, next, nil
}

// ActivitiesBetween returns activities whose local start day lies in [from, to].
func (r *Repository) ActivitiesBetween(ctx context.Context, athleteID int64, from, to time.Time) ([]domain.Activity, error) {
	rows, err := r.pool.Query(ctx,
		selectActivitySQL+` WHERE athlete_id=$1 AND start_date_local >= $2 AND start_date_local < $3
        ORDER BY start_date_local, id`,
		athleteID, domain.Day(from), domain.Day(to).AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	return collectActivities(rows)
}

func (r *Repository) ActivityDayRange(ctx context.Context, athleteID int64) (time.Time, time.Time, bool, error) {
	var first, last *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MIN(start_date_local), MAX(start_date_local) FROM activities WHERE athlete_id=$1`, athleteID,
	).Scan(&first, &last)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if first == nil || last == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	return domain.Day(*first), domain.Day(*last), true, nil
}

func (r *Repository) CountActivities(ctx context.Context, athleteID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activities WHERE athlete_id=$1`, athleteID).Scan(&n)
	return n, err
}

// UpdateStress stores the calculator's score for one activity.
func (r *Repository) UpdateStress(ctx context.Context, activityID int64, score, intensity float64, method domain.StressMethod) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE activities SET stress_score=$2, intensity_factor=$3, stress_method=$4 WHERE id=$1`,
		activityID, score, intensity, string(method))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) ActivitiesMissingStreams(ctx context.Context, athleteID int64, since time.Time, limit int) ([]domain.Activity, error) {
	rows, err := r.pool.Query(ctx,
		selectActivitySQL+` WHERE athlete_id=$1 AND start_date >= $2
          AND NOT EXISTS (SELECT 1 FROM activity_streams s WHERE s.activity_id = activities.id)
        ORDER BY start_date DESC, id DESC LIMIT $3`,
		athleteID, since, limit)
	if err != nil {
		return nil, err
	}
	return collectActivities(rows)
}

// UpsertStream replaces one channel of an activity.
func (r *Repository) UpsertStream(ctx context.Context, s domain.ActivityStream) error {
	const stmt = `INSERT INTO activity_streams (activity_id, stream_type, data, series_type, original_size, resolution)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (activity_id, stream_type) DO UPDATE SET
            data=EXCLUDED.data, series_type=EXCLUDED.series_type,
            original_size=EXCLUDED.original_size, resolution=EXCLUDED.resolution`
	_, err := r.pool.Exec(ctx, stmt, s.ActivityID, s.StreamType, []byte(s.Data), s.SeriesType, s.OriginalSize, s.Resolution)
	return err
}

func (r *Repository) GetStream(ctx context.Context, activityID int64, streamType string) (*domain.ActivityStream, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT activity_id, stream_type, data, series_type, original_size, resolution, created_at
        FROM activity_streams WHERE activity_id=$1 AND stream_type=$2`, activityID, streamType)
	var s domain.ActivityStream
	var data []byte
	if err := row.Scan(&s.ActivityID, &s.StreamType, &data, &s.SeriesType, &s.OriginalSize, &s.Resolution, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Data = data
	return &s, nil
}
