package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
)

func (r *Repository) GetSyncState(ctx context.Context, athleteID int64) (*domain.SyncState, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT athlete_id, last_full_sync, last_incremental_sync, last_stream_sync, total_activities_synced,
                sync_status, sync_error, run_id, run_started_at, recompute_from, updated_at
           FROM sync_metadata WHERE athlete_id=$1`, athleteID)
	var st domain.SyncState
	var status string
	if err := row.Scan(&st.AthleteID, &st.LastFullSync, &st.LastIncrementalSync, &st.LastStreamSync,
		&st.TotalActivitiesSynced, &status, &st.Error, &st.RunID, &st.RunStartedAt, &st.RecomputeFrom, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.Status = domain.SyncStatus(status)
	return &st, nil
}

// ClaimSyncRun is a conditional upsert, so two processes racing on one athlete cannot both win.
func (r *Repository) ClaimSyncRun(ctx context.Context, athleteID int64, runID string, startedAt, staleBefore time.Time) (bool, error) {
	const stmt = `INSERT INTO sync_metadata (athlete_id, sync_status, run_id, run_started_at, updated_at)
        VALUES ($1, 'running', $2, $3, $3)
        ON CONFLICT (athlete_id) DO UPDATE SET
            sync_status='running', run_id=EXCLUDED.run_id,
            run_started_at=EXCLUDED.run_started_at, updated_at=EXCLUDED.updated_at
        WHERE sync_metadata.sync_status <> 'running'
           OR sync_metadata.run_started_at IS NULL
           OR sync_metadata.run_started_at <= $4
        RETURNING athlete_id`
	var id int64
	if err := r.pool.QueryRow(ctx, stmt, athleteID, runID, startedAt, staleBefore).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkRecompute relies on LEAST ignoring a NULL marker.
func (r *Repository) MarkRecompute(ctx context.Context, athleteID int64, from time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sync_metadata (athlete_id, recompute_from) VALUES ($1, $2)
        ON CONFLICT (athlete_id) DO UPDATE SET
            recompute_from=LEAST(sync_metadata.recompute_from, EXCLUDED.recompute_from), updated_at=now()`,
		athleteID, domain.Day(from))
	return err
}

// FinishSyncRun stores the final state and records its events inside a single transaction.
func (r *Repository) FinishSyncRun(ctx context.Context, state domain.SyncState, evts ...domain.OutboxEvent) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `INSERT INTO sync_metadata (athlete_id, last_full_sync, last_incremental_sync, last_stream_sync,
            total_activities_synced, sync_status, sync_error, run_id, run_started_at, recompute_from, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
        ON CONFLICT (athlete_id) DO UPDATE SET
            last_full_sync=EXCLUDED.last_full_sync, last_incremental_sync=EXCLUDED.last_incremental_sync,
            last_stream_sync=EXCLUDED.last_stream_sync, total_activities_synced=EXCLUDED.total_activities_synced,
            sync_status=EXCLUDED.sync_status, sync_error=EXCLUDED.sync_error,
            run_id=EXCLUDED.run_id, run_started_at=EXCLUDED.run_started_at,
            recompute_from=EXCLUDED.recompute_from, updated_at=now()`

	if _, err = tx.Exec(ctx, stmt, state.AthleteID, nullTimePtr(state.LastFullSync), nullTimePtr(state.LastIncrementalSync),
		nullTimePtr(state.LastStreamSync), state.TotalActivitiesSynced, string(state.Status), state.Error,
		state.RunID, nullTimePtr(state.RunStartedAt), nullTimePtr(state.RecomputeFrom)); err != nil {
		return err
	}

	for _, evt := range evts {
		if err = insertOutbox(ctx, tx, state.RunID, evt); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, runID string, evt domain.OutboxEvent) error {
	meta, err := events.Lookup(evt.Type)
	if err != nil {
		return err
	}
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}

	athlete := strconv.FormatInt(evt.AthleteID, 10)
	aggregateID := athlete
	if meta.AggregateType == "sync_run" {
		aggregateID = runID
	}
	dedupeKey := fmt.Sprintf("%s:%s", runID, evt.Type)

	const stmt = `INSERT INTO outbox (athlete_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		evt.AthleteID,
		meta.AggregateType,
		aggregateID,
		evt.Type,
		meta.Topic,
		meta.SchemaSubject,
		athlete,
		body,
		dedupeKey,
	)
	return err
}
