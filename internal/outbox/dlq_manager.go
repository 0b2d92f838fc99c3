package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/trainingsync/internal/logging"
)

// DLQManager retries dead-lettered events and quarantines the ones that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
}

func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay}
}

// RunOnce processes one batch of due entries and returns how many were requeued or quarantined.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id::text, event_id::text, athlete_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	entries, err := pgx.CollectRows(rows, scanDLQEntry)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range entries {
		if procErr := m.handleEntry(ctx, entry); procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		processed++
	}
	updateBacklogGauge(ctx, m.pool)
	return processed, err
}

// Serve polls the DLQ on interval until ctx is cancelled.
func (m *DLQManager) Serve(ctx context.Context, interval time.Duration, batchSize int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			processed, err := m.RunOnce(ctx, batchSize)
			if err != nil {
				logging.Error().Err(err).Msg("dlq manager error")
			} else if processed > 0 {
				logging.Info().Int("processed", processed).Msg("dlq manager processed entries")
			}
		}
	}
}

func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2::uuid`,
			"retry limit reached", entry.ID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		recordDLQQuarantined(entry)
		return nil
	}

	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		// the failed insert aborted the transaction; schedule the retry in a fresh one
		tx.Rollback(ctx)
		delay := m.backoffDelay(entry.RetryCount + 1)
		if _, err := m.pool.Exec(ctx,
			`UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = NOW(),
                   next_retry_at = NOW() + $1::interval,
                   reason = $2
             WHERE dlq_id = $3::uuid`,
			delay, insertErr.Error(), entry.ID,
		); err != nil {
			return err
		}
		recordDLQRetry(entry)
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1::uuid`, entry.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	recordDLQRequeued(entry)
	return nil
}

// backoffDelay doubles per attempt, capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the entry into the primary outbox under its original id.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %s", entry.ID)
	}

	const stmt = `INSERT INTO outbox (event_id, athlete_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
                   VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10)
                   ON CONFLICT (event_id) DO UPDATE SET published_at = NULL, claimed_at = NULL`

	_, err := tx.Exec(ctx, stmt,
		entry.EventID,
		entry.AthleteID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
		"requeue:"+entry.EventID,
	)
	return err
}

type dlqEntry struct {
	ID            string
	EventID       string
	AthleteID     int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(row pgx.CollectableRow) (dlqEntry, error) {
	var e dlqEntry
	err := row.Scan(&e.ID, &e.EventID, &e.AthleteID, &e.EventType, &e.Topic, &e.Payload, &e.Reason,
		&e.AggregateType, &e.AggregateID, &e.SchemaSubject, &e.PartitionKey, &e.RetryCount)
	return e, err
}
