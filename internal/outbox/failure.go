package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQWriter persists events that could not be published.
type DLQWriter struct {
	pool *pgxpool.Pool
}

func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Write records a failed outbox message with the supplied reason. A message already in the DLQ is refreshed.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, athlete_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key, reason, next_retry_at)
         VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, NOW())
         ON CONFLICT (event_id) DO UPDATE SET reason=EXCLUDED.reason, last_attempt_at=NOW()`,
		msg.EventID, msg.AthleteID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Topic,
		msg.SchemaSubject, msg.PartitionKey, []byte(msg.Payload), msg.EventID, reason,
	)
	return err
}
