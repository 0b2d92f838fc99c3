// Package outbox delivers transactionally recorded sync events to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/trainingsync/internal/events"
	"example.com/trainingsync/internal/logging"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message represents a row fetched from the outbox table.
type Message struct {
	EventID       string
	AthleteID     int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// Dispatcher drains the outbox table and delivers events to Kafka using Schema Registry framing.
type Dispatcher struct {
	pool          *pgxpool.Pool
	producer      messageWriter
	registry      schemaRegistrar
	dlq           *DLQWriter
	pollInterval  time.Duration
	batchSize     int
	schemaIDCache sync.Map
}

func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		dlq:          NewDLQWriter(pool),
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Serve runs the polling loop until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("outbox dispatcher error")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) String() string { return "outbox-dispatcher" }

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.deliver(ctx, messages); err != nil {
		logging.Warn().Err(err).Int("messages", len(messages)).Msg("outbox delivery failed, routing batch to DLQ")
		failedCounter.Add(float64(len(messages)))
		if dlqErr := d.moveToDLQ(ctx, messages, err.Error()); dlqErr != nil {
			return dlqErr
		}
		return d.markPublished(ctx, messages)
	}

	for _, msg := range messages {
		deliveredCounter.WithLabelValues(msg.EventType).Inc()
	}
	return d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (_ []Message, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id::text, athlete_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, created_at
        FROM outbox
        WHERE published_at IS NULL
        ORDER BY created_at, event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	var ids []string
	for rows.Next() {
		var msg Message
		var payload []byte
		if err = rows.Scan(&msg.EventID, &msg.AthleteID, &msg.AggregateType, &msg.AggregateID, &msg.EventType,
			&msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &payload, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Payload = payload
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1::uuid[])`, ids); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return messages, nil
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	batches := make(map[string][]kafka.Message)
	var order []string

	for _, msg := range messages {
		record, err := d.record(ctx, msg)
		if err != nil {
			return err
		}
		if _, ok := batches[msg.Topic]; !ok {
			order = append(order, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], record)
	}

	for _, topic := range order {
		if err := d.producer.WriteMessages(ctx, topic, batches[topic]...); err != nil {
			return err
		}
	}
	return nil
}

// record frames one outbox row as a Kafka message with routing headers.
func (d *Dispatcher) record(ctx context.Context, msg Message) (kafka.Message, error) {
	meta, err := events.Lookup(msg.EventType)
	if err != nil {
		return kafka.Message{}, err
	}
	schemaID, err := d.schemaID(ctx, msg.SchemaSubject, meta.Schema)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.EventID)},
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "athlete_id", Value: []byte(strconv.FormatInt(msg.AthleteID, 10))},
			{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
		},
	}, nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	cacheKey := fmt.Sprintf("%s::%s", subject, schema)
	if v, ok := d.schemaIDCache.Load(cacheKey); ok {
		return v.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDCache.Store(cacheKey, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1::uuid[])`, ids)
	return err
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	for _, msg := range messages {
		entryReason := fmt.Sprintf("%s (topic=%s)", reason, msg.Topic)
		if err := d.dlq.Write(ctx, msg, entryReason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(msg.Topic).Inc()
	}
	return nil
}

// encodeWireFormat applies Confluent framing: magic byte, big-endian schema id, payload.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}
