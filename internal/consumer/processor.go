// Package consumer reads integration events published by the outbox dispatcher.
package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/trainingsync/internal/logging"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record emitted by the outbox dispatcher.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventID       string
	EventType     string
	AthleteID     int64
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader  Reader
	handler Handler
	logger  zerolog.Logger
}

func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  logging.Logger().With().Str("component", "consumer").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until the context is cancelled. A message is committed only after its
// handler succeeded; undecodable messages are committed so they cannot block the partition.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Warn().Err(err).Msg("fetch error")
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Warn().Err(decodeErr).
				Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
				Msg("decode error")
			recordDecodeError(msg.Topic)
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Warn().Err(commitErr).Msg("commit error after decode failure")
			}
			continue
		}

		if handleErr := p.handler.Handle(ctx, event); handleErr != nil {
			p.logger.Error().Err(handleErr).
				Str("event_type", event.EventType).Int64("athlete_id", event.AthleteID).
				Msg("handler error")
			recordHandlerError(event)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Warn().Err(commitErr).Msg("commit error")
		} else {
			recordProcessed(event)
		}
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) < 5 {
		return Message{}, fmt.Errorf("invalid payload length: %d", len(msg.Value))
	}
	if msg.Value[0] != 0 {
		return Message{}, fmt.Errorf("unknown magic byte %d", msg.Value[0])
	}

	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	var athleteID int64
	if raw, ok := headerValue(msg, "athlete_id"); ok {
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("invalid athlete_id header: %w", err)
		}
		athleteID = id
	}
	eventID, _ := headerValue(msg, "event_id")
	schemaSubject, _ := headerValue(msg, "schema_subject")

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventID:       string(eventID),
		EventType:     string(eventType),
		AthleteID:     athleteID,
		SchemaSubject: string(schemaSubject),
		SchemaID:      int(binary.BigEndian.Uint32(msg.Value[1:5])),
		Payload:       json.RawMessage(append([]byte(nil), msg.Value[5:]...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
