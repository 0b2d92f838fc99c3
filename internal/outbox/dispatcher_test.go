package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/trainingsync/internal/events"
)

func TestEncodeWireFormat(t *testing.T) {
	frame := encodeWireFormat(42, []byte(`{"a":1}`))
	require.Len(t, frame, 5+7)
	assert.Equal(t, byte(0), frame[0])
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(frame[1:5]))
	assert.Equal(t, `{"a":1}`, string(frame[5:]))
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	m := NewDLQManager(nil, 0, time.Minute)
	assert.Equal(t, time.Minute, m.backoffDelay(1))
	assert.Equal(t, 2*time.Minute, m.backoffDelay(2))
	assert.Equal(t, 8*time.Minute, m.backoffDelay(4))
	assert.Equal(t, time.Hour, m.backoffDelay(7))
	assert.Equal(t, time.Hour, m.backoffDelay(64))
	assert.Equal(t, 5, m.maxRetries)
}

func TestDeliverGroupsByTopicAndSetsHeaders(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 9}
	d := &Dispatcher{producer: producer, registry: registry}

	msgs := []Message{
		outboxMessage("e1", events.TypeSyncCompleted),
		outboxMessage("e2", events.TypeTrainingLoadExtended),
		outboxMessage("e3", events.TypeSyncCompleted),
	}
	require.NoError(t, d.deliver(context.Background(), msgs))

	require.Len(t, producer.writes, 2)
	assert.Equal(t, "sync_events", producer.writes[0].topic)
	assert.Len(t, producer.writes[0].messages, 2)
	assert.Equal(t, "training_load_events", producer.writes[1].topic)

	rec := producer.writes[0].messages[0]
	assert.Equal(t, "42", string(rec.Key))
	assert.Equal(t, uint32(9), binary.BigEndian.Uint32(rec.Value[1:5]))
	assert.Equal(t, map[string]string{
		"event_id":       "e1",
		"event_type":     events.TypeSyncCompleted,
		"athlete_id":     "42",
		"schema_subject": "sync_events-value",
	}, headers(rec))

	assert.Equal(t, 2, registry.calls, "schema ids are cached per subject")
}

func TestDeliverFailsOnUnknownEventType(t *testing.T) {
	d := &Dispatcher{producer: &stubProducer{}, registry: &stubRegistry{id: 1}}
	err := d.deliver(context.Background(), []Message{outboxMessage("e1", "activity.deleted")})
	assert.Error(t, err)
}

func TestDeliverPropagatesProducerError(t *testing.T) {
	d := &Dispatcher{producer: &stubProducer{err: errors.New("broker down")}, registry: &stubRegistry{id: 1}}
	err := d.deliver(context.Background(), []Message{outboxMessage("e1", events.TypeSyncCompleted)})
	assert.EqualError(t, err, "broker down")
}

func outboxMessage(id, eventType string) Message {
	meta, _ := events.Lookup(eventType)
	return Message{
		EventID:       id,
		AthleteID:     42,
		EventType:     eventType,
		Topic:         meta.Topic,
		SchemaSubject: meta.SchemaSubject,
		PartitionKey:  "42",
		Payload:       []byte(`{"athlete_id":42}`),
	}
}

func headers(m kafka.Message) map[string]string {
	out := make(map[string]string)
	for _, h := range m.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

type producerWrite struct {
	topic    string
	messages []kafka.Message
}

type stubProducer struct {
	writes []producerWrite
	err    error
}

func (p *stubProducer) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.writes = append(p.writes, producerWrite{topic: topic, messages: msgs})
	return nil
}

type stubRegistry struct {
	id    int
	calls int
}

func (r *stubRegistry) EnsureSchema(context.Context, string, string) (int, error) {
	r.calls++
	return r.id, nil
}
