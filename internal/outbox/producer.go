package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/trainingsync/internal/events"
)

// KafkaProducer keeps one writer per event topic. Messages are keyed by athlete so the events of
// one athlete stay ordered within a partition.
type KafkaProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer prepares writers for every topic in the event catalog.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	p := &KafkaProducer{brokers: brokers, writers: make(map[string]*kafka.Writer)}
	for _, topic := range events.Topics() {
		p.writers[topic] = p.newWriter(topic)
	}
	return p
}

func (p *KafkaProducer) newWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// WriteMessages publishes msgs to topic. Unknown topics get a writer on first use.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	p.mu.Lock()
	w, ok := p.writers[topic]
	if !ok {
		w = p.newWriter(topic)
		p.writers[topic] = w
	}
	p.mu.Unlock()
	return w.WriteMessages(ctx, msgs...)
}

// Close flushes and releases every writer.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		errs = append(errs, w.Close())
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}
