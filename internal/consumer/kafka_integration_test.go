//go:build integration

package consumer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/trainingsync/internal/events"
	"example.com/trainingsync/internal/outbox"
)

type channelHandler struct {
	messages chan Message
}

func (h channelHandler) Handle(_ context.Context, msg Message) error {
	h.messages <- msg
	return nil
}

func TestKafkaRoundTripThroughProducerAndProcessor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkacontainer.RunContainer(ctx, testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	meta, err := events.Lookup(events.TypeTrainingLoadExtended)
	require.NoError(t, err)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: meta.Topic, NumPartitions: 1, ReplicationFactor: 1}))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "trainingsync-integration",
		Topic:       meta.Topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	handler := channelHandler{messages: make(chan Message, 1)}
	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = NewProcessor(reader, handler).Run(consumerCtx) }()

	producer := outbox.NewKafkaProducer(brokers)
	defer producer.Close()

	payload, err := json.Marshal(events.TrainingLoadExtended{AthleteID: 7, RunID: "run-1", From: "2026-06-01", To: "2026-06-02"})
	require.NoError(t, err)
	require.NoError(t, producer.WriteMessages(ctx, meta.Topic, kafka.Message{
		Key:   []byte(strconv.FormatInt(7, 10)),
		Value: framed(3, payload),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte("evt-1")},
			{Key: "event_type", Value: []byte(events.TypeTrainingLoadExtended)},
			{Key: "athlete_id", Value: []byte("7")},
			{Key: "schema_subject", Value: []byte(meta.SchemaSubject)},
		},
	}))

	select {
	case msg := <-handler.messages:
		require.Equal(t, events.TypeTrainingLoadExtended, msg.EventType)
		require.Equal(t, int64(7), msg.AthleteID)
		require.Equal(t, 3, msg.SchemaID)
		require.JSONEq(t, string(payload), string(msg.Payload))
	case <-ctx.Done():
		t.Fatal("message was not consumed")
	}
}
