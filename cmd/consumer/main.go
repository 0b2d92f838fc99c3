package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/trainingsync/internal/config"
	"example.com/trainingsync/internal/consumer"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/persistence/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(cfg.Logger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	handler := consumer.NewFeatureHandler(postgres.NewRepository(pool))

	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Info().Str("address", cfg.HTTP.MetricsAddress).Msg("consumer metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("metrics server error")
		}
	}()

	var wg sync.WaitGroup
	for _, topic := range cfg.Kafka.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.Kafka.Brokers,
			GroupID:         cfg.Kafka.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		logger := logging.Logger().With().Str("topic", topic).Str("group", cfg.Kafka.ConsumerGroupID).Logger()
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(logger))

		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()

			logger.Info().Msg("consumer started")
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("consumer stopped with error")
			}
		}(reader)
	}

	<-ctx.Done()
	logging.Info().Msg("consumer shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("metrics server shutdown error")
	}
	wg.Wait()
}
