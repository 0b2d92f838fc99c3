package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/trainingsync/internal/config"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/outbox"
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

	manager := outbox.NewDLQManager(pool, cfg.Outbox.DLQMaxRetries, cfg.Outbox.DLQBaseDelay)

	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Info().Str("address", cfg.HTTP.MetricsAddress).Msg("dlq manager metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("metrics server error")
		}
	}()

	logging.Info().
		Dur("interval", cfg.Outbox.DLQPollInterval).
		Int("max_retries", cfg.Outbox.DLQMaxRetries).
		Msg("dlq manager started")
	if err := manager.Serve(ctx, cfg.Outbox.DLQPollInterval, cfg.Outbox.DLQBatchSize); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("dlq manager stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("metrics server shutdown error")
	}
}
