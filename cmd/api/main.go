package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"example.com/trainingsync/internal/api"
	"example.com/trainingsync/internal/auth"
	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/config"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/outbox"
	"example.com/trainingsync/internal/persistence/postgres"
	"example.com/trainingsync/internal/ratelimit"
	"example.com/trainingsync/internal/syncer"
	"example.com/trainingsync/internal/tokens"
	httptransport "example.com/trainingsync/internal/transport/http"
	"example.com/trainingsync/internal/upstream"
)

// connectLimiterID keys the budget spent on code exchanges before an athlete exists.
const connectLimiterID = 0

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
	if err := postgres.Migrate(ctx, pool); err != nil {
		logging.Fatal().Err(err).Msg("failed to apply migrations")
	}

	clk := clock.Real{}
	repo := postgres.NewRepository(pool)
	tokenStore := tokens.NewStore(repo, clk)
	limiters := ratelimit.NewRegistry(ratelimit.Scope(cfg.RateLimit.Scope), cfg.RateLimiter(), clk)
	client := upstream.NewClient(append(cfg.ClientOptions(), upstream.WithClock(clk))...)

	orchestrator := syncer.NewOrchestrator(repo, syncer.ClientSessions{
		Client:   client,
		Tokens:   tokenStore,
		Limiters: limiters,
	}, clk, cfg.Orchestrator())
	scheduler := syncer.NewScheduler(orchestrator, repo, clk.Now, cfg.SchedulerSettings())
	connector := tokens.NewConnector(client.Exchanger(limiters.For(connectLimiterID)), repo, tokenStore)

	producer := outbox.NewKafkaProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	registry := outbox.NewSchemaRegistryClient(cfg.Kafka.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)

	handler := api.NewHandler(orchestrator, repo, connector)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer})
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTP.Address,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, httptransport.Chain(mux,
		httptransport.RequestID,
		httptransport.AccessLog,
		httptransport.CORS(cfg.HTTP.AllowedOrigin),
		authMiddleware.Wrap,
	))

	root := suture.New("trainingsync", suture.Spec{
		EventHook:        logSupervisorEvent,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          15 * time.Second,
	})
	root.Add(httptransport.NewService("http-server", server, 15*time.Second))
	root.Add(scheduler)
	root.Add(dispatcher)

	logging.Info().Str("address", cfg.HTTP.Address).Msg("trainingsync api starting")
	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("sync runs still active at shutdown")
	}
	logging.Info().Msg("trainingsync api stopped")
}

func logSupervisorEvent(e suture.Event) {
	logging.Warn().Fields(e.Map()).Msg(e.String())
}
