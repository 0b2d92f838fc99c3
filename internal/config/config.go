// Package config loads runtime configuration for the sync engine binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/trainingsync/internal/ingest"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/ratelimit"
	"example.com/trainingsync/internal/syncer"
	"example.com/trainingsync/internal/trainingload"
	"example.com/trainingsync/internal/upstream"
)

// Config captures runtime configuration values shared by every binary.
type Config struct {
	HTTP         HTTPConfig         `koanf:"http"`
	Postgres     PostgresConfig     `koanf:"postgres"`
	Kafka        KafkaConfig        `koanf:"kafka"`
	Outbox       OutboxConfig       `koanf:"outbox"`
	Auth         AuthConfig         `koanf:"auth"`
	Upstream     UpstreamConfig     `koanf:"upstream"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
	Sync         SyncConfig         `koanf:"sync"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	TrainingLoad TrainingLoadConfig `koanf:"training_load"`
	Logging      LoggingConfig      `koanf:"logging"`
}

type HTTPConfig struct {
	Address        string        `koanf:"address"`
	MetricsAddress string        `koanf:"metrics_address"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	AllowedOrigin  string        `koanf:"allowed_origin"`
}

type PostgresConfig struct {
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns"`
}

type KafkaConfig struct {
	Brokers           []string `koanf:"brokers"`
	SchemaRegistryURL string   `koanf:"schema_registry_url"`
	ConsumerGroupID   string   `koanf:"consumer_group_id"`
	ConsumerTopics    []string `koanf:"consumer_topics"`
}

type OutboxConfig struct {
	PollInterval    time.Duration `koanf:"poll_interval"`
	BatchSize       int           `koanf:"batch_size"`
	DLQPollInterval time.Duration `koanf:"dlq_poll_interval"`
	DLQMaxRetries   int           `koanf:"dlq_max_retries"` // attempts before quarantine
	DLQBaseDelay    time.Duration `koanf:"dlq_base_delay"`
	DLQBatchSize    int           `koanf:"dlq_batch_size"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

// UpstreamConfig identifies the application to the fitness API and tunes the transport chain.
type UpstreamConfig struct {
	BaseURL             string        `koanf:"base_url"`
	AuthURL             string        `koanf:"auth_url"`
	TokenURL            string        `koanf:"token_url"`
	ClientID            string        `koanf:"client_id"`
	ClientSecret        string        `koanf:"client_secret"`
	RedirectURL         string        `koanf:"redirect_url"`
	Timeout             time.Duration `koanf:"timeout"`
	RequestsPerSecond   float64       `koanf:"requests_per_second"`
	RetryAttempts       int           `koanf:"retry_attempts"`
	RetryInitial        time.Duration `koanf:"retry_initial"`
	RetryMax            time.Duration `koanf:"retry_max"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout"`
}

// RateLimitConfig mirrors the two upstream budgets.
type RateLimitConfig struct {
	Scope       string        `koanf:"scope"` // athlete or shared
	ShortLimit  int           `koanf:"short_limit"`
	ShortWindow time.Duration `koanf:"short_window"`
	DailyLimit  int           `koanf:"daily_limit"`
	DailyWindow time.Duration `koanf:"daily_window"`
	MaxWait     time.Duration `koanf:"max_wait"`
}

type SyncConfig struct {
	PageSize         int           `koanf:"page_size"`
	Overlap          time.Duration `koanf:"overlap"`
	StreamLimit      int           `koanf:"stream_limit"`
	StreamRecency    time.Duration `koanf:"stream_recency"`
	StreamChannels   []string      `koanf:"stream_channels"`
	StreamResolution string        `koanf:"stream_resolution"`
	StaleRunAfter    time.Duration `koanf:"stale_run_after"`
}

type SchedulerConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Interval           time.Duration `koanf:"interval"`
	MaxConcurrent      int           `koanf:"max_concurrent"`
	ExecutionTimeout   time.Duration `koanf:"execution_timeout"`
	FullResyncInterval time.Duration `koanf:"full_resync_interval"` // 0 disables periodic full runs
}

type TrainingLoadConfig struct {
	CTLDays         float64 `koanf:"ctl_days"`
	ATLDays         float64 `koanf:"atl_days"`
	FallbackPerHour float64 `koanf:"fallback_per_hour"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Postgres.URL) == "" {
		errs = append(errs, errors.New("postgres.url is required"))
	}
	if c.RateLimit.ShortLimit <= 0 || c.RateLimit.DailyLimit <= 0 {
		errs = append(errs, errors.New("rate limit thresholds must be positive"))
	}
	if c.RateLimit.ShortWindow <= 0 || c.RateLimit.DailyWindow <= 0 {
		errs = append(errs, errors.New("rate limit windows must be positive"))
	}
	if c.RateLimit.ShortLimit > c.RateLimit.DailyLimit {
		errs = append(errs, fmt.Errorf("rate_limit.short_limit %d exceeds daily limit %d", c.RateLimit.ShortLimit, c.RateLimit.DailyLimit))
	}
	switch ratelimit.Scope(c.RateLimit.Scope) {
	case ratelimit.ScopeAthlete, ratelimit.ScopeShared:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.scope must be athlete or shared, got %q", c.RateLimit.Scope))
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 200 {
		errs = append(errs, fmt.Errorf("sync.page_size must be between 1 and 200, got %d", c.Sync.PageSize))
	}
	if c.Sync.Overlap < 0 {
		errs = append(errs, errors.New("sync.overlap must not be negative"))
	}
	if c.Sync.StreamLimit < 0 {
		errs = append(errs, errors.New("sync.stream_limit must not be negative"))
	}
	if c.TrainingLoad.CTLDays <= 0 || c.TrainingLoad.ATLDays <= 0 {
		errs = append(errs, errors.New("training load time constants must be positive"))
	}
	if c.Upstream.RetryAttempts < 1 {
		errs = append(errs, errors.New("upstream.retry_attempts must be at least 1"))
	}
	if c.Upstream.BreakerFailureRatio <= 0 || c.Upstream.BreakerFailureRatio > 1 {
		errs = append(errs, errors.New("upstream.breaker_failure_ratio must be in (0, 1]"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	return errors.Join(errs...)
}

// RateLimiter converts the flat budget settings into limiter windows.
func (c *Config) RateLimiter() ratelimit.Config {
	return ratelimit.Config{
		Windows: []ratelimit.Window{
			{Name: "short", Limit: c.RateLimit.ShortLimit, Length: c.RateLimit.ShortWindow},
			{Name: "daily", Limit: c.RateLimit.DailyLimit, Length: c.RateLimit.DailyWindow},
		},
		MaxWait: c.RateLimit.MaxWait,
	}
}

// ClientOptions returns the upstream client options for this configuration.
func (c *Config) ClientOptions() []upstream.ClientOption {
	u := c.Upstream
	return []upstream.ClientOption{
		upstream.WithBaseURL(u.BaseURL),
		upstream.WithOAuth(upstream.OAuthConfig{
			ClientID:     u.ClientID,
			ClientSecret: u.ClientSecret,
			RedirectURL:  u.RedirectURL,
			AuthURL:      u.AuthURL,
			TokenURL:     u.TokenURL,
			Scopes:       strings.Split(upstream.DefaultScopes, ","),
		}),
		upstream.WithTimeout(u.Timeout),
		upstream.WithRequestsPerSecond(u.RequestsPerSecond),
		upstream.WithRetry(upstream.RetryConfig{Attempts: u.RetryAttempts, InitialInterval: u.RetryInitial, MaxInterval: u.RetryMax}),
		upstream.WithBreaker(upstream.BreakerConfig{
			MaxRequests:  1,
			Interval:     time.Minute,
			Timeout:      u.BreakerTimeout,
			MinRequests:  u.BreakerMinRequests,
			FailureRatio: u.BreakerFailureRatio,
		}),
	}
}

// Orchestrator returns the sync orchestrator settings.
func (c *Config) Orchestrator() syncer.Config {
	return syncer.Config{
		PageSize:      c.Sync.PageSize,
		Overlap:       c.Sync.Overlap,
		StreamLimit:   c.Sync.StreamLimit,
		StaleRunAfter: c.Sync.StaleRunAfter,
		Streams: ingest.StreamConfig{
			RecencyWindow: c.Sync.StreamRecency,
			Channels:      c.Sync.StreamChannels,
			Resolution:    c.Sync.StreamResolution,
		},
		TrainingLoad: trainingload.Config{
			Constants:       trainingload.Constants{CTLDays: c.TrainingLoad.CTLDays, ATLDays: c.TrainingLoad.ATLDays},
			FallbackPerHour: c.TrainingLoad.FallbackPerHour,
		},
	}
}

// SchedulerSettings returns the periodic scheduler settings.
func (c *Config) SchedulerSettings() syncer.SchedulerConfig {
	return syncer.SchedulerConfig{
		Enabled:            c.Scheduler.Enabled,
		Interval:           c.Scheduler.Interval,
		MaxConcurrent:      c.Scheduler.MaxConcurrent,
		ExecutionTimeout:   c.Scheduler.ExecutionTimeout,
		FullResyncInterval: c.Scheduler.FullResyncInterval,
	}
}

// Logger returns the logging configuration.
func (c *Config) Logger() logging.Config {
	out := logging.DefaultConfig()
	out.Level = c.Logging.Level
	out.Format = c.Logging.Format
	out.Caller = c.Logging.Caller
	return out
}
