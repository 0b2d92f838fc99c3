package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/trainingsync/internal/auth"
	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/config"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/persistence/postgres"
	"example.com/trainingsync/internal/ratelimit"
	"example.com/trainingsync/internal/syncer"
	"example.com/trainingsync/internal/tokens"
	"example.com/trainingsync/internal/upstream"
)

// SyncCmd runs one sync in the foreground.
type SyncCmd struct {
	AthleteID int64         `short:"a" long:"athlete" required:"true" description:"athlete id"`
	Mode      string        `short:"m" long:"mode" choice:"auto" choice:"full" choice:"incremental" default:"auto" description:"sync mode"`
	Timeout   time.Duration `long:"timeout" default:"30m" description:"abort the run after this long"`
}

func (c *SyncCmd) Execute([]string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		mode := syncer.SyncAuto
		if c.Mode != "auto" {
			mode = domain.SyncMode(c.Mode)
		}
		ctx, cancel := context.WithTimeout(logging.ContextWithCorrelationID(ctx, ""), c.Timeout)
		defer cancel()

		report, err := e.orchestrator().Run(ctx, c.AthleteID, mode)
		if report.RunID != "" {
			if perr := printJSON(report); perr != nil {
				return perr
			}
		}
		return err
	})
}

// StateCmd prints the watermark record.
type StateCmd struct {
	AthleteID int64 `short:"a" long:"athlete" required:"true" description:"athlete id"`
}

func (c *StateCmd) Execute([]string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		st, err := e.orchestrator().State(ctx, c.AthleteID)
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}

// LoadsCmd prints the CTL/ATL/TSB series.
type LoadsCmd struct {
	AthleteID int64  `short:"a" long:"athlete" required:"true" description:"athlete id"`
	From      string `long:"from" description:"first day (YYYY-MM-DD), defaults to 28 days before --to"`
	To        string `long:"to" description:"last day (YYYY-MM-DD), defaults to today"`
}

func (c *LoadsCmd) Execute([]string) error {
	to := domain.Day(time.Now())
	if c.To != "" {
		parsed, err := time.Parse(events.DateLayout, c.To)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -27)
	if c.From != "" {
		parsed, err := time.Parse(events.DateLayout, c.From)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		from = parsed
	}

	return withEnv(func(ctx context.Context, e *env) error {
		points, err := e.orchestrator().TrainingLoad(ctx, c.AthleteID, from, to)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "date\ttss\tctl\tatl\ttsb\tramp\tactivities\t")
		for _, p := range points {
			fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%d\t\n",
				p.Date.Format(events.DateLayout), p.DailyTSS, p.CTL, p.ATL, p.TSB, p.CTLRampRate, p.ActivityCount)
		}
		return w.Flush()
	})
}

// MigrateCmd applies the embedded schema.
type MigrateCmd struct{}

func (c *MigrateCmd) Execute([]string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if err := postgres.Migrate(ctx, e.pool); err != nil {
			return err
		}
		logging.Info().Msg("migrations applied")
		return nil
	})
}

// TokenCmd signs a bearer token for the API.
type TokenCmd struct {
	Subject   string        `short:"s" long:"subject" required:"true" description:"token subject"`
	AthleteID int64         `short:"a" long:"athlete" description:"athlete the token may act on; omit for admin tokens"`
	Scopes    []string      `long:"scope" default:"sync:read" default:"sync:write" description:"granted scope (repeatable)"`
	TTL       time.Duration `long:"ttl" default:"24h" description:"token lifetime"`
}

func (c *TokenCmd) Execute([]string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.AthleteID == 0 && !contains(c.Scopes, auth.ScopeAdmin) {
		return errors.New("tokens without --athlete need the admin scope")
	}
	token, err := auth.Sign(auth.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer}, c.Subject, c.AthleteID, c.Scopes, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// env holds the connections a command needs.
type env struct {
	cfg  *config.Config
	pool *pgxpool.Pool
	repo *postgres.Repository
}

func withEnv(fn func(ctx context.Context, e *env) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Logger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return fn(ctx, &env{cfg: cfg, pool: pool, repo: postgres.NewRepository(pool)})
}

func (e *env) orchestrator() *syncer.Orchestrator {
	clk := clock.Real{}
	return syncer.NewOrchestrator(e.repo, syncer.ClientSessions{
		Client:   upstream.NewClient(append(e.cfg.ClientOptions(), upstream.WithClock(clk))...),
		Tokens:   tokens.NewStore(e.repo, clk),
		Limiters: ratelimit.NewRegistry(ratelimit.Scope(e.cfg.RateLimit.Scope), e.cfg.RateLimiter(), clk),
	}, clk, e.cfg.Orchestrator())
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
