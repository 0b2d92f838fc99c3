package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	athleteKey
	runKey
)

// ContextWithCorrelationID stores id on ctx, generating one when id is empty.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id stored on ctx.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// WithAthlete tags ctx with the athlete being processed.
func WithAthlete(ctx context.Context, athleteID int64) context.Context {
	return context.WithValue(ctx, athleteKey, athleteID)
}

// WithRun tags ctx with a sync run id.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey, runID)
}

// Ctx returns the global logger enriched with the fields stored on ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger()
	c := l.With()
	if id := CorrelationID(ctx); id != "" {
		c = c.Str("correlation_id", id)
	}
	if id, ok := ctx.Value(athleteKey).(int64); ok {
		c = c.Int64("athlete_id", id)
	}
	if id, ok := ctx.Value(runKey).(string); ok {
		c = c.Str("sync_run_id", id)
	}
	l = c.Logger()
	return &l
}
