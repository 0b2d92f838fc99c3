// Package ratelimit enforces the upstream call budget with sliding windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/observability"
)

// ErrRateLimitExceeded is returned when no slot frees up within the configured max wait.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Window is one budget: at most Limit calls within any rolling Length.
type Window struct {
	Name   string
	Limit  int
	Length time.Duration
}

// Config describes a limiter.
type Config struct {
	Windows []Window
	MaxWait time.Duration
}

// DefaultConfig is 100 calls per 15 minutes and 1000 calls per 24 hours.
func DefaultConfig() Config {
	return Config{
		Windows: []Window{
			{Name: "short", Limit: 100, Length: 15 * time.Minute},
			{Name: "daily", Limit: 1000, Length: 24 * time.Hour},
		},
		MaxWait: 30 * time.Second,
	}
}

type window struct {
	Window
	calls []time.Time // ascending
}

// Limiter records call timestamps per window. A slot is available only when every window is
// below its limit and no cooldown is active.
type Limiter struct {
	name    string
	clock   clock.Clock
	maxWait time.Duration

	mu            sync.Mutex
	windows       []*window
	cooldownUntil time.Time
}

// New builds a limiter. name labels metrics.
func New(name string, cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	l := &Limiter{name: name, clock: clk, maxWait: cfg.MaxWait}
	for _, w := range cfg.Windows {
		l.windows = append(l.windows, &window{Window: w})
	}
	return l
}

// Acquire takes a slot, waiting at most the configured max wait. It fails fast when the
// earliest free slot lies beyond the deadline.
func (l *Limiter) Acquire(ctx context.Context) error {
	deadline := l.clock.Now().Add(l.maxWait)
	for {
		l.mu.Lock()
		now := l.clock.Now()
		wait := l.reserveLocked(now)
		l.mu.Unlock()
		if wait == 0 {
			observability.RecordLimiterAcquire(l.name, "acquired")
			return nil
		}
		if now.Add(wait).After(deadline) {
			observability.RecordLimiterAcquire(l.name, "rejected")
			return fmt.Errorf("%w: next slot in %s", ErrRateLimitExceeded, wait.Round(time.Second))
		}
		observability.RecordLimiterAcquire(l.name, "waited")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// reserveLocked records now and returns zero when a slot is free, otherwise the time until one frees.
func (l *Limiter) reserveLocked(now time.Time) time.Duration {
	var wait time.Duration
	if now.Before(l.cooldownUntil) {
		wait = l.cooldownUntil.Sub(now)
	}
	for _, w := range l.windows {
		w.prune(now)
		if len(w.calls) >= w.Limit {
			// the oldest blocking call leaves the closed window one tick after Length
			if d := w.calls[len(w.calls)-w.Limit].Add(w.Length).Sub(now) + time.Nanosecond; d > wait {
				wait = d
			}
		}
	}
	if wait > 0 {
		return wait
	}
	for _, w := range l.windows {
		w.calls = append(w.calls, now)
	}
	return 0
}

// prune drops timestamps older than Length. A call exactly Length ago still counts.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.Length)
	i := 0
	for i < len(w.calls) && w.calls[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

// CoolDown blocks all acquisitions until the given time. Earlier deadlines never shorten an active cooldown.
func (l *Limiter) CoolDown(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

// Usage is a point-in-time view of consumption.
type Usage struct {
	Counts        map[string]int
	CooldownUntil time.Time
}

// Usage reports current window counts.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	u := Usage{Counts: make(map[string]int, len(l.windows)), CooldownUntil: l.cooldownUntil}
	for _, w := range l.windows {
		w.prune(now)
		u.Counts[w.Name] = len(w.calls)
	}
	return u
}
