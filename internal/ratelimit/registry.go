package ratelimit

import (
	"sync"

	"example.com/trainingsync/internal/clock"
)

// Scope decides whether budgets are per athlete or shared by the whole application.
type Scope string

const (
	ScopeAthlete Scope = "athlete"
	ScopeShared  Scope = "shared"
)

// Registry hands out limiters according to the configured scope.
type Registry struct {
	scope  Scope
	cfg    Config
	clock  clock.Clock
	mu     sync.Mutex
	shared *Limiter
	byID   map[int64]*Limiter
}

// NewRegistry constructs a Registry.
func NewRegistry(scope Scope, cfg Config, clk clock.Clock) *Registry {
	return &Registry{scope: scope, cfg: cfg, clock: clk, byID: make(map[int64]*Limiter)}
}

// For returns the limiter governing calls made for athleteID.
func (r *Registry) For(athleteID int64) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scope == ScopeShared {
		if r.shared == nil {
			r.shared = New("shared", r.cfg, r.clock)
		}
		return r.shared
	}
	l, ok := r.byID[athleteID]
	if !ok {
		l = New("athlete", r.cfg, r.clock)
		r.byID[athleteID] = l
	}
	return l
}
