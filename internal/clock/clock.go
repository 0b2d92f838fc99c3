// Package clock abstracts time so rate limiting and scheduling are testable without real waits.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time and signals after a duration.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now().UTC() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually driven clock. After advances the clock by d and fires immediately,
// so code waiting on it observes the elapsed time without sleeping.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	waited time.Duration
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
		f.waited += d
	}
	now := f.now
	f.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set positions the clock at t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Waited returns the total duration consumed through After.
func (f *Fake) Waited() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waited
}
