// Package pacing enforces a minimum delay between reasoning-backend calls
// across every run in the process.
package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate admits one caller per interval. It is safe for concurrent use and is
// shared by reference between runs. A nil *Gate admits everything.
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration

	mu    sync.Mutex
	last  time.Time
	count int
}

// NewGate creates a gate. An interval of zero or less disables pacing.
func NewGate(interval time.Duration) *Gate {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Gate{limiter: rate.NewLimiter(limit, 1), interval: interval}
}

// Wait blocks until the caller may proceed or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	g.last = time.Now()
	g.count++
	g.mu.Unlock()
	return nil
}

// Interval returns the configured minimum spacing.
func (g *Gate) Interval() time.Duration {
	if g == nil {
		return 0
	}
	return g.interval
}

// Last returns when the most recent caller was admitted.
func (g *Gate) Last() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Admitted returns how many callers have passed the gate.
func (g *Gate) Admitted() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
