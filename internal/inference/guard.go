package inference

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Guard stops calling upstream for a cooldown period after maxFailures
// consecutive failures. A zero maxFailures never trips.
type Guard struct {
	mu            sync.Mutex
	maxFailures   int
	cooldown      time.Duration
	failures      int
	disabledUntil time.Time
	now           func() time.Time
}

func NewGuard(maxFailures int, cooldown time.Duration) *Guard {
	return &Guard{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

func (g *Guard) Allow() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabledUntil.IsZero() {
		return true
	}
	return g.now().After(g.disabledUntil)
}

func (g *Guard) RecordFailure() {
	if g == nil || g.maxFailures <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= g.maxFailures {
		g.disabledUntil = g.now().Add(g.cooldown)
	}
}

func (g *Guard) RecordSuccess() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.disabledUntil = time.Time{}
}

func (g *Guard) DisabledUntil() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil
}

func (g *Guard) Failures() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// GuardedClient wraps a Client with a Guard.
type GuardedClient struct {
	Client Client
	Guard  *Guard
}

func (c GuardedClient) Complete(ctx context.Context, req Request) (Response, error) {
	if !c.Guard.Allow() {
		return Response{}, ErrGuardOpen
	}
	resp, err := c.Client.Complete(ctx, req)
	switch {
	case err == nil:
		c.Guard.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// the caller gave up; says nothing about upstream health
	default:
		c.Guard.RecordFailure()
	}
	return resp, err
}
