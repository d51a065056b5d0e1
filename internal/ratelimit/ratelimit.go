// Package ratelimit implements the per-agent token bucket (spec C3) that
// guards submit() against a single agent flooding the broker.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the maximum number of tokens a bucket can hold.
	DefaultCapacity = 100
	// DefaultRefillPerSecond is the steady-state refill rate.
	DefaultRefillPerSecond = 10
	// waitPollInterval bounds how often Wait re-polls Allow.
	waitPollInterval = 10 * time.Millisecond
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks one token bucket per agent. Zero value is not usable;
// construct with New.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	refill   float64 // tokens per second
	now      func() time.Time
}

// New creates a Limiter with the given capacity and per-second refill rate.
func New(capacity, refillPerSecond int) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(capacity),
		refill:   float64(refillPerSecond),
		now:      time.Now,
	}
}

// Allow attempts to withdraw cost tokens from agent's bucket, returning
// true if the withdrawal succeeded. Non-blocking.
func (l *Limiter) Allow(agent string, cost int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[agent]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[agent] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * l.refill
			if b.tokens > l.capacity {
				b.tokens = l.capacity
			}
			b.lastRefill = now
		}
	}

	c := float64(cost)
	if b.tokens < c {
		return false
	}
	b.tokens -= c
	return true
}

// Wait blocks until agent can withdraw cost tokens, the caller's context is
// done, or timeout elapses, whichever comes first. It polls Allow on a
// ≤10ms ticker rather than waiting for the whole refill in one sleep, so a
// token freed by another agent's bucket reset is picked up promptly. It
// returns true if the withdrawal succeeded.
func (l *Limiter) Wait(ctx context.Context, agent string, cost int, timeout time.Duration) bool {
	if l.Allow(agent, cost) {
		return true
	}

	deadline := l.now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.Allow(agent, cost) {
				return true
			}
			if !l.now().Before(deadline) {
				return false
			}
		}
	}
}

// SetLimits updates the bucket capacity and refill rate applied to every
// subsequent Allow/Wait call, for hot-reloading config without restarting
// the daemon. Existing buckets keep their current token count, which is
// simply reclamped to the new capacity the next time they're touched.
func (l *Limiter) SetLimits(capacity, refillPerSecond int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capacity = float64(capacity)
	l.refill = float64(refillPerSecond)
}

// Remaining reports the current token count for agent, for diagnostics.
func (l *Limiter) Remaining(agent string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[agent]
	if !ok {
		return l.capacity
	}
	elapsed := l.now().Sub(b.lastRefill).Seconds()
	tokens := b.tokens + elapsed*l.refill
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return tokens
}

// Reset clears all bucket state, used in tests and on maintenance restarts.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}
