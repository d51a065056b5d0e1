// Package breaker implements the per-operation circuit breaker (spec C4)
// that shields the store from pile-ups of repeated failing operations.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that trips the breaker.
	DefaultFailureThreshold = 5
	// DefaultOpenDuration is the minimum time the breaker stays open before probing.
	DefaultOpenDuration = 60 * time.Second
)

type circuit struct {
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenProbing  bool
}

// Breaker tracks one circuit per named operation (e.g. "store.write",
// "broker.submit"). Zero value is not usable; construct with New.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// New creates a Breaker with the given trip threshold and open duration.
func New(threshold int, openFor time.Duration) *Breaker {
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

func (b *Breaker) circuitFor(op string) *circuit {
	c, ok := b.circuits[op]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[op] = c
	}
	return c
}

// Allow reports whether a call to op may proceed right now, transitioning
// an open circuit to half-open once openFor has elapsed.
func (b *Breaker) Allow(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(op)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.openFor {
			c.state = StateHalfOpen
			c.halfOpenProbing = false
			return b.tryStartProbe(c)
		}
		return false
	case StateHalfOpen:
		return b.tryStartProbe(c)
	}
	return false
}

// tryStartProbe admits exactly one caller as the half-open probe; concurrent
// callers are rejected until the probe resolves via Success/Failure.
func (b *Breaker) tryStartProbe(c *circuit) bool {
	if c.halfOpenProbing {
		return false
	}
	c.halfOpenProbing = true
	return true
}

// Success records a successful call, closing the circuit.
func (b *Breaker) Success(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(op)
	c.state = StateClosed
	c.consecutiveFails = 0
	c.halfOpenProbing = false
}

// Failure records a failed call. In the closed state this accumulates
// toward the trip threshold; in half-open it immediately reopens the
// circuit for another full openFor interval.
func (b *Breaker) Failure(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(op)

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		c.halfOpenProbing = false
		c.consecutiveFails = b.threshold
	default:
		c.consecutiveFails++
		if c.consecutiveFails >= b.threshold {
			c.state = StateOpen
			c.openedAt = b.now()
		}
	}
}

// SetThresholds updates the trip threshold and open duration applied to
// every circuit from this point on, for hot-reloading config without
// restarting the daemon. A circuit already open keeps its recorded
// openedAt and is measured against the new openFor on its next Allow call.
func (b *Breaker) SetThresholds(threshold int, openFor time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threshold = threshold
	b.openFor = openFor
}

// State returns the current state of op's circuit, defaulting to closed
// for an operation that has never recorded a call.
func (b *Breaker) State(op string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(op)
	return c.state
}

// Reset clears all circuits to closed, used in tests and on maintenance restarts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits = make(map[string]*circuit)
}
