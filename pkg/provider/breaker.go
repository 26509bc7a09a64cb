package provider

import (
	"sync"
	"time"
)

// BreakerState is one of the three states spec §4.3 describes.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes one breaker instance.
type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 1
	}
	return c
}

// Breaker is a three-state circuit breaker guarding one provider, per spec
// §4.3: CLOSED -> OPEN after FailureThreshold consecutive failures; OPEN ->
// HALF-OPEN after ResetTimeout; HALF-OPEN allows at most HalfOpenMaxAttempts
// probes, a success closes it, a failure re-opens it for another
// ResetTimeout.
type Breaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
	halfOpenInFlight int
	clock           func() time.Time
}

// NewBreaker builds a Breaker in the CLOSED state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed, clock: time.Now}
}

// Allow reports whether a request attempt should proceed, transitioning
// OPEN -> HALF-OPEN when ResetTimeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenInFlight++
		return true
	case Open:
		if b.clock().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.halfOpenInFlight = 1
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFail = 0
	b.halfOpenInFlight = 0
}

// RecordFailure increments the failure counter and opens the breaker when
// the threshold is reached, or immediately re-opens a HALF-OPEN breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.clock()
		b.halfOpenInFlight = 0
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = b.clock()
	}
}

// State returns the current state (for metrics export).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count (for tests and
// the boundary behavior spec §8 describes: "a provider returning 429 ...
// increments the circuit breaker's failure counter by one").
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFail
}
