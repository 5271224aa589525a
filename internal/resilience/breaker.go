// Package resilience holds the per-session building blocks that keep an
// upstream bridge from hammering a degraded service: a circuit breaker, a
// token bucket, an exponential backoff schedule and a heartbeat watchdog.
//
// None of the types share state between instances. A session owns its own
// breaker and limiter so one session's failures never throttle another.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	// Threshold is the number of failures that opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open after the last failure.
	Cooldown time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 3, Cooldown: 30 * time.Second}
}

// Breaker gates upstream connection attempts.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	// OnOpen, if set, runs (under the breaker lock) each time the circuit opens.
	OnOpen func()

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now, state: StateClosed}
}

// Allow reports whether an attempt may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and lets the probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		return true
	}
	return false
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.mu.Unlock()
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.cfg.Threshold && b.state != StateOpen {
		b.state = StateOpen
		if b.OnOpen != nil {
			b.OnOpen()
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
