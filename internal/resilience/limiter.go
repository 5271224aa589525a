package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type LimiterConfig struct {
	MaxTokens       int
	RefillPerSecond float64
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{MaxTokens: 100, RefillPerSecond: 100.0 / 60.0}
}

// Limiter is a token bucket refilled lazily from elapsed time on every
// check; there is no background timer.
type Limiter struct {
	cfg LimiterConfig
	now func() time.Time

	mu  sync.Mutex
	lim *rate.Limiter
}

func NewLimiter(cfg LimiterConfig, now func() time.Time) *Limiter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100
	}
	// rate.Limit(0) spends burst instead of tokens, so a bucket must refill.
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = DefaultLimiterConfig().RefillPerSecond
	}
	if now == nil {
		now = time.Now
	}
	l := &Limiter{cfg: cfg, now: now, lim: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.MaxTokens)}
	// Pin the bucket's reference time to the injected clock, full.
	l.lim.SetBurstAt(now(), cfg.MaxTokens)
	return l
}

// TryConsume takes one token if available.
func (l *Limiter) TryConsume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim.AllowN(l.now(), 1)
}

// Tokens returns the currently available tokens, in [0, MaxTokens].
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	t := l.lim.TokensAt(l.now())
	l.mu.Unlock()
	if t < 0 {
		return 0
	}
	if m := float64(l.cfg.MaxTokens); t > m {
		return m
	}
	return t
}

func (l *Limiter) MaxTokens() int { return l.cfg.MaxTokens }
