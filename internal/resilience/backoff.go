package resilience

import (
	"math"
	"time"
)

type BackoffConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
	}
}

// Backoff computes reconnection delays. It holds no attempt counter; the
// caller owns that.
type Backoff struct {
	cfg BackoffConfig
}

func NewBackoff(cfg BackoffConfig) Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Factor < 1 {
		cfg.Factor = 1
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return Backoff{cfg: cfg}
}

// NextDelay returns min(initial * factor^(attempt-1), max) for a 1-indexed attempt.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Factor, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.cfg.MaxDelay) {
		return b.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (b Backoff) ShouldRetry(attempt int) bool { return attempt < b.cfg.MaxAttempts }

func (b Backoff) MaxAttempts() int { return b.cfg.MaxAttempts }
