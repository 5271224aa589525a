package resilience

import (
	"sync"
	"time"
)

type HeartbeatConfig struct {
	Interval   time.Duration
	PingAfter  time.Duration
	StaleAfter time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:   15 * time.Second,
		PingAfter:  30 * time.Second,
		StaleAfter: 5 * time.Minute,
	}
}

// HeartbeatTarget is the connection a Heartbeat watches.
type HeartbeatTarget interface {
	LastActivity() time.Time
	Connected() bool
	Ping()
	Stale()
}

type HeartbeatAction int

const (
	HeartbeatIdle HeartbeatAction = iota
	HeartbeatPinged
	HeartbeatStale
)

// Heartbeat pings quiet connections and reports dead ones. Silent upstream
// sockets never deliver a close frame, so idleness is the only signal.
type Heartbeat struct {
	cfg    HeartbeatConfig
	target HeartbeatTarget
	now    func() time.Time

	once sync.Once
	stop chan struct{}
}

func NewHeartbeat(cfg HeartbeatConfig, target HeartbeatTarget, now func() time.Time) *Heartbeat {
	def := DefaultHeartbeatConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PingAfter <= 0 {
		cfg.PingAfter = def.PingAfter
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Heartbeat{
		cfg:    cfg,
		target: target,
		now:    now,
		stop:   make(chan struct{}),
	}
}

// Start runs the watchdog until Stop is called or the target goes stale.
func (h *Heartbeat) Start() {
	go func() {
		t := time.NewTicker(h.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
				if h.Check(h.now()) == HeartbeatStale {
					return
				}
			}
		}
	}()
}

// Check evaluates one tick.
func (h *Heartbeat) Check(now time.Time) HeartbeatAction {
	idle := now.Sub(h.target.LastActivity())
	if idle > h.cfg.StaleAfter {
		h.target.Stale()
		return HeartbeatStale
	}
	if idle > h.cfg.PingAfter && h.target.Connected() {
		h.target.Ping()
		return HeartbeatPinged
	}
	return HeartbeatIdle
}

// Stop is idempotent and does not wait for an in-flight tick.
func (h *Heartbeat) Stop() {
	h.once.Do(func() { close(h.stop) })
}
