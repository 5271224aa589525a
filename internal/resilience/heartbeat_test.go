package resilience

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTarget struct {
	last      time.Time
	connected bool
	pings     atomic.Int32
	stales    atomic.Int32
}

func (f *fakeTarget) LastActivity() time.Time { return f.last }
func (f *fakeTarget) Connected() bool         { return f.connected }
func (f *fakeTarget) Ping()                   { f.pings.Add(1) }
func (f *fakeTarget) Stale()                  { f.stales.Add(1) }

func TestHeartbeat_Check(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := HeartbeatConfig{Interval: 15 * time.Second, PingAfter: 30 * time.Second, StaleAfter: 300 * time.Second}

	tests := []struct {
		name      string
		idle      time.Duration
		connected bool
		want      HeartbeatAction
	}{
		{"recent activity", 10 * time.Second, true, HeartbeatIdle},
		{"quiet connected", 31 * time.Second, true, HeartbeatPinged},
		{"quiet disconnected", 31 * time.Second, false, HeartbeatIdle},
		{"at stale boundary", 300 * time.Second, true, HeartbeatPinged},
		{"stale", 301 * time.Second, true, HeartbeatStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &fakeTarget{last: now.Add(-tt.idle), connected: tt.connected}
			h := NewHeartbeat(cfg, target, func() time.Time { return now })
			assert.Equal(t, tt.want, h.Check(now))
		})
	}
}

func TestHeartbeat_StartStop(t *testing.T) {
	target := &fakeTarget{last: time.Now().Add(-time.Hour), connected: true}
	h := NewHeartbeat(HeartbeatConfig{Interval: 5 * time.Millisecond, PingAfter: time.Second, StaleAfter: time.Minute}, target, nil)
	h.Start()

	assert.Eventually(t, func() bool { return target.stales.Load() == 1 }, time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), target.stales.Load())
}
