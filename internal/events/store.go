// Package events keeps a per-user log of session lifecycle events.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPerUser caps each user's log.
const DefaultMaxPerUser = 200

// TypeTruncated marks a log that dropped older entries.
const TypeTruncated = "events_truncated"

type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log is an append-only, capped event log keyed by user.
type Log interface {
	Append(ctx context.Context, userID, typ string, payload map[string]any) error
	List(ctx context.Context, userID string) ([]Event, error)
}

func newEvent(userID, typ string, payload map[string]any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Timestamp: now.UTC(),
		Payload:   payload,
	}
}

// MemoryLog is the in-process Log.
type MemoryLog struct {
	max int
	now func() time.Time

	mu     sync.RWMutex
	byUser map[string][]Event
}

func NewMemoryLog(maxPerUser int, now func() time.Time) *MemoryLog {
	if maxPerUser < 2 {
		maxPerUser = DefaultMaxPerUser
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLog{max: maxPerUser, now: now, byUser: make(map[string][]Event)}
}

func (s *MemoryLog) Append(_ context.Context, userID, typ string, payload map[string]any) error {
	now := s.now()
	evt := newEvent(userID, typ, payload, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := append(s.byUser[userID], evt)
	if l := len(evs); l > s.max {
		// Keep room for one truncation marker so the total stays at max.
		keep := s.max - 1
		evs = append([]Event(nil), evs[l-keep:]...)
		evs = append(evs, newEvent(userID, TypeTruncated, map[string]any{"dropped": l - keep, "kept": keep}, now))
	}
	s.byUser[userID] = evs
	return nil
}

func (s *MemoryLog) List(_ context.Context, userID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byUser[userID]
	out := make([]Event, len(src))
	copy(out, src)
	return out, nil
}
