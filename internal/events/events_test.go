package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLog_AppendAndList(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewMemoryLog(10, func() time.Time { return at })
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, "u1", "session_created", map[string]any{"client_id": "c1"}))
	require.NoError(t, log.Append(ctx, "u2", "quota_exceeded", nil))

	evs, err := log.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "session_created", evs[0].Type)
	assert.Equal(t, "u1", evs[0].UserID)
	assert.Equal(t, at, evs[0].Timestamp)
	assert.Equal(t, "c1", evs[0].Payload["client_id"])
	assert.NotEmpty(t, evs[0].ID)

	// Callers get a copy.
	evs[0].Type = "mutated"
	again, _ := log.List(ctx, "u1")
	assert.Equal(t, "session_created", again[0].Type)

	none, err := log.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryLog_TruncatesWithMarker(t *testing.T) {
	log := NewMemoryLog(5, nil)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, log.Append(ctx, "u1", fmt.Sprintf("e%d", i), nil))
	}

	evs, _ := log.List(ctx, "u1")
	require.Len(t, evs, 5)
	last := evs[len(evs)-1]
	assert.Equal(t, TypeTruncated, last.Type)
	assert.Equal(t, 4, last.Payload["kept"])
	// The newest real event survives just before the marker.
	assert.Equal(t, "e7", evs[3].Type)
}

func setupRedisLog(t *testing.T, limit int) (*miniredis.Miniredis, *RedisLog) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	log, err := NewRedisLog(context.Background(), RedisConfig{Addr: mr.Addr(), MaxPerUser: limit, TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return mr, log
}

func TestRedisLog_AppendAndList(t *testing.T) {
	mr, log := setupRedisLog(t, 10)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, "u1", "session_created", map[string]any{"client_id": "c1"}))
	require.NoError(t, log.Append(ctx, "u1", "session_destroyed", map[string]any{"reason": "closed"}))

	evs, err := log.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "session_created", evs[0].Type)
	assert.Equal(t, "closed", evs[1].Payload["reason"])
	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+"u1"))
	assert.NoError(t, log.Ping(ctx))
}

func TestRedisLog_Capped(t *testing.T) {
	_, log := setupRedisLog(t, 3)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, log.Append(ctx, "u1", fmt.Sprintf("e%d", i), nil))
	}

	evs, err := log.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, []string{"e4", "e5", "e6"}, []string{evs[0].Type, evs[1].Type, evs[2].Type})
}

func TestRedisLog_SkipsGarbage(t *testing.T) {
	mr, log := setupRedisLog(t, 10)
	ctx := context.Background()
	_, err := mr.RPush(keyPrefix+"u1", "not json")
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, "u1", "session_created", nil))

	evs, err := log.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "session_created", evs[0].Type)
}

func TestNewRedisLog_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisLog(context.Background(), RedisConfig{Addr: addr}, nil)
	assert.Error(t, err)
}
