package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "relay:events:"

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	MaxPerUser int
	// TTL expires a user's log after this much inactivity; zero keeps it.
	TTL time.Duration
}

// RedisLog stores each user's log as a capped Redis list so several relay
// instances share one view.
type RedisLog struct {
	client *redis.Client
	max    int
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisLog connects and pings the server.
func NewRedisLog(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect event redis: %w", err)
	}
	if cfg.MaxPerUser < 2 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLog{
		client: client,
		max:    cfg.MaxPerUser,
		ttl:    cfg.TTL,
		now:    time.Now,
		logger: logger.With(zap.String("component", "event_log")),
	}, nil
}

func userKey(userID string) string { return keyPrefix + userID }

func (s *RedisLog) Append(ctx context.Context, userID, typ string, payload map[string]any) error {
	data, err := json.Marshal(newEvent(userID, typ, payload, s.now()))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := userKey(userID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.max), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisLog) List(ctx context.Context, userID string) ([]Event, error) {
	raw, err := s.client.LRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var evt Event
		if err := json.Unmarshal([]byte(r), &evt); err != nil {
			s.logger.Warn("skipping undecodable event", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *RedisLog) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisLog) Close() error { return s.client.Close() }
