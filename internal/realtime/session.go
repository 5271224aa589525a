// Package realtime owns per-client proxy sessions. A session either bridges
// the client to the upstream realtime websocket or, when that transport is
// unavailable, drives a request/response pipeline that emits the same client
// events. The Manager creates, tracks and reaps sessions.
package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"yuzu/relay/internal/protocol"
	"yuzu/relay/internal/upstream"
)

// StreamConn is an established realtime connection. Read returns
// upstream.ErrNormalClosure when the peer closed cleanly.
type StreamConn interface {
	Send(ctx context.Context, v any) error
	Read(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

type StreamDialer interface {
	Dial(ctx context.Context) (StreamConn, error)
}

// DialFunc adapts a function to StreamDialer.
type DialFunc func(ctx context.Context) (StreamConn, error)

func (f DialFunc) Dial(ctx context.Context) (StreamConn, error) { return f(ctx) }

// PipelineAPI is the request/response surface used by fallback sessions.
type PipelineAPI interface {
	Probe(ctx context.Context) error
	ChatCompletion(ctx context.Context, msgs []upstream.ChatMessage, temperature float64) (string, error)
	Speech(ctx context.Context, voice, text string) ([]byte, error)
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// ClientConn is the browser side of a session.
type ClientConn interface {
	Send(ctx context.Context, ev protocol.ServerEvent) error
	Close() error
}

// Session is implemented by Bridge and Fallback.
type Session interface {
	ID() string
	Connect(ctx context.Context) bool
	HandleClientEvent(ctx context.Context, ev protocol.ClientEvent)
	Info() SessionInfo
	Cleanup()

	emit(ev protocol.ServerEvent)
	discard()
}

// SessionInfo is a read-only snapshot of one session.
type SessionInfo struct {
	SessionID         string  `json:"session_id"`
	UpstreamSessionID string  `json:"upstream_session_id,omitempty"`
	State             string  `json:"state"`
	Connected         bool    `json:"connected"`
	UsingFallback     bool    `json:"using_fallback"`
	BreakerState      string  `json:"circuit_breaker_state,omitempty"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
	RateLimitTokens   float64 `json:"rate_limit_tokens"`
	HistoryLength     int     `json:"history_length,omitempty"`
	BufferedAudio     int     `json:"buffered_audio_bytes,omitempty"`
}

const clientSendTimeout = 5 * time.Second

// hooks connect a session back to its owner without exposing the Manager.
type hooks struct {
	activity  func()
	terminate func()
}

// base is the client-facing half shared by both session kinds.
type base struct {
	id     string
	now    func() time.Time
	logger *zap.Logger
	hooks  hooks

	cmu    sync.Mutex
	client ClientConn
}

func newBase(id string, client ClientConn, h hooks, now func() time.Time, logger *zap.Logger) base {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{id: id, now: now, logger: logger, hooks: h, client: client}
}

func (s *base) ID() string { return s.id }

func (s *base) touch() {
	if s.hooks.activity != nil {
		s.hooks.activity()
	}
}

// emit stamps and sends one event. Events after release are dropped.
func (s *base) emit(ev protocol.ServerEvent) {
	s.cmu.Lock()
	c := s.client
	s.cmu.Unlock()
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientSendTimeout)
	defer cancel()
	if err := c.Send(ctx, ev.Stamp(s.now())); err != nil {
		s.logger.Debug("client send failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	s.touch()
}

// release drops the client reference and returns it.
func (s *base) release() ClientConn {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	c := s.client
	s.client = nil
	return c
}

// terminate asks the owner to destroy this session.
func (s *base) terminate() {
	if s.hooks.terminate != nil {
		s.hooks.terminate()
	}
}
