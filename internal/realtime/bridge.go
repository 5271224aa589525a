package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuzu/relay/internal/protocol"
	"yuzu/relay/internal/resilience"
	"yuzu/relay/internal/upstream"
)

type bridgeState int

const (
	stateDisconnected bridgeState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateClosed
)

func (s bridgeState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type BridgeOptions struct {
	Instructions    string
	Voice           string
	Temperature     float64
	TranscribeModel string
	ConnectTimeout  time.Duration

	Breaker   resilience.BreakerConfig
	Limiter   resilience.LimiterConfig
	Backoff   resilience.BackoffConfig
	Heartbeat resilience.HeartbeatConfig
}

// Bridge relays one client to one realtime websocket and keeps that
// websocket alive with a breaker, backoff reconnects and a heartbeat.
type Bridge struct {
	base
	opts   BridgeOptions
	dialer StreamDialer

	breaker *resilience.Breaker
	limiter *resilience.Limiter
	backoff resilience.Backoff

	mu           sync.Mutex
	state        bridgeState
	conn         StreamConn
	stopRead     context.CancelFunc
	heartbeat    *resilience.Heartbeat
	attempts     int
	reconnect    *time.Timer
	lastActivity time.Time
	upstreamID   string
	closed       bool
}

func newBridge(opts BridgeOptions, dialer StreamDialer, client ClientConn, h hooks, now func() time.Time, logger *zap.Logger) *Bridge {
	id := uuid.NewString()
	b := &Bridge{
		base:    newBase(id, client, h, now, logger),
		opts:    opts,
		dialer:  dialer,
		backoff: resilience.NewBackoff(opts.Backoff),
	}
	b.logger = b.logger.With(zap.String("session_id", id), zap.String("kind", "streaming"))
	if b.opts.ConnectTimeout <= 0 {
		b.opts.ConnectTimeout = 10 * time.Second
	}
	b.breaker = resilience.NewBreaker(opts.Breaker, b.now)
	b.breaker.OnOpen = func() { metricCircuitOpens.Inc() }
	b.limiter = resilience.NewLimiter(opts.Limiter, b.now)
	b.lastActivity = b.now()
	return b
}

// NewBridge builds a standalone streaming session. Terminal failures clean
// the session up directly.
func NewBridge(opts BridgeOptions, dialer StreamDialer, client ClientConn, now func() time.Time, logger *zap.Logger) *Bridge {
	return newBridge(opts, dialer, client, hooks{}, now, logger)
}

// Connect gates the attempt through the breaker and limiter, then dials
// with a bounded timeout.
func (b *Bridge) Connect(ctx context.Context) bool {
	if !b.breaker.Allow() {
		b.logger.Warn("circuit open, refusing connect")
		b.emit(protocol.Error(protocol.ErrMsgUnavailable))
		return false
	}
	if !b.limiter.TryConsume() {
		metricRateLimited.Inc()
		b.emit(protocol.Error(protocol.ErrMsgRateLimited))
		return false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.state = stateConnecting
	b.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	conn, err := b.dialer.Dial(dctx)
	cancel()
	if err != nil {
		b.breaker.Failure()
		b.setState(stateDisconnected)
		b.logger.Warn("upstream connect failed", zap.Error(err), zap.Int("failures", b.breaker.Failures()))
		return false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return false
	}
	instructions, voice, temp := b.opts.Instructions, b.opts.Voice, b.opts.Temperature
	b.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	err = conn.Send(sctx, protocol.InitialSession(instructions, voice, b.opts.TranscribeModel, temp))
	cancel()
	if err != nil {
		b.breaker.Failure()
		b.setState(stateDisconnected)
		_ = conn.Close()
		b.logger.Warn("initial session configuration failed", zap.Error(err))
		return false
	}

	b.breaker.Success()
	readCtx, stopRead := context.WithCancel(context.Background())
	hb := resilience.NewHeartbeat(b.opts.Heartbeat, b, b.now)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		stopRead()
		_ = conn.Close()
		return false
	}
	b.attempts = 0
	b.conn = conn
	b.stopRead = stopRead
	b.heartbeat = hb
	b.state = stateConnected
	b.lastActivity = b.now()
	b.mu.Unlock()

	hb.Start()
	go b.readLoop(readCtx, conn)
	b.logger.Info("upstream connected")
	return true
}

func (b *Bridge) setState(s bridgeState) {
	b.mu.Lock()
	if !b.closed {
		b.state = s
	}
	b.mu.Unlock()
}

func (b *Bridge) readLoop(ctx context.Context, conn StreamConn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			b.upstreamClosed(conn, err)
			return
		}
		b.markActive()
		ev, err := protocol.DecodeUpstreamEvent(data)
		if err != nil {
			metricUpstreamEvents.WithLabelValues("error").Inc()
			b.logger.Warn("undecodable upstream event", zap.Error(err))
			continue
		}
		b.handleUpstreamEvent(ev)
	}
}

func (b *Bridge) upstreamClosed(conn StreamConn, err error) {
	b.mu.Lock()
	if b.closed || b.conn != conn {
		b.mu.Unlock()
		return
	}
	hb, stopRead := b.heartbeat, b.stopRead
	b.conn, b.heartbeat, b.stopRead = nil, nil, nil
	b.state = stateDisconnected
	b.mu.Unlock()

	hb.Stop()
	stopRead()
	_ = conn.Close()

	if errors.Is(err, upstream.ErrNormalClosure) {
		b.logger.Info("upstream closed normally")
		b.selfTerminate()
		return
	}
	b.breaker.Failure()
	b.logger.Warn("upstream connection lost", zap.Error(err))
	b.scheduleReconnect()
}

func (b *Bridge) scheduleReconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if !b.backoff.ShouldRetry(b.attempts) {
		attempts := b.attempts
		b.state = stateDisconnected
		b.mu.Unlock()
		metricReconnects.WithLabelValues("exhausted").Inc()
		b.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempts))
		b.emit(protocol.Error(protocol.ErrMsgConnectionLost))
		b.selfTerminate()
		return
	}
	b.attempts++
	delay := b.backoff.NextDelay(b.attempts)
	b.state = stateReconnecting
	b.reconnect = time.AfterFunc(delay, b.tryReconnect)
	attempt := b.attempts
	b.mu.Unlock()
	b.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (b *Bridge) tryReconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.reconnect = nil
	b.mu.Unlock()

	if b.Connect(context.Background()) {
		metricReconnects.WithLabelValues("ok").Inc()
		return
	}
	metricReconnects.WithLabelValues("failed").Inc()
	b.scheduleReconnect()
}

func (b *Bridge) selfTerminate() {
	if b.hooks.terminate != nil {
		b.terminate()
		return
	}
	b.Cleanup()
}

func (b *Bridge) markActive() {
	b.mu.Lock()
	b.lastActivity = b.now()
	b.mu.Unlock()
	b.touch()
}

func (b *Bridge) handleUpstreamEvent(ev protocol.UpstreamEvent) {
	outcome := "forwarded"
	switch e := ev.(type) {
	case protocol.UpstreamSession:
		b.mu.Lock()
		if e.SessionID != "" {
			b.upstreamID = e.SessionID
		}
		b.mu.Unlock()
		if e.Updated {
			b.emit(protocol.SessionUpdated(e.SessionID, e.Voice, e.Modalities))
		} else {
			b.emit(protocol.SessionReady(e.SessionID, e.Voice, e.Modalities, false))
		}
	case protocol.UpstreamSpeechStarted:
		b.emit(protocol.SpeechStarted(e.ItemID, e.AudioStartMs))
	case protocol.UpstreamSpeechStopped:
		b.emit(protocol.SpeechStopped(e.ItemID, e.AudioEndMs))
	case protocol.UpstreamItemCreated:
		b.emit(protocol.ItemCreated(e.ItemID, e.Role))
	case protocol.UpstreamTranscription:
		b.emit(protocol.Transcription(e.ItemID, e.Transcript))
	case protocol.UpstreamResponseCreated:
		b.emit(protocol.ResponseCreated(e.ResponseID))
	case protocol.UpstreamTextDelta:
		b.emit(protocol.TextDelta(e.ResponseID, e.Delta))
	case protocol.UpstreamTextDone:
		b.emit(protocol.TextDone(e.ResponseID, e.Text))
	case protocol.UpstreamAudioDelta:
		b.emit(protocol.AudioDelta(e.ResponseID, e.Delta))
	case protocol.UpstreamAudioDone:
		b.emit(protocol.AudioDone(e.ResponseID))
	case protocol.UpstreamResponseDone:
		if e.Usage != nil {
			metricTokensUsed.Add(float64(e.Usage.TotalTokens))
		}
		b.emit(protocol.ResponseComplete(e.ResponseID, e.Status, e.Usage))
	case protocol.UpstreamRateLimits:
		outcome = "dropped"
		b.logger.Debug("upstream rate limits", zap.ByteString("rate_limits", e.Raw))
	case protocol.UpstreamError:
		outcome = "error"
		b.logger.Warn("upstream error event", zap.String("code", e.Code), zap.String("message", e.Message))
		b.emit(protocol.Error(e.Message))
	case protocol.UpstreamAck:
		outcome = "dropped"
		b.logger.Debug("upstream ack", zap.String("type", e.Type))
	case protocol.UnknownUpstreamEvent:
		outcome = "passthrough"
		b.emit(protocol.Passthrough(e.Raw))
	}
	metricUpstreamEvents.WithLabelValues(outcome).Inc()
}

// HandleClientEvent translates one client event into upstream frames.
func (b *Bridge) HandleClientEvent(ctx context.Context, ev protocol.ClientEvent) {
	b.markActive()
	switch e := ev.(type) {
	case protocol.AudioAppend:
		if !b.Connected() {
			b.emit(protocol.Error(protocol.ErrMsgNotConnected))
			return
		}
		if !b.limiter.TryConsume() {
			metricRateLimited.Inc()
			b.emit(protocol.Error(protocol.ErrMsgRateLimited))
			return
		}
		b.send(ctx, protocol.AppendAudio(e.Audio))
	case protocol.TextMessage:
		if b.send(ctx, protocol.UserText("user", e.Text)) {
			b.send(ctx, protocol.CreateResponse())
		}
	case protocol.AudioCommit:
		b.send(ctx, protocol.CommitAudio())
	case protocol.AudioClear:
		b.send(ctx, protocol.ClearAudio())
	case protocol.CancelResponse:
		b.send(ctx, protocol.CancelInFlight())
	case protocol.SessionUpdate:
		b.mu.Lock()
		if e.Instructions != nil {
			b.opts.Instructions = *e.Instructions
		}
		if e.Voice != "" {
			b.opts.Voice = e.Voice
		}
		if e.Temperature != nil {
			b.opts.Temperature = *e.Temperature
		}
		b.mu.Unlock()
		b.send(ctx, protocol.PartialSession(e))
	case protocol.ConversationItemCreate:
		b.send(ctx, protocol.UserText(e.Role, e.Text))
	case protocol.ResponseCreate:
		b.send(ctx, protocol.CreateResponse())
	case protocol.UnknownClientEvent:
		b.logger.Debug("ignoring unknown client event", zap.String("type", e.Type))
	}
}

// send forwards one frame; a missing connection is reported to the client.
func (b *Bridge) send(ctx context.Context, msg protocol.Outgoing) bool {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		b.emit(protocol.Error(protocol.ErrMsgNotConnected))
		return false
	}
	if err := conn.Send(ctx, msg); err != nil {
		b.logger.Warn("upstream send failed", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return true
}

// LastActivity, Connected, Ping and Stale make the bridge a heartbeat target.
func (b *Bridge) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateConnected && b.conn != nil
}

func (b *Bridge) Ping() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		b.logger.Debug("upstream ping failed", zap.Error(err))
	}
}

func (b *Bridge) Stale() {
	b.logger.Warn("upstream stale, terminating session")
	b.emit(protocol.Error(protocol.ErrMsgConnectionLost))
	b.selfTerminate()
}

func (b *Bridge) Info() SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return SessionInfo{
		SessionID:         b.id,
		UpstreamSessionID: b.upstreamID,
		State:             b.state.String(),
		Connected:         b.state == stateConnected && b.conn != nil,
		BreakerState:      b.breaker.State().String(),
		ReconnectAttempts: b.attempts,
		RateLimitTokens:   b.limiter.Tokens(),
	}
}

// Cleanup is idempotent. It stops any pending reconnect and the heartbeat,
// closes the upstream connection and closes the client.
func (b *Bridge) Cleanup() {
	if c := b.shutdown(); c != nil {
		_ = c.Close()
	}
}

// discard tears down upstream resources but leaves the client open, for a
// bridge whose first connect failed and is being replaced.
func (b *Bridge) discard() { b.shutdown() }

func (b *Bridge) shutdown() ClientConn {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.state = stateClosed
	timer, hb, stopRead, conn := b.reconnect, b.heartbeat, b.stopRead, b.conn
	b.reconnect, b.heartbeat, b.stopRead, b.conn = nil, nil, nil, nil
	b.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	if stopRead != nil {
		stopRead()
	}
	if conn != nil {
		_ = conn.Close()
	}
	b.logger.Debug("bridge cleaned up")
	return b.release()
}
