package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yuzu/relay/internal/personality"
	"yuzu/relay/internal/protocol"
	"yuzu/relay/internal/resilience"
)

var (
	// ErrQuotaExceeded is logged when a user is at the concurrent session limit.
	ErrQuotaExceeded = errors.New("per-user session quota exceeded")

	errManagerClosed   = errors.New("session manager shut down")
	errDuplicateClient = errors.New("client already has a session")
)

// EventLog receives session lifecycle events.
type EventLog interface {
	Append(ctx context.Context, userID, typ string, payload map[string]any) error
}

type Options struct {
	MaxSessionsPerUser  int
	StaleAfter          time.Duration
	ReapInterval        time.Duration
	ConnectTimeout      time.Duration
	DefaultVoice        string
	Temperature         float64
	TranscribeModel     string
	HistoryWindow       int
	MaxAudioBufferBytes int

	Breaker   resilience.BreakerConfig
	Limiter   resilience.LimiterConfig
	Backoff   resilience.BackoffConfig
	Heartbeat resilience.HeartbeatConfig
}

func DefaultOptions() Options {
	return Options{
		MaxSessionsPerUser:  3,
		StaleAfter:          10 * time.Minute,
		ReapInterval:        time.Minute,
		ConnectTimeout:      10 * time.Second,
		DefaultVoice:        "alloy",
		Temperature:         0.8,
		TranscribeModel:     "whisper-1",
		HistoryWindow:       40,
		MaxAudioBufferBytes: 10 << 20,
		Breaker:             resilience.DefaultBreakerConfig(),
		Limiter:             resilience.DefaultLimiterConfig(),
		Backoff:             resilience.DefaultBackoffConfig(),
		Heartbeat:           resilience.DefaultHeartbeatConfig(),
	}
}

// Params are supplied by the client when it connects.
type Params struct {
	UserID         string
	ConversationID string
	Voice          string
	CompanionName  string
	Traits         personality.Traits
}

// Metrics is the aggregate view returned by GetMetrics.
type Metrics struct {
	TotalSessions          int64         `json:"total_sessions"`
	ActiveSessions         int64         `json:"active_sessions"`
	StreamingSessions      int64         `json:"streaming_sessions"`
	FallbackSessions       int64         `json:"fallback_sessions"`
	QuotaRejections        int64         `json:"quota_rejections"`
	ConnectFailures        int64         `json:"connect_failures"`
	AverageSessionDuration time.Duration `json:"average_session_duration_ns"`
}

// ManagedSession describes one live session as the Manager sees it.
type ManagedSession struct {
	ClientID       string      `json:"client_id"`
	UserID         string      `json:"user_id"`
	ConversationID string      `json:"conversation_id"`
	StartedAt      time.Time   `json:"started_at"`
	LastActivity   time.Time   `json:"last_activity"`
	UsingFallback  bool        `json:"using_fallback"`
	Session        SessionInfo `json:"session"`
}

type entry struct {
	clientID       string
	userID         string
	conversationID string
	startedAt      time.Time
	usingFallback  bool
	session        Session
	lastActivity   atomic.Int64 // unix nanos
}

func (e *entry) touch(t time.Time) { e.lastActivity.Store(t.UnixNano()) }
func (e *entry) last() time.Time  { return time.Unix(0, e.lastActivity.Load()) }

// Manager owns every live session.
type Manager struct {
	opts   Options
	dialer StreamDialer
	api    PipelineAPI
	events EventLog
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	sessions  map[string]*entry
	byUser    map[string]map[string]struct{}
	pending   map[string]int
	// admitting holds client ids between reserve and registration; true
	// means the session asked to terminate before it was registered.
	admitting map[string]bool
	metrics   Metrics
	durations time.Duration
	destroyed int64
	closed    bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	reaperWG  sync.WaitGroup
}

// NewManager builds a Manager. events may be nil; now defaults to time.Now.
func NewManager(opts Options, dialer StreamDialer, api PipelineAPI, events EventLog, logger *zap.Logger, now func() time.Time) *Manager {
	def := DefaultOptions()
	if opts.MaxSessionsPerUser <= 0 {
		opts.MaxSessionsPerUser = def.MaxSessionsPerUser
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = def.ReapInterval
	}
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = def.DefaultVoice
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		opts:      opts,
		dialer:    dialer,
		api:       api,
		events:    events,
		logger:    logger.With(zap.String("component", "session_manager")),
		now:       now,
		sessions:  make(map[string]*entry),
		byUser:    make(map[string]map[string]struct{}),
		pending:   make(map[string]int),
		admitting: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start runs the stale-session reaper until Shutdown.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.reaperWG.Add(1)
		go func() {
			defer m.reaperWG.Done()
			t := time.NewTicker(m.opts.ReapInterval)
			defer t.Stop()
			for {
				select {
				case <-m.stop:
					return
				case <-t.C:
					if n := m.ReapStale(); n > 0 {
						m.logger.Info("reaped stale sessions", zap.Int("count", n))
					}
				}
			}
		}()
	})
}

// CreateSession admits a client: quota check, streaming attempt, fallback
// attempt. It reports whether a session is now live for clientID.
func (m *Manager) CreateSession(ctx context.Context, client ClientConn, clientID string, p Params) bool {
	logger := m.logger.With(zap.String("client_id", clientID), zap.String("user_id", p.UserID))
	notify := func(msg string) {
		sctx, cancel := context.WithTimeout(context.Background(), clientSendTimeout)
		defer cancel()
		_ = client.Send(sctx, protocol.Error(msg).Stamp(m.now()))
	}

	if p.UserID == "" || p.ConversationID == "" || clientID == "" {
		metricSessionRejects.WithLabelValues("invalid").Inc()
		logger.Warn("session params incomplete")
		notify(protocol.ErrMsgInvalidMessage)
		return false
	}

	if err := m.reserve(clientID, p.UserID); err != nil {
		reason := "shutdown"
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			reason = "quota"
			m.logEvent(p.UserID, "quota_exceeded", map[string]any{"client_id": clientID, "limit": m.opts.MaxSessionsPerUser})
			notify(protocol.ErrMsgQuotaExceeded)
		case errors.Is(err, errDuplicateClient):
			reason = "duplicate"
			notify(protocol.ErrMsgInvalidMessage)
		default:
			notify(protocol.ErrMsgUnavailable)
		}
		metricSessionRejects.WithLabelValues(reason).Inc()
		logger.Warn("session refused", zap.Error(err))
		return false
	}

	voice := p.Voice
	if voice == "" {
		voice = m.opts.DefaultVoice
	}
	instructions := personality.WithName(p.CompanionName, p.Traits)
	h := hooks{
		activity:  func() { m.UpdateSessionActivity(clientID) },
		terminate: func() { m.terminate(clientID) },
	}

	var sess Session
	bridge := newBridge(BridgeOptions{
		Instructions:    instructions,
		Voice:           voice,
		Temperature:     m.opts.Temperature,
		TranscribeModel: m.opts.TranscribeModel,
		ConnectTimeout:  m.opts.ConnectTimeout,
		Breaker:         m.opts.Breaker,
		Limiter:         m.opts.Limiter,
		Backoff:         m.opts.Backoff,
		Heartbeat:       m.opts.Heartbeat,
	}, m.dialer, client, h, m.now, logger)
	sess = bridge
	usingFallback := false
	if !bridge.Connect(ctx) {
		bridge.discard()
		logger.Info("streaming unavailable, trying fallback")
		fb := newFallback(FallbackOptions{
			Instructions:        instructions,
			Voice:               voice,
			Temperature:         m.opts.Temperature,
			ProbeTimeout:        m.opts.ConnectTimeout,
			HistoryWindow:       m.opts.HistoryWindow,
			MaxAudioBufferBytes: m.opts.MaxAudioBufferBytes,
			Limiter:             m.opts.Limiter,
		}, m.api, client, h, m.now, logger)
		if !fb.Connect(ctx) {
			fb.discard()
			m.unreserve(clientID, p.UserID)
			m.mu.Lock()
			m.metrics.ConnectFailures++
			m.mu.Unlock()
			metricSessionRejects.WithLabelValues("connect").Inc()
			m.logEvent(p.UserID, "connect_failed", map[string]any{"client_id": clientID})
			logger.Error("streaming and fallback both failed")
			notify(protocol.ErrMsgConnectFailed)
			return false
		}
		sess = fb
		usingFallback = true
	}

	e := &entry{
		clientID:       clientID,
		userID:         p.UserID,
		conversationID: p.ConversationID,
		startedAt:      m.now(),
		usingFallback:  usingFallback,
		session:        sess,
	}
	e.touch(e.startedAt)

	m.mu.Lock()
	terminated := m.admitting[clientID]
	m.release(clientID, p.UserID)
	if m.closed || terminated {
		closed := m.closed
		m.mu.Unlock()
		if closed {
			metricSessionRejects.WithLabelValues("shutdown").Inc()
		} else {
			metricSessionRejects.WithLabelValues("terminated").Inc()
			logger.Warn("session ended during connect", zap.String("session_id", sess.ID()))
			notify(protocol.ErrMsgConnectFailed)
		}
		sess.Cleanup()
		return false
	}
	m.sessions[clientID] = e
	if m.byUser[p.UserID] == nil {
		m.byUser[p.UserID] = make(map[string]struct{})
	}
	m.byUser[p.UserID][clientID] = struct{}{}
	m.metrics.TotalSessions++
	m.metrics.ActiveSessions++
	kind := "streaming"
	if usingFallback {
		kind = "fallback"
		m.metrics.FallbackSessions++
	} else {
		m.metrics.StreamingSessions++
	}
	m.mu.Unlock()

	gaugeSessions.WithLabelValues(kind).Inc()
	metricSessionsCreated.WithLabelValues(kind).Inc()
	m.logEvent(p.UserID, "session_created", map[string]any{
		"client_id":       clientID,
		"session_id":      sess.ID(),
		"conversation_id": p.ConversationID,
		"using_fallback":  usingFallback,
	})
	logger.Info("session created", zap.String("session_id", sess.ID()), zap.Bool("using_fallback", usingFallback))
	return true
}

// reserve claims a quota slot for the duration of the connect attempts so
// concurrent admissions for one user cannot overshoot the limit.
func (m *Manager) reserve(clientID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerClosed
	}
	if _, ok := m.sessions[clientID]; ok {
		return errDuplicateClient
	}
	if _, ok := m.admitting[clientID]; ok {
		return errDuplicateClient
	}
	if len(m.byUser[userID])+m.pending[userID] >= m.opts.MaxSessionsPerUser {
		m.metrics.QuotaRejections++
		return ErrQuotaExceeded
	}
	m.pending[userID]++
	m.admitting[clientID] = false
	return nil
}

func (m *Manager) unreserve(clientID, userID string) {
	m.mu.Lock()
	m.release(clientID, userID)
	m.mu.Unlock()
}

// release drops a reservation. Callers hold m.mu.
func (m *Manager) release(clientID, userID string) {
	delete(m.admitting, clientID)
	m.pending[userID]--
	if m.pending[userID] <= 0 {
		delete(m.pending, userID)
	}
}

// terminate handles a session ending itself. A session that is still being
// admitted is flagged and dropped by CreateSession instead of registered.
func (m *Manager) terminate(clientID string) {
	m.mu.Lock()
	if _, ok := m.admitting[clientID]; ok {
		m.admitting[clientID] = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.destroy(clientID, "terminated")
}

// DestroySession is idempotent.
func (m *Manager) DestroySession(clientID string) {
	m.destroy(clientID, "closed")
}

func (m *Manager) destroy(clientID, reason string) {
	m.mu.Lock()
	e, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, clientID)
	if set := m.byUser[e.userID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.byUser, e.userID)
		}
	}
	dur := m.now().Sub(e.startedAt)
	m.durations += dur
	m.destroyed++
	m.metrics.AverageSessionDuration = m.durations / time.Duration(m.destroyed)
	m.metrics.ActiveSessions--
	kind := "streaming"
	if e.usingFallback {
		kind = "fallback"
		m.metrics.FallbackSessions--
	} else {
		m.metrics.StreamingSessions--
	}
	m.mu.Unlock()

	e.session.Cleanup()

	gaugeSessions.WithLabelValues(kind).Dec()
	metricSessionDestroyed.WithLabelValues(reason).Inc()
	metricSessionDurationS.Observe(dur.Seconds())
	m.logEvent(e.userID, "session_destroyed", map[string]any{
		"client_id":  clientID,
		"session_id": e.session.ID(),
		"reason":     reason,
		"duration_s": dur.Seconds(),
	})
	m.logger.Info("session destroyed",
		zap.String("client_id", clientID),
		zap.String("user_id", e.userID),
		zap.String("reason", reason),
		zap.Duration("duration", dur))
}

// UpdateSessionActivity bumps lastActivity; unknown ids are ignored.
func (m *Manager) UpdateSessionActivity(clientID string) {
	m.mu.Lock()
	e := m.sessions[clientID]
	m.mu.Unlock()
	if e != nil {
		e.touch(m.now())
	}
}

// HandleClientMessage decodes one raw client frame and routes it to the
// client's session.
func (m *Manager) HandleClientMessage(ctx context.Context, clientID string, data []byte) {
	m.mu.Lock()
	e := m.sessions[clientID]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.touch(m.now())
	ev, err := protocol.DecodeClientEvent(data)
	if err != nil {
		m.logger.Debug("bad client frame", zap.String("client_id", clientID), zap.Error(err))
		e.session.emit(protocol.Error(protocol.ErrMsgInvalidMessage))
		return
	}
	e.session.HandleClientEvent(ctx, ev)
}

// ReapStale destroys every session idle for longer than StaleAfter and
// returns how many it removed.
func (m *Manager) ReapStale() int {
	now := m.now()
	var stale []string
	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.last()) > m.opts.StaleAfter {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.destroy(id, "stale")
	}
	return len(stale)
}

// Shutdown stops the reaper and destroys every live session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.reaperWG.Wait()

	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.destroy(id, "shutdown")
	}
	m.logger.Info("session manager stopped", zap.Int("destroyed", len(ids)))
}

func (m *Manager) GetSessionInfo(clientID string) (ManagedSession, bool) {
	m.mu.Lock()
	e := m.sessions[clientID]
	m.mu.Unlock()
	if e == nil {
		return ManagedSession{}, false
	}
	return e.describe(), true
}

func (m *Manager) GetUserSessions(userID string) []ManagedSession {
	m.mu.Lock()
	var entries []*entry
	for id := range m.byUser[userID] {
		entries = append(entries, m.sessions[id])
	}
	m.mu.Unlock()
	return describeAll(entries)
}

func (m *Manager) GetAllActiveSessions() []ManagedSession {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	return describeAll(entries)
}

func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (e *entry) describe() ManagedSession {
	return ManagedSession{
		ClientID:       e.clientID,
		UserID:         e.userID,
		ConversationID: e.conversationID,
		StartedAt:      e.startedAt,
		LastActivity:   e.last(),
		UsingFallback:  e.usingFallback,
		Session:        e.session.Info(),
	}
}

func describeAll(entries []*entry) []ManagedSession {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].startedAt.Equal(entries[j].startedAt) {
			return entries[i].clientID < entries[j].clientID
		}
		return entries[i].startedAt.Before(entries[j].startedAt)
	})
	out := make([]ManagedSession, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.describe())
	}
	return out
}

func (m *Manager) logEvent(userID, typ string, payload map[string]any) {
	if m.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Append(ctx, userID, typ, payload); err != nil {
		m.logger.Warn("event log append failed", zap.String("type", typ), zap.Error(err))
	}
}
