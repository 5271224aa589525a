package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yuzu/relay/internal/auth"
	"yuzu/relay/internal/events"
	"yuzu/relay/internal/health"
	"yuzu/relay/internal/realtime"
)

// SessionStatus is the read side of realtime.Manager.
type SessionStatus interface {
	GetMetrics() realtime.Metrics
	GetSessionInfo(clientID string) (realtime.ManagedSession, bool)
	GetUserSessions(userID string) []realtime.ManagedSession
	GetAllActiveSessions() []realtime.ManagedSession
}

type Options struct {
	TokenSecret string
	TokenTTL    time.Duration
	// CheckTimeout bounds each dependency check.
	CheckTimeout time.Duration
}

type Handlers struct {
	opts     Options
	sessions SessionStatus
	events   events.Log
	checks   []health.Check
	logger   *zap.Logger
	now      func() time.Time
	started  time.Time
	ready    atomic.Bool
}

func NewHandlers(opts Options, sessions SessionStatus, log events.Log, checks []health.Check, logger *zap.Logger) *Handlers {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{
		opts:     opts,
		sessions: sessions,
		events:   log,
		checks:   checks,
		logger:   logger.With(zap.String("component", "api")),
		now:      time.Now,
		started:  time.Now(),
	}
	h.ready.Store(true)
	return h
}

// SetReady flips /readyz; main clears it when shutdown begins.
func (h *Handlers) SetReady(ok bool) { h.ready.Store(ok) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	m := h.sessions.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_s":                 int64(h.now().Sub(h.started).Seconds()),
		"ready":                    h.ready.Load(),
		"metrics":                  m,
		"average_session_duration": m.AverageSessionDuration.String(),
	})
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.GetAllActiveSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request, clientID string) {
	s, ok := h.sessions.GetSessionInfo(clientID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleUserSessions(w http.ResponseWriter, r *http.Request, userID string) {
	sessions := h.sessions.GetUserSessions(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (h *Handlers) HandleUserEvents(w http.ResponseWriter, r *http.Request, userID string) {
	if h.events == nil {
		http.Error(w, "event log disabled", http.StatusNotFound)
		return
	}
	evs, err := h.events.List(r.Context(), userID)
	if err != nil {
		h.logger.Warn("list events", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "event log unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"events":  evs,
	})
}

func (h *Handlers) HandleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	st := health.CheckAll(r.Context(), h.opts.CheckTimeout, h.checks...)
	status := http.StatusOK
	if !st.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

// HandleMintToken issues a client token. Callers authenticate with the
// token secret itself as a bearer credential.
func (h *Handlers) HandleMintToken(w http.ResponseWriter, r *http.Request) {
	if h.opts.TokenSecret == "" {
		http.Error(w, "client auth not configured", http.StatusNotFound)
		return
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(h.opts.TokenSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil || body.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	exp := h.now().Add(h.opts.TokenTTL)
	tok, err := auth.GenerateClientToken(h.opts.TokenSecret, body.UserID, exp)
	if err != nil {
		h.logger.Error("mint token", zap.Error(err))
		http.Error(w, "token error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"user_id":    body.UserID,
		"expires_at": exp.UTC(),
	})
}
