// Package clientws is the browser-facing websocket endpoint. Each accepted
// socket becomes one managed realtime session.
package clientws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"yuzu/relay/internal/auth"
	"yuzu/relay/internal/personality"
	"yuzu/relay/internal/protocol"
	"yuzu/relay/internal/realtime"
)

// SessionManager is the part of realtime.Manager the endpoint drives.
type SessionManager interface {
	CreateSession(ctx context.Context, client realtime.ClientConn, clientID string, p realtime.Params) bool
	HandleClientMessage(ctx context.Context, clientID string, data []byte)
	DestroySession(clientID string)
}

type Options struct {
	// TokenSecret enables token checks when non-empty.
	TokenSecret     string
	TokenSkewSecs   int
	MaxMessageBytes int64
	// OriginPatterns are passed to websocket.Accept; empty means same-origin only.
	OriginPatterns []string
}

type Server struct {
	opts    Options
	manager SessionManager
	logger  *zap.Logger
	now     func() time.Time
}

func NewServer(opts Options, manager SessionManager, logger *zap.Logger) *Server {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{opts: opts, manager: manager, logger: logger.With(zap.String("component", "clientws")), now: time.Now}
}

// ParseParams reads session parameters from the upgrade request query.
func ParseParams(r *http.Request) (realtime.Params, error) {
	q := r.URL.Query()
	p := realtime.Params{
		UserID:         q.Get("user_id"),
		ConversationID: q.Get("conversation_id"),
		Voice:          q.Get("voice"),
		CompanionName:  q.Get("name"),
		Traits:         personality.Default(),
	}
	if p.UserID == "" {
		return p, errors.New("missing user_id")
	}
	if p.ConversationID == "" {
		return p, errors.New("missing conversation_id")
	}
	for key, dst := range map[string]*int{
		"playfulness":    &p.Traits.Playfulness,
		"humor":          &p.Traits.Humor,
		"empathy":        &p.Traits.Empathy,
		"intelligence":   &p.Traits.Intelligence,
		"supportiveness": &p.Traits.Supportiveness,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, errors.New("invalid " + key)
		}
		*dst = min(max(n, 0), 100)
	}
	return p, nil
}

func (s *Server) HandleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	p, err := ParseParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.opts.TokenSecret != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, _, err := auth.ValidateClientToken(s.opts.TokenSecret, token, p.UserID, s.now(), s.opts.TokenSkewSecs); err != nil {
			s.logger.Info("client token rejected", zap.String("user_id", p.UserID), zap.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	c, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.logger.Warn("ws accept", zap.Error(err))
		return
	}
	c.SetReadLimit(s.opts.MaxMessageBytes)

	clientID := uuid.NewString()
	logger := s.logger.With(zap.String("client_id", clientID), zap.String("user_id", p.UserID))
	ctx := r.Context()

	if !s.manager.CreateSession(ctx, &conn{c: c}, clientID, p) {
		_ = c.Close(ws.StatusTryAgainLater, "session refused")
		return
	}
	defer s.manager.DestroySession(clientID)
	logger.Debug("client connected")

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch ws.CloseStatus(err) {
			case ws.StatusNormalClosure, ws.StatusGoingAway:
				logger.Debug("client closed")
			default:
				logger.Info("client read ended", zap.Error(err))
			}
			return
		}
		if typ != ws.MessageText {
			logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
			continue
		}
		s.manager.HandleClientMessage(ctx, clientID, data)
	}
}

// conn adapts a websocket to realtime.ClientConn.
type conn struct {
	c *ws.Conn
}

func (a *conn) Send(ctx context.Context, ev protocol.ServerEvent) error {
	return wsjson.Write(ctx, a.c, ev)
}

func (a *conn) Close() error {
	return a.c.Close(ws.StatusNormalClosure, "session ended")
}
