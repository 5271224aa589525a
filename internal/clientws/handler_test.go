package clientws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"yuzu/relay/internal/auth"
	"yuzu/relay/internal/protocol"
	"yuzu/relay/internal/realtime"
)

type fakeManager struct {
	refuse bool

	mu        sync.Mutex
	params    realtime.Params
	clientID  string
	messages  []string
	destroyed []string
}

func (m *fakeManager) CreateSession(ctx context.Context, client realtime.ClientConn, clientID string, p realtime.Params) bool {
	m.mu.Lock()
	m.params, m.clientID = p, clientID
	m.mu.Unlock()
	if m.refuse {
		_ = client.Send(ctx, protocol.Error(protocol.ErrMsgQuotaExceeded))
		return false
	}
	_ = client.Send(ctx, protocol.SessionReady("sess_1", "alloy", protocol.DefaultModalities, false))
	return true
}

func (m *fakeManager) HandleClientMessage(_ context.Context, _ string, data []byte) {
	m.mu.Lock()
	m.messages = append(m.messages, string(data))
	m.mu.Unlock()
}

func (m *fakeManager) DestroySession(clientID string) {
	m.mu.Lock()
	m.destroyed = append(m.destroyed, clientID)
	m.mu.Unlock()
}

func (m *fakeManager) snapshot() ([]string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...), append([]string(nil), m.destroyed...)
}

func newTestServer(t *testing.T, opts Options, m *fakeManager) string {
	t.Helper()
	s := NewServer(opts, m, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleRealtimeWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestParseParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/realtime?user_id=u1&conversation_id=c1&voice=verse&name=Yuzu&humor=90&empathy=-5&intelligence=400", nil)
	p, err := ParseParams(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "c1", p.ConversationID)
	assert.Equal(t, "verse", p.Voice)
	assert.Equal(t, "Yuzu", p.CompanionName)
	assert.Equal(t, 90, p.Traits.Humor)
	assert.Equal(t, 0, p.Traits.Empathy)
	assert.Equal(t, 100, p.Traits.Intelligence)
	assert.Equal(t, 50, p.Traits.Playfulness)

	for _, q := range []string{"conversation_id=c1", "user_id=u1", "user_id=u1&conversation_id=c1&humor=lots"} {
		_, err := ParseParams(httptest.NewRequest(http.MethodGet, "/realtime?"+q, nil))
		assert.Error(t, err, q)
	}
}

func TestHandleRealtimeWS_RoundTrip(t *testing.T) {
	m := &fakeManager{}
	url := newTestServer(t, Options{}, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := ws.Dial(ctx, url+"?user_id=u1&conversation_id=c1", nil)
	require.NoError(t, err)

	var ready protocol.ServerEvent
	require.NoError(t, wsjson.Read(ctx, c, &ready))
	assert.Equal(t, protocol.EventSessionReady, ready.Type)

	require.NoError(t, c.Write(ctx, ws.MessageBinary, []byte{1, 2, 3}))
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte(`{"type":"text","text":"hi"}`)))
	require.Eventually(t, func() bool {
		msgs, _ := m.snapshot()
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(ws.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		_, destroyed := m.snapshot()
		return len(destroyed) == 1
	}, time.Second, 5*time.Millisecond)

	msgs, destroyed := m.snapshot()
	assert.Equal(t, []string{`{"type":"text","text":"hi"}`}, msgs)
	m.mu.Lock()
	assert.Equal(t, m.clientID, destroyed[0])
	assert.Equal(t, "u1", m.params.UserID)
	m.mu.Unlock()
}

func TestHandleRealtimeWS_Refused(t *testing.T) {
	m := &fakeManager{refuse: true}
	url := newTestServer(t, Options{}, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := ws.Dial(ctx, url+"?user_id=u1&conversation_id=c1", nil)
	require.NoError(t, err)
	defer c.Close(ws.StatusNormalClosure, "")

	var ev protocol.ServerEvent
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, protocol.ErrMsgQuotaExceeded, ev.Error)

	_, _, err = c.Read(ctx)
	assert.Equal(t, ws.StatusTryAgainLater, ws.CloseStatus(err))
	_, destroyed := m.snapshot()
	assert.Empty(t, destroyed)
}

func TestHandleRealtimeWS_Rejections(t *testing.T) {
	secret := "s3cret"
	good, err := auth.GenerateClientToken(secret, "u1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	other, err := auth.GenerateClientToken(secret, "u2", time.Now().Add(time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{name: "missing user", query: "conversation_id=c1&token=" + good, status: http.StatusBadRequest},
		{name: "missing token", query: "user_id=u1&conversation_id=c1", status: http.StatusUnauthorized},
		{name: "other user's token", query: "user_id=u1&conversation_id=c1&token=" + other, status: http.StatusUnauthorized},
		{name: "garbage token", query: "user_id=u1&conversation_id=c1&token=nope", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeManager{}
			url := newTestServer(t, Options{TokenSecret: secret, TokenSkewSecs: 60}, m)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, resp, err := ws.Dial(ctx, url+"?"+tt.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	m := &fakeManager{}
	url := newTestServer(t, Options{TokenSecret: secret, TokenSkewSecs: 60}, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := ws.Dial(ctx, url+"?user_id=u1&conversation_id=c1&token="+good, nil)
	require.NoError(t, err)
	_ = c.Close(ws.StatusNormalClosure, "")
}
