package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuzu/relay/internal/auth"
	"yuzu/relay/internal/events"
	"yuzu/relay/internal/health"
	"yuzu/relay/internal/realtime"
)

type fakeStatus struct {
	sessions []realtime.ManagedSession
}

func (f *fakeStatus) GetMetrics() realtime.Metrics {
	return realtime.Metrics{TotalSessions: 4, ActiveSessions: int64(len(f.sessions)), AverageSessionDuration: 90 * time.Second}
}

func (f *fakeStatus) GetSessionInfo(clientID string) (realtime.ManagedSession, bool) {
	for _, s := range f.sessions {
		if s.ClientID == clientID {
			return s, true
		}
	}
	return realtime.ManagedSession{}, false
}

func (f *fakeStatus) GetUserSessions(userID string) []realtime.ManagedSession {
	var out []realtime.ManagedSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStatus) GetAllActiveSessions() []realtime.ManagedSession { return f.sessions }

func newTestRouter(t *testing.T, opts Options, checks ...health.Check) (*httptest.Server, *Handlers, *events.MemoryLog) {
	t.Helper()
	st := &fakeStatus{sessions: []realtime.ManagedSession{
		{ClientID: "c1", UserID: "u1", ConversationID: "conv", Session: realtime.SessionInfo{SessionID: "s1", State: "connected"}},
		{ClientID: "c2", UserID: "u2", UsingFallback: true},
	}}
	log := events.NewMemoryLog(10, nil)
	h := NewHandlers(opts, st, log, checks, nil)
	srv := httptest.NewServer(NewRouter(h, nil))
	t.Cleanup(srv.Close)
	return srv, h, log
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestStatusRoutes(t *testing.T) {
	srv, _, _ := newTestRouter(t, Options{})

	var status map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status", &status))
	assert.Equal(t, "1m30s", status["average_session_duration"])
	assert.Equal(t, float64(2), status["metrics"].(map[string]any)["active_sessions"])

	var list struct {
		Count    int                       `json:"count"`
		Sessions []realtime.ManagedSession `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status/sessions/", &list))
	assert.Equal(t, 2, list.Count)

	var one realtime.ManagedSession
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status/sessions/c1", &one))
	assert.Equal(t, "s1", one.Session.SessionID)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/status/sessions/nope", nil))

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/users/u2/sessions", &list))
	assert.Equal(t, 1, list.Count)
	assert.True(t, list.Sessions[0].UsingFallback)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/users/u2/other", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/users/", nil))

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	srv, h, _ := newTestRouter(t, Options{})
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/readyz", nil))
	h.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/readyz", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/metrics", nil))
}

func TestUpstreamHealth(t *testing.T) {
	failing := health.Check{Name: "openai_rest", Run: func(context.Context) error { return errors.New("down") }}
	srv, _, _ := newTestRouter(t, Options{}, failing)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/health/upstream", nil))

	passing := health.Check{Name: "openai_rest", Run: func(context.Context) error { return nil }}
	srv, _, _ = newTestRouter(t, Options{}, passing)
	var st health.HealthStatus
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health/upstream", &st))
	assert.True(t, st.OK)
	assert.Equal(t, "openai_rest", st.Checks[0].Name)
}

func TestUserEvents(t *testing.T) {
	srv, _, log := newTestRouter(t, Options{})
	require.NoError(t, log.Append(context.Background(), "u1", "session_created", map[string]any{"client_id": "c1"}))

	var body struct {
		Events []events.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/users/u1/events", &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "session_created", body.Events[0].Type)
}

func TestMintToken(t *testing.T) {
	srv, _, _ := newTestRouter(t, Options{TokenSecret: "s3cret", TokenTTL: time.Minute})

	post := func(bearer, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/tokens", strings.NewReader(body))
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post("", `{"user_id":"u1"}`).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post("wrong", `{"user_id":"u1"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("s3cret", `{}`).StatusCode)

	resp := post("s3cret", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	uid, _, err := auth.ValidateClientToken("s3cret", out.Token, "u1", time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	disabled, _, _ := newTestRouter(t, Options{})
	r, err := http.Post(disabled.URL+"/tokens", "application/json", strings.NewReader(`{"user_id":"u1"}`))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}
