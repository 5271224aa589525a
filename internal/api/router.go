package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func methodIs(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// NewRouter mounts the status surface. realtimeWS may be nil.
func NewRouter(h *Handlers, realtimeWS http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", h.HandleReady)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if methodIs(w, r, http.MethodGet) {
			h.HandleStatus(w, r)
		}
	})

	mux.HandleFunc("/status/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if !methodIs(w, r, http.MethodGet) {
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/status/sessions/"), "/")
		if id == "" {
			h.HandleListSessions(w, r)
			return
		}
		if strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		h.HandleGetSession(w, r, id)
	})

	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		// /users/{id}/sessions | /events
		if !methodIs(w, r, http.MethodGet) {
			return
		}
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users/"), "/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			http.NotFound(w, r)
			return
		}
		switch parts[1] {
		case "sessions":
			h.HandleUserSessions(w, r, parts[0])
		case "events":
			h.HandleUserEvents(w, r, parts[0])
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/health/upstream", func(w http.ResponseWriter, r *http.Request) {
		if methodIs(w, r, http.MethodGet) {
			h.HandleUpstreamHealth(w, r)
		}
	})

	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		if methodIs(w, r, http.MethodPost) {
			h.HandleMintToken(w, r)
		}
	})

	if realtimeWS != nil {
		mux.Handle("/realtime", realtimeWS)
	}

	return mux
}
