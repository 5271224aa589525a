package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Live proxy sessions by kind",
	}, []string{"kind"}) // streaming, fallback

	metricSessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_created_total",
		Help: "Sessions created by kind",
	}, []string{"kind"})

	metricSessionRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_session_rejects_total",
		Help: "Session creations refused by reason",
	}, []string{"reason"}) // quota, connect, terminated, invalid, duplicate, shutdown

	metricSessionDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_destroyed_total",
		Help: "Sessions destroyed by reason",
	}, []string{"reason"})

	metricSessionDurationS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_session_duration_seconds",
		Help:    "Lifetime of destroyed sessions",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	})

	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Client audio chunks dropped by the session rate limiter",
	})

	metricReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reconnects_total",
		Help: "Streaming reconnection attempts by outcome",
	}, []string{"outcome"}) // ok, failed, exhausted

	metricCircuitOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_circuit_open_total",
		Help: "Circuit breaker open events",
	})

	metricUpstreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_events_total",
		Help: "Realtime events received by translation outcome",
	}, []string{"outcome"}) // forwarded, passthrough, dropped, error

	metricPipelineStageMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_fallback_stage_ms",
		Help:    "Fallback pipeline stage latency (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.8, 10),
	}, []string{"stage"}) // transcribe, chat, speech

	metricPipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fallback_failures_total",
		Help: "Fallback pipeline stage failures",
	}, []string{"stage"})

	metricTokensUsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_response_tokens_total",
		Help: "Tokens reported by completed streaming responses",
	})
)
