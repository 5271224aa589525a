package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_upstream_connect_ms",
		Help:    "Realtime websocket connect latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(25, 2, 10),
	})
	metricDialErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_dial_errors_total",
		Help: "Failed realtime websocket dials",
	})
	metricRESTLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_upstream_rest_ms",
		Help:    "Request/response endpoint latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(50, 2, 10),
	}, []string{"endpoint"})
	metricRESTErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_rest_errors_total",
		Help: "Request/response endpoint failures",
	}, []string{"endpoint"})
)
