// Package server exposes Prometheus metrics for the relay.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Number of currently registered WebSocket connections.",
	})

	messagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_relayed_total",
		Help: "Messages persisted and broadcast to a room.",
	})

	messagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_rejected_total",
		Help: "Messages dropped before broadcast, by reason.",
	}, []string{"reason"})
)

// MetricsHandler exposes Prometheus metrics at /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
