// Package metrics provides Prometheus instrumentation for the chat hub. It
// exposes gauges for connection, user, and group counts, counters for message
// throughput, and a histogram for completion-call latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RegisteredUsers tracks the current number of registered display names.
	RegisteredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_registered_users",
		Help: "Current number of connections registered under a display name",
	})

	// GroupsTotal tracks the current number of open groups.
	GroupsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_groups_total",
		Help: "Current number of open groups",
	})

	// MessagesTotal counts delivered messages, labeled by kind: "private",
	// "group", or "ai".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// CompletionLatency records completion-call round-trip time in seconds.
	CompletionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hub_completion_latency_seconds",
		Help:    "AI completion call latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	// CompletionFailures counts completion calls that ended in a normalized
	// failure.
	CompletionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_completion_failures_total",
		Help: "Total number of failed AI completion calls",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegisteredUsers,
		GroupsTotal,
		MessagesTotal,
		CompletionLatency,
		CompletionFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
