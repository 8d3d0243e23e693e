// Package metrics provides Prometheus instrumentation for the chat relay. It
// exposes gauges for connection and identity counts, counters for message
// outcomes and failures, and a histogram for delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of active WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of active WebSocket connections",
	})

	// ConnectRejections counts upgrade requests refused before or right
	// after the handshake.
	ConnectRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connect_rejections_total",
		Help: "Connection attempts refused by the WebSocket server",
	}, []string{"reason"}) // reason = "capacity", "rate_limited", "unauthorized", "unavailable"

	// RateLimited counts requests rejected by a rate limiting rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"rule"})

	// Reaped counts connections removed by the heartbeat sweep.
	Reaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reaped_connections_total",
		Help: "Connections removed by the heartbeat sweep",
	}, []string{"reason"}) // reason = "broken", "idle", "ping_failed"

	// LocalIdentities tracks the number of distinct identities with at least
	// one session on this instance.
	LocalIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_local_identities",
		Help: "Distinct identities connected to this instance",
	})

	// PendingOffline tracks identities whose offline mark failed and is
	// waiting for the next presence sweep.
	PendingOffline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_offline",
		Help: "Identities waiting for a presence sweep to mark them offline",
	})

	// MessagesTotal counts routed messages by topic and terminal outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages processed by the delivery router",
	}, []string{"topic", "outcome"}) // outcome = "delivered", "duplicate", "dead_lettered"

	// PersistRetries counts history append attempts beyond the first.
	PersistRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_persist_retries_total",
		Help: "History append retries",
	})

	// Evictions counts sessions marked stale after a failed write.
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_evictions_total",
		Help: "Sessions evicted after a failed write",
	})

	// RegistryErrors counts failed presence registry calls.
	RegistryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_registry_errors_total",
		Help: "Failed presence registry operations",
	})

	// BrokerDisconnects counts lost NATS connections.
	BrokerDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_disconnects_total",
		Help: "NATS disconnections",
	})

	// DeliveryLatency records the time from a message's send time until it
	// has been pushed to every local recipient.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_delivery_latency_seconds",
		Help:    "Time from ingestion to local delivery in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		ConnectRejections,
		RateLimited,
		Reaped,
		LocalIdentities,
		PendingOffline,
		MessagesTotal,
		PersistRetries,
		Evictions,
		RegistryErrors,
		BrokerDisconnects,
		DeliveryLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
