// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection registry
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_connections_active",
			Help: "Current number of registered websocket connections",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_rooms_active",
			Help: "Current number of room channels with at least one member",
		},
	)

	// Broker
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_inbound_events_total",
			Help: "Total number of inbound client events by name",
		},
		[]string{"event"},
	)

	OutboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_outbound_events_total",
			Help: "Total number of outbound events queued to connections by name",
		},
		[]string{"event"},
	)

	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_broker_errors_total",
			Help: "Total number of errors reported back to clients by code",
		},
		[]string{"code"},
	)

	FanoutSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomchat_fanout_recipients",
			Help:    "Number of recipients per room broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_delivery_failures_total",
			Help: "Total number of outbound events that could not be queued to a connection",
		},
	)

	// Persistence gateway
	PersistenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_persistence_duration_seconds",
			Help:    "Duration of persistence gateway calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "success"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomchat_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// Relay
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_relay_messages_total",
			Help: "Total number of room events exchanged with other nodes",
		},
		[]string{"direction"},
	)
)

// ObservePersistence records the duration of a gateway call.
func ObservePersistence(operation string, start time.Time, err error) {
	PersistenceDuration.WithLabelValues(operation, strconv.FormatBool(err == nil)).
		Observe(time.Since(start).Seconds())
}

// SetRegistryStats updates the registry gauges.
func SetRegistryStats(connections, rooms int) {
	ConnectionsActive.Set(float64(connections))
	RoomsActive.Set(float64(rooms))
}
