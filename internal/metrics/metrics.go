// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection counts, counters for frame throughput and
// discards, and a histogram for delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// FramesTotal counts frames processed, labeled by direction:
	// "inbound", "delivered", or "relayed" (sent through NATS).
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_frames_total",
		Help: "Total number of frames processed",
	}, []string{"direction"})

	// FramesDiscarded counts inbound frames dropped as malformed or unknown.
	FramesDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duochat_frames_discarded_total",
		Help: "Total number of malformed or unrecognized frames dropped",
	})

	// DeliveryLatency records the time from frame receipt to delivery in seconds.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duochat_delivery_latency_seconds",
		Help:    "Frame routing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessagesStored counts messages persisted to the history store.
	MessagesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duochat_messages_stored_total",
		Help: "Total number of chat messages persisted",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		FramesTotal,
		FramesDiscarded,
		DeliveryLatency,
		MessagesStored,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
