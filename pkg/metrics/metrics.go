// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EventsTotal tracks inbound messaging events accepted per tenant.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound messaging events accepted",
		},
		[]string{"tenant_id"},
	)

	// EventsDropped tracks events dropped at the boundary.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Inbound events dropped at the boundary",
		},
		[]string{"reason"},
	)

	// DedupeHits tracks redelivered message ids caught by the ledger.
	DedupeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dedupe_hits_total",
			Help: "Duplicate message ids dropped",
		},
		[]string{"tenant_id"},
	)

	// DebounceFlushes tracks burst flushes toward the responder.
	DebounceFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_debounce_flushes_total",
			Help: "Debounced bursts flushed",
		},
		[]string{"tenant_id"},
	)

	// DebounceBatchSize tracks fragments merged per burst.
	DebounceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_debounce_batch_size",
			Help:    "Fragments merged per flushed burst",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 12, 20},
		},
	)

	// HandoffsTotal tracks automated-to-human transitions by reason.
	HandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_handoffs_total",
			Help: "Conversations handed off to a human",
		},
		[]string{"tenant_id", "reason"},
	)

	// ResponderDuration tracks responder completion latency.
	ResponderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_responder_duration_seconds",
			Help:    "Responder completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)

	// ResponderErrors tracks failed responder invocations.
	ResponderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_responder_errors_total",
			Help: "Failed responder invocations",
		},
		[]string{"tenant_id"},
	)

	// ResponderTokens tracks tokens processed by the responder.
	ResponderTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_responder_tokens_total",
			Help: "Responder tokens processed",
		},
		[]string{"model", "direction"},
	)

	// DeliveryErrors tracks failed outbound deliveries.
	DeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_errors_total",
			Help: "Failed outbound message deliveries",
		},
		[]string{"tenant_id"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}
