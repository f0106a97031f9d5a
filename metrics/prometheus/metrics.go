// Package prometheus provides Prometheus metrics for the trebuchet runtime.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trebuchet"

// Status constants for metric labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// invocationDuration is a histogram of actor invocation duration in seconds.
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Histogram of actor invocation duration in seconds",
			Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"actor", "method"},
	)

	// invocationsTotal is a counter of actor invocations.
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of actor invocations",
		},
		[]string{"actor", "method", "status"}, // status: success, error
	)

	// invocationErrorsTotal is a counter of failed invocations by error kind.
	invocationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_errors_total",
			Help:      "Total number of failed invocations by error kind",
		},
		[]string{"reason"},
	)

	// streamDataSentTotal is a counter of stream payloads delivered to subscribers.
	streamDataSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_data_sent_total",
			Help:      "Total number of stream payloads delivered to subscribers",
		},
		[]string{"property"},
	)

	// streamDataDroppedTotal is a counter of payloads dropped on slow subscribers.
	streamDataDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_data_dropped_total",
			Help:      "Total number of stream payloads dropped because a subscriber queue was full",
		},
		[]string{"property"},
	)

	// streamResumesTotal is a counter of stream resume attempts by outcome.
	streamResumesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_resumes_total",
			Help:      "Total number of stream resume attempts",
		},
		[]string{"outcome"}, // outcome: replayed, restarted
	)

	// streamBufferEvictionsTotal is a counter of ring-buffer evictions.
	streamBufferEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_buffer_evictions_total",
			Help:      "Total number of stream buffer evictions",
		},
		[]string{"cause"}, // cause: capacity, ttl
	)

	// streamsActive is a gauge of currently open streams.
	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streams",
		},
	)

	// connectionsActive is a gauge of currently open transport connections.
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open transport connections",
		},
		[]string{"transport"}, // transport: stream, http, websocket
	)

	// storeOperationsTotal is a counter of state store operations.
	storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of state store operations",
		},
		[]string{"op", "status"}, // status: success, error
	)

	// storeVersionConflictsTotal is a counter of conditional-save conflicts.
	storeVersionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_version_conflicts_total",
			Help:      "Total number of conditional saves that lost an optimistic-concurrency race",
		},
	)

	// rateLimitRejectionsTotal is a counter of gateway rate-limit rejections.
	rateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of invocations rejected by the rate limiter",
		},
		[]string{"limiter"}, // limiter: token_bucket, sliding_window
	)

	// authFailuresTotal is a counter of authentication failures by reason.
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// envelopeDecodeErrorsTotal is a counter of undecodable envelopes.
	envelopeDecodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_decode_errors_total",
			Help:      "Total number of envelopes that failed to decode",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		invocationDuration,
		invocationsTotal,
		invocationErrorsTotal,
		streamDataSentTotal,
		streamDataDroppedTotal,
		streamResumesTotal,
		streamBufferEvictionsTotal,
		streamsActive,
		connectionsActive,
		storeOperationsTotal,
		storeVersionConflictsTotal,
		rateLimitRejectionsTotal,
		authFailuresTotal,
		envelopeDecodeErrorsTotal,
	}
)

// RecordInvocation records one completed invocation.
func RecordInvocation(actor, method, status string, durationSeconds float64) {
	invocationDuration.WithLabelValues(actor, method).Observe(durationSeconds)
	invocationsTotal.WithLabelValues(actor, method, status).Inc()
}

// RecordInvocationError records a failed invocation by error kind.
func RecordInvocationError(reason string) {
	invocationErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordStreamData records one payload delivered to a subscriber.
func RecordStreamData(property string) {
	streamDataSentTotal.WithLabelValues(property).Inc()
}

// RecordStreamDrop records one payload dropped on a slow subscriber.
func RecordStreamDrop(property string) {
	streamDataDroppedTotal.WithLabelValues(property).Inc()
}

// RecordStreamResume records one resume attempt. Outcome is "replayed" when
// the buffer served the gap, "restarted" when the stream started fresh.
func RecordStreamResume(outcome string) {
	streamResumesTotal.WithLabelValues(outcome).Inc()
}

// RecordBufferEviction records one ring-buffer eviction.
func RecordBufferEviction(cause string) {
	streamBufferEvictionsTotal.WithLabelValues(cause).Inc()
}

// StreamOpened increments the active-streams gauge.
func StreamOpened() {
	streamsActive.Inc()
}

// StreamClosed decrements the active-streams gauge.
func StreamClosed() {
	streamsActive.Dec()
}

// ConnectionOpened increments the active-connections gauge for a transport.
func ConnectionOpened(transport string) {
	connectionsActive.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the active-connections gauge for a transport.
func ConnectionClosed(transport string) {
	connectionsActive.WithLabelValues(transport).Dec()
}

// RecordStoreOperation records one state store operation.
func RecordStoreOperation(op, status string) {
	storeOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordVersionConflict records one lost optimistic-concurrency race.
func RecordVersionConflict() {
	storeVersionConflictsTotal.Inc()
}

// RecordRateLimitRejection records one rate-limited invocation.
func RecordRateLimitRejection(limiter string) {
	rateLimitRejectionsTotal.WithLabelValues(limiter).Inc()
}

// RecordAuthFailure records one authentication failure.
func RecordAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordDecodeError records one undecodable envelope.
func RecordDecodeError() {
	envelopeDecodeErrorsTotal.Inc()
}
