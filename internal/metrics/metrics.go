// Package metrics holds the Prometheus collectors exposed at /metrics.
//
// The sync engine also reports through OpenTelemetry when telemetry is
// configured; these collectors are always registered so a plain Prometheus
// scrape works without a collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Partner API metrics
	PartnerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_http_attempts_total",
			Help: "HTTP attempts made against the partner API",
		},
		[]string{"family", "outcome"}, // outcome: "response", "transport_error"
	)

	PartnerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_http_request_duration_seconds",
			Help:    "Duration of partner API operations including retries",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"family", "op"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratus_circuit_breaker_state",
			Help: "Partner circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"family"},
	)

	// Sync metrics
	SyncItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratussync_sync_items_total",
			Help: "Queue items processed, by per-item result",
		},
		[]string{"family", "result"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratussync_sync_duration_seconds",
			Help:    "Duration of drain passes",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"family"},
	)

	SyncBatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratussync_sync_batch_failures_total",
			Help: "Drain passes that failed before processing any item",
		},
		[]string{"family"},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratussync_api_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratussync_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "route"},
	)
)

// RecordPartnerAttempt counts one HTTP attempt.
func RecordPartnerAttempt(family string, transportErr bool) {
	outcome := "response"
	if transportErr {
		outcome = "transport_error"
	}
	PartnerAttempts.WithLabelValues(family, outcome).Inc()
}

// RecordPartnerRequest observes a complete partner operation.
func RecordPartnerRequest(family, op string, d time.Duration) {
	PartnerRequestDuration.WithLabelValues(family, op).Observe(d.Seconds())
}

// RecordSyncItem counts one processed queue item.
func RecordSyncItem(family, result string) {
	SyncItems.WithLabelValues(family, result).Inc()
}

// RecordSyncRun observes a drain pass.
func RecordSyncRun(family string, d time.Duration, batchFailed bool) {
	SyncDuration.WithLabelValues(family).Observe(d.Seconds())
	if batchFailed {
		SyncBatchFailures.WithLabelValues(family).Inc()
	}
}

// RecordAPIRequest records a served HTTP request.
func RecordAPIRequest(method, route, statusCode string, d time.Duration) {
	APIRequests.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
