// Package observability provides Prometheus metrics and OpenTelemetry
// tracing instrumentation for the service manager.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// APPLY METRICS
// =============================================================================

var (
	applyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcmux_apply_total",
			Help: "Total number of envelopes applied by the manager",
		},
		[]string{"kind", "status"}, // kind: command/command_stream/query/query_stream, status: ok/error
	)

	applyDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svcmux_apply_duration_seconds",
			Help:    "Duration of a single apply call in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"kind"},
	)
)

// =============================================================================
// SERVICE LIFECYCLE METRICS
// =============================================================================

var (
	activeServices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "svcmux_active_services",
			Help: "Number of live hosted service instances",
		},
	)

	canDeleteChecksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svcmux_can_delete_checks_total",
			Help: "Total number of can_delete predicate evaluations",
		},
	)
)

// =============================================================================
// SNAPSHOT METRICS
// =============================================================================

var (
	snapshotDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "svcmux_snapshot_duration_seconds",
			Help:    "Duration of a full manager snapshot in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
	)

	restoreDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "svcmux_restore_duration_seconds",
			Help:    "Duration of a full manager restore in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordApply records one apply call's outcome and duration.
func RecordApply(kind string, status string, durationSeconds float64) {
	applyTotal.WithLabelValues(kind, status).Inc()
	applyDurationSeconds.WithLabelValues(kind).Observe(durationSeconds)
}

// SetActiveServices sets the current count of live hosted instances.
func SetActiveServices(count int) {
	activeServices.Set(float64(count))
}

// RecordCanDeleteCheck records one can_delete predicate evaluation.
func RecordCanDeleteCheck() {
	canDeleteChecksTotal.Inc()
}

// RecordSnapshot records one full-manager snapshot's duration.
func RecordSnapshot(durationSeconds float64) {
	snapshotDurationSeconds.Observe(durationSeconds)
}

// RecordRestore records one full-manager restore's duration.
func RecordRestore(durationSeconds float64) {
	restoreDurationSeconds.Observe(durationSeconds)
}
