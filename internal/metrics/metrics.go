// Package metrics provides Prometheus metrics for reconciliation runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks reconciliation runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentalsync",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of reconciliation runs by status",
		},
		[]string{"status"},
	)

	// RunDuration tracks run duration in seconds
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rentalsync",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// SourceFetchesTotal tracks platform feed fetches by outcome
	SourceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentalsync",
			Subsystem: "source",
			Name:      "fetches_total",
			Help:      "Total number of platform feed fetches by status",
		},
		[]string{"platform", "status"},
	)

	// SourceEvents tracks events imported from each platform on the last run
	SourceEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rentalsync",
			Subsystem: "source",
			Name:      "events",
			Help:      "Events extracted from each platform on the last run",
		},
		[]string{"platform"},
	)

	// RecordsRejectedTotal tracks reservations dropped by validation
	RecordsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentalsync",
			Subsystem: "pipeline",
			Name:      "records_rejected_total",
			Help:      "Total number of reservations rejected by reason",
		},
		[]string{"reason"},
	)

	// OverrideActionsTotal tracks events affected by overrides
	OverrideActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentalsync",
			Subsystem: "override",
			Name:      "actions_total",
			Help:      "Total number of events blocked, removed, hidden, forced or injected",
		},
		[]string{"action"},
	)

	// OverrideEditsTotal tracks edits through the override store
	OverrideEditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentalsync",
			Subsystem: "override",
			Name:      "edits_total",
			Help:      "Total number of override store edits by operation",
		},
		[]string{"operation"},
	)

	// MasterEvents tracks the size of the last rendered master calendar
	MasterEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rentalsync",
			Subsystem: "pipeline",
			Name:      "master_events",
			Help:      "Events in the last rendered master calendar",
		},
	)
)

// RecordRun records a finished run
func RecordRun(status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDuration.Observe(durationSeconds)
}

// RecordFetch records one platform fetch outcome
func RecordFetch(platform, status string) {
	SourceFetchesTotal.WithLabelValues(platform, status).Inc()
}

// RecordOverrideAction adds n affected events for an override action
func RecordOverrideAction(action string, n int) {
	if n > 0 {
		OverrideActionsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// RecordOverrideEdit records a store edit
func RecordOverrideEdit(operation string) {
	OverrideEditsTotal.WithLabelValues(operation).Inc()
}
