// Package metrics exposes the Prometheus instruments of the archive engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scadarchive"

// Connection gateway
var (
	PoolWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_pool_wait_seconds",
			Help:      "Time spent waiting for a source connection slot",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	PoolExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_pool_exhausted_total",
			Help:      "Acquire attempts that timed out",
		},
	)

	ConnectionsDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_connections_discarded_total",
			Help:      "Broken source connections dropped instead of returned to the pool",
		},
	)

	QueryRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_query_retries_total",
			Help:      "Queries retried after a recoverable transport error",
		},
	)
)

// Reconciliation
var (
	// ReconcileRowsTotal counts rows by outcome: inserted, updated, deleted, unchanged
	ReconcileRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_rows_total",
			Help:      "Rows processed by reconciliation",
		},
		[]string{"data_type", "outcome"},
	)

	// ReconcileUnitsTotal counts (type, period) units by state: succeeded, failed, skipped, aborted
	ReconcileUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_units_total",
			Help:      "Reconciliation units by final state",
		},
		[]string{"data_type", "mode", "state"},
	)

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one (type, period) reconciliation",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"data_type", "mode"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Orchestrator runs by final status",
		},
		[]string{"status"},
	)

	RunningGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while an orchestrator run is active",
		},
	)
)

// Validation
var (
	ValidationIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_issues_total",
			Help:      "Issues reported by the integrity validator",
		},
		[]string{"type"},
	)

	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Duration of a validation run",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	ValidationLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_last_run_timestamp",
			Help:      "Unix time of the last completed validation run",
		},
	)
)

// HTTP API
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)
