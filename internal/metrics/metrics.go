// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ApprovalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_requests_total",
			Help: "Total number of approval requests created",
		},
		[]string{"kind"},
	)

	ApprovalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_transitions_total",
			Help: "Total number of approval status transitions",
		},
		[]string{"kind", "transition"},
	)

	ApprovalExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_executions_total",
			Help: "Total number of execution attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "approval_execution_duration_seconds",
			Help:    "Duration of executor chain calls including receipt wait",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	ChainSyncResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chain_sync_results_total",
			Help: "Verification outcomes of pending chain transactions",
		},
		[]string{"status"},
	)

	ReconciliationDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_discrepancies_total",
			Help: "Discrepancies found between the database and the chain",
		},
		[]string{"type"},
	)

	ScheduledJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_runs_total",
			Help: "Background job runs by outcome",
		},
		[]string{"job", "outcome"},
	)

	EventPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_publish_errors_total",
			Help: "Total number of lifecycle events that failed to publish",
		},
	)
)

// Outcome labels for ApprovalExecutions.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
