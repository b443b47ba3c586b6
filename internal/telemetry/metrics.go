// Package telemetry holds the Prometheus metrics of the audit workflow service.
//
// All metrics are registered against the default registry and exposed on
// GET /metrics by the HTTP server.
//
// HTTP metrics use the chi route pattern (e.g. /api/v1/audits/{workflowID})
// rather than the raw URL to keep label cardinality bounded.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route pattern and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Workflow engine metrics.
//
// WorkflowSubmissionsTotal outcomes: created, no_rule, duplicate, failed.
// StepActionsTotal outcomes: applied, already_processed, rejected_transition, failed.
var (
	WorkflowSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_workflow_submissions_total",
			Help: "Total number of audit submissions, by audit type and outcome.",
		},
		[]string{"audit_type", "outcome"},
	)

	StepActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_step_actions_total",
			Help: "Total number of step actions, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	WorkflowsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_workflows_completed_total",
			Help: "Total number of workflows reaching a terminal status, by audit type and status.",
		},
		[]string{"audit_type", "status"},
	)

	ApproverFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_approver_fallbacks_total",
			Help: "Total number of steps assigned to the fallback approver, by audit type.",
		},
		[]string{"audit_type"},
	)
)

// Notification dispatcher metrics.
//
// NotificationDeliveriesTotal outcomes: delivered, duplicate, failed.
var (
	NotificationDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_notification_deliveries_total",
			Help: "Total number of notification delivery attempts that finished, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	NotificationRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_notification_retries_total",
			Help: "Total number of notification delivery retries.",
		},
	)

	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_notification_queue_depth",
			Help: "Number of events waiting in the notification dispatcher queue.",
		},
	)

	EventFanoutFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_event_fanout_failures_total",
			Help: "Total number of audit events that could not be published to the message bus, by event type.",
		},
		[]string{"event_type"},
	)
)
