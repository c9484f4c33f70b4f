// Package metrics exposes Prometheus collectors for the security pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rate limiting metrics
var (
	// RateLimitDecisionsTotal tracks admit/reject decisions per operation.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limit decisions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// RateLimitStoreErrorsTotal tracks counter store failures (fail-closed).
	RateLimitStoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total number of rate limit store errors",
		},
	)
)

// Upload validation metrics
var (
	// UploadValidationsTotal tracks validation outcomes per category.
	UploadValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_validations_total",
			Help: "Total number of upload validations by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	// UploadRejectionsTotal tracks rejections by the failing check.
	UploadRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_rejections_total",
			Help: "Total number of upload rejections by check",
		},
		[]string{"check"},
	)

	// UploadStoredBytes tracks sizes of securely stored files.
	UploadStoredBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upload_stored_bytes",
			Help:    "Size distribution of securely stored uploads",
			Buckets: []float64{1 << 10, 10 << 10, 100 << 10, 1 << 20, 5 << 20, 10 << 20},
		},
	)
)

// Session integrity metrics
var (
	// SessionValidationsTotal tracks session guard outcomes.
	SessionValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_validations_total",
			Help: "Total number of session integrity validations by outcome",
		},
		[]string{"outcome"},
	)

	// SessionInvalidationsTotal tracks forced invalidations by reason.
	SessionInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_invalidations_total",
			Help: "Total number of forced session invalidations by reason",
		},
		[]string{"reason"},
	)

	// SessionsCleanedTotal counts entries removed by the cleanup sweep.
	SessionsCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_cleaned_total",
			Help: "Total number of expired session index entries removed",
		},
	)

	// SuspiciousFindingsTotal counts detector findings by type.
	SuspiciousFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suspicious_findings_total",
			Help: "Total number of suspicious-activity findings by type",
		},
		[]string{"type"},
	)
)

// Audit sink metrics
var (
	// AuditEventsEnqueuedTotal counts audit events handed to the queue.
	AuditEventsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_enqueued_total",
			Help: "Total number of audit events enqueued by category",
		},
		[]string{"category"},
	)

	// AuditEnqueueFailuresTotal counts enqueue failures (never fatal).
	AuditEnqueueFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_enqueue_failures_total",
			Help: "Total number of audit enqueue failures",
		},
	)
)
