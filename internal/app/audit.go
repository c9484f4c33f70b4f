package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bailops/api/internal/metrics"
	"github.com/bailops/api/pkg/logger"
)

// Event categories for the security audit trail.
const (
	EventCategorySession   = "session"
	EventCategoryRateLimit = "rate_limit"
	EventCategoryUpload    = "upload"
	EventCategoryAuth      = "auth"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is a structured security event bound for the audit trail.
type Event struct {
	ID        string            `json:"id"`
	Category  string            `json:"category"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Enqueuer hands events to the async delivery queue.
type Enqueuer interface {
	EnqueueAuditEvent(ctx context.Context, event Event) error
}

// AuditService records security events. Delivery is fire-and-forget: an
// enqueue failure is logged and counted but never propagates, so the audit
// trail can never block or fail a response.
type AuditService struct {
	enqueuer Enqueuer
	logger   *logger.Logger
}

// NewAuditService creates an audit service. A nil enqueuer yields a
// log-only service, used in tests and when jobs are disabled.
func NewAuditService(enqueuer Enqueuer, log *logger.Logger) *AuditService {
	if log == nil {
		log = logger.NewNop()
	}
	return &AuditService{
		enqueuer: enqueuer,
		logger:   log.With("service", "audit"),
	}
}

// Record stamps and enqueues an event.
func (s *AuditService) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	s.logger.Info("security event",
		"event_id", event.ID,
		"category", event.Category,
		"severity", event.Severity,
		"message", event.Message,
		"user_id", event.UserID,
	)

	if s.enqueuer == nil {
		return
	}

	if err := s.enqueuer.EnqueueAuditEvent(ctx, event); err != nil {
		metrics.AuditEnqueueFailuresTotal.Inc()
		s.logger.Error("failed to enqueue audit event", "event_id", event.ID, "error", err)
		return
	}

	metrics.AuditEventsEnqueuedTotal.WithLabelValues(event.Category).Inc()
}
