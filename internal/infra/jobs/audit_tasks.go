// Package jobs delivers audit events asynchronously and runs the
// background maintenance schedule.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/pkg/logger"
)

// Task types.
const (
	TypeAuditEvent = "audit:event"
)

// Queue names.
const (
	QueueAudit = "audit"
)

// NewAuditEventTask builds the asynq task for one security event.
func NewAuditEventTask(event app.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return asynq.NewTask(TypeAuditEvent, payload, asynq.Queue(QueueAudit), asynq.MaxRetry(5)), nil
}

// AuditEventSaver persists delivered events.
type AuditEventSaver interface {
	Save(ctx context.Context, event app.Event) error
}

// AuditTaskHandler processes audit event tasks.
type AuditTaskHandler struct {
	repo   AuditEventSaver
	logger *logger.Logger
}

// NewAuditTaskHandler creates the handler.
func NewAuditTaskHandler(repo AuditEventSaver, log *logger.Logger) *AuditTaskHandler {
	return &AuditTaskHandler{
		repo:   repo,
		logger: log.With("component", "audit_handler"),
	}
}

// HandleAuditEvent persists one delivered event. Save is idempotent on
// event id, so asynq retries cannot duplicate rows.
func (h *AuditTaskHandler) HandleAuditEvent(ctx context.Context, task *asynq.Task) error {
	var event app.Event
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		// Malformed payloads never become processable; drop instead of retrying.
		h.logger.Error("dropping malformed audit event payload", "error", err)
		return nil
	}

	if err := h.repo.Save(ctx, event); err != nil {
		h.logger.Error("failed to persist audit event",
			"event_id", event.ID,
			"category", event.Category,
			"error", err,
		)
		return fmt.Errorf("failed to persist audit event: %w", err)
	}

	h.logger.Debug("audit event persisted", "event_id", event.ID, "category", event.Category)
	return nil
}
