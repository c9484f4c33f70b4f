package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/pkg/logger"
)

// ClientConfig contains configuration for the job client.
type ClientConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Client enqueues background jobs. Implements app.Enqueuer.
type Client struct {
	client *asynq.Client
	logger *logger.Logger
}

// NewClient creates a new job client for enqueueing tasks.
func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	return &Client{
		client: asynq.NewClient(redisOpt),
		logger: log.With("component", "job_client"),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueAuditEvent enqueues one security event for async persistence.
func (c *Client) EnqueueAuditEvent(ctx context.Context, event app.Event) error {
	task, err := NewAuditEventTask(event)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Debug("audit event queued",
		"task_id", info.ID,
		"event_id", event.ID,
		"queue", info.Queue,
	)
	return nil
}
