package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/pkg/logger"
)

// Scheduler runs the periodic maintenance jobs, currently the expired
// session sweep.
type Scheduler struct {
	cron   *cron.Cron
	guard  *app.SessionGuard
	logger *logger.Logger
}

// NewScheduler creates the scheduler and registers the session cleanup
// sweep on the given cron spec (e.g. "@every 15m").
func NewScheduler(guard *app.SessionGuard, schedule string, log *logger.Logger) (*Scheduler, error) {
	if guard == nil {
		return nil, errors.New("session guard is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	s := &Scheduler{
		cron:   cron.New(),
		guard:  guard,
		logger: log.With("component", "scheduler"),
	}

	if _, err := s.cron.AddFunc(schedule, s.runSessionCleanup); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	return s, nil
}

func (s *Scheduler) runSessionCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	removed, err := s.guard.CleanupExpiredSessions(ctx)
	if err != nil {
		s.logger.Error("session cleanup sweep failed", "error", err)
		return
	}

	s.logger.Info("session cleanup sweep finished", "removed", removed)
}

// Start begins the schedule.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler")
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}
