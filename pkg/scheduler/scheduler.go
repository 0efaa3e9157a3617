package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stokehq/stoke/pkg/eventbus"
	"github.com/stokehq/stoke/pkg/events"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// Scheduler fires due producer schedules. The next due time is precomputed
// and stored, so each tick is one indexed query instead of per-producer
// timers.
type Scheduler struct {
	persistence persistence.Persistence
	bus         eventbus.EventPublisher
	lease       *Lease
	interval    time.Duration
	logger      *slog.Logger
}

// NewScheduler creates a scheduler. The lease may be nil for single
// instance deployments.
func NewScheduler(
	persistence persistence.Persistence,
	bus eventbus.EventPublisher,
	lease *Lease,
	interval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}

	return &Scheduler{
		persistence: persistence,
		bus:         bus,
		lease:       lease,
		interval:    interval,
		logger:      logger.With("module", "scheduler"),
	}
}

// Start runs the polling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "Scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")

			if s.lease != nil {
				if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Error("Failed to release scheduler lease", "error", err)
				}
			}

			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Scheduler pass failed", "error", err)
			}
		}
	}
}

// Tick fires every due schedule once, then advances it.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.lease != nil {
		held, err := s.lease.Acquire(ctx)
		if err != nil {
			return err
		}

		if !held {
			return nil
		}
	}

	now := time.Now().UTC()

	due, err := s.persistence.Schedules().ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due schedules: %w", err)
	}

	for _, schedule := range due {
		if err := s.fire(ctx, schedule); err != nil {
			s.logger.ErrorContext(ctx, "Failed to fire schedule",
				"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "error", err)
		}
	}

	return nil
}

func (s *Scheduler) fire(ctx context.Context, schedule *models.Schedule) error {
	event := events.TriggerFired{
		BaseEvent:   events.NewBaseEvent(events.TriggerFiredEvent, schedule.WorkflowID),
		HandlerName: schedule.HandlerName,
		TriggerKind: models.TriggerKindSchedule,
	}

	if err := s.bus.Publish(ctx, schedule.WorkflowID, event); err != nil {
		return fmt.Errorf("failed to publish trigger for %s/%s: %w", schedule.WorkflowID, schedule.HandlerName, err)
	}

	// Advance before the worker picks the trigger up, so a slow session
	// cannot double-fire the same due time.
	if err := schedule.Advance(); err != nil {
		return fmt.Errorf("failed to advance schedule %s: %w", schedule.ID, err)
	}

	if err := s.persistence.Schedules().Save(ctx, schedule); err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", schedule.ID, err)
	}

	s.logger.InfoContext(ctx, "Trigger fired",
		"workflow_id", schedule.WorkflowID, "handler_name", schedule.HandlerName, "next_due_at", schedule.NextDueAt)

	return nil
}
