package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stokehq/stoke/pkg/engine"
	"github.com/stokehq/stoke/pkg/eventbus"
	"github.com/stokehq/stoke/pkg/events"
	"github.com/stokehq/stoke/pkg/models"
)

// Worker consumes trigger events off the dispatch bus and runs workflow
// sessions for them.
type Worker struct {
	id       string
	engine   *engine.Engine
	eventBus eventbus.EventBus
	logger   *slog.Logger
}

func NewWorker(id string, eng *engine.Engine, eventBus eventbus.EventBus, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		engine:   eng,
		eventBus: eventBus,
		logger:   logger,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker")

	if err := w.eventBus.Handle(events.TriggerFiredEvent, w.handleTriggerFired); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *Worker) handleTriggerFired(ctx context.Context, event any) error {
	trigger, ok := event.(*events.TriggerFired)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for TriggerFired")

		return nil
	}

	logger := w.logger.With(
		"workflow_id", trigger.WorkflowID,
		"handler_name", trigger.HandlerName,
		"event_id", trigger.ID,
	)
	logger.InfoContext(ctx, "Processing trigger")

	kind := trigger.TriggerKind
	if kind == "" {
		kind = models.TriggerKindSchedule
	}

	session, err := w.engine.RunSession(ctx, trigger.WorkflowID, kind, trigger.HandlerName)
	if err != nil {
		logger.ErrorContext(ctx, "Session failed", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Session completed",
		"session_id", session.ID, "status", session.Status, "handler_runs", session.HandlerRunCount)

	return nil
}
