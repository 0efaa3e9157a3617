package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/events"
	"github.com/stokehq/stoke/pkg/models"
)

// CreateHandlerRun creates a pending run inside a session. RetryOf links the
// new run to the failed attempt it retries.
func (e *Engine) CreateHandlerRun(
	ctx context.Context,
	session *models.Session,
	handlerType models.HandlerType,
	handlerName string,
	retryOf string,
) (*models.HandlerRun, error) {
	run := &models.HandlerRun{
		ID:          uuid.New().String(),
		WorkflowID:  session.WorkflowID,
		SessionID:   session.ID,
		ScriptID:    session.ScriptID,
		HandlerType: handlerType,
		HandlerName: handlerName,
		Phase:       models.PhasePending,
		Status:      models.StatusPending,
		RetryOf:     retryOf,
	}

	if err := e.persistence.HandlerRuns().Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create handler run: %w", err)
	}

	if err := e.persistence.Sessions().IncrementHandlerCount(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("failed to count handler run on session %s: %w", session.ID, err)
	}

	session.HandlerRunCount++

	if e.bus != nil {
		event := events.HandlerRunCreated{
			BaseEvent:    events.NewBaseEvent(events.HandlerRunCreatedEvent, session.WorkflowID),
			HandlerRunID: run.ID,
			SessionID:    session.ID,
			HandlerType:  handlerType,
			HandlerName:  handlerName,
		}

		if err := e.bus.Publish(ctx, session.WorkflowID, event); err != nil {
			e.logger.ErrorContext(ctx, "Failed to publish handler run created event",
				"handler_run_id", run.ID, "error", err)
		}
	}

	return run, nil
}

// RunSession performs one script execution pass: the triggering producer
// first, then the consumer chains its events wake up, sequentially.
func (e *Engine) RunSession(
	ctx context.Context,
	workflowID string,
	trigger models.TriggerKind,
	producerName string,
) (*models.Session, error) {
	workflow, err := e.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if workflow.Status != models.WorkflowStatusActive {
		return nil, fmt.Errorf("workflow %s is not active (status %s)", workflowID, workflow.Status)
	}

	if workflow.ActiveScriptID == "" {
		return nil, fmt.Errorf("workflow %s has no active script", workflowID)
	}

	session := &models.Session{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		ScriptID:    workflow.ActiveScriptID,
		Status:      models.SessionStatusRunning,
		TriggerKind: trigger,
	}

	if err := e.persistence.Sessions().Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger := e.logger.With("session_id", session.ID, "workflow_id", workflowID)
	logger.InfoContext(ctx, "Session started", "trigger", trigger, "producer", producerName)

	if e.bus != nil {
		event := events.SessionStarted{
			BaseEvent:   events.NewBaseEvent(events.SessionStartedEvent, workflowID),
			SessionID:   session.ID,
			TriggerKind: trigger,
		}

		if err := e.bus.Publish(ctx, workflowID, event); err != nil {
			logger.ErrorContext(ctx, "Failed to publish session started event", "error", err)
		}
	}

	if producerName != "" {
		result, err := e.runWithMaintenance(ctx, logger, session, models.HandlerTypeProducer, producerName)
		if err != nil {
			return session, err
		}

		if result.Status.Halts() {
			return session, e.finishSession(ctx, logger, session, sessionStatusFor(result))
		}
	}

	status, err := e.drainConsumers(ctx, logger, workflow.HandlerConfig, session)
	if err != nil {
		return session, err
	}

	return session, e.finishSession(ctx, logger, session, status)
}

// RetrySession chains a new session onto a failed one and re-drains the
// workflow's consumers.
func (e *Engine) RetrySession(ctx context.Context, sessionID string) (*models.Session, error) {
	parent, err := e.persistence.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	workflow, err := e.persistence.Workflows().GetByID(ctx, parent.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", parent.WorkflowID, err)
	}

	session := &models.Session{
		ID:          uuid.New().String(),
		WorkflowID:  parent.WorkflowID,
		ScriptID:    parent.ScriptID,
		Status:      models.SessionStatusRunning,
		TriggerKind: models.TriggerKindManual,
		RetryOf:     parent.ID,
		RetryCount:  parent.RetryCount + 1,
	}

	if err := e.persistence.Sessions().Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create retry session: %w", err)
	}

	logger := e.logger.With("session_id", session.ID, "workflow_id", session.WorkflowID)

	status, err := e.drainConsumers(ctx, logger, workflow.HandlerConfig, session)
	if err != nil {
		return session, err
	}

	return session, e.finishSession(ctx, logger, session, status)
}

// runWithMaintenance executes a handler run, auto-retrying logic failures a
// bounded number of times with the workflow flagged for maintenance.
func (e *Engine) runWithMaintenance(
	ctx context.Context,
	logger *slog.Logger,
	session *models.Session,
	handlerType models.HandlerType,
	handlerName string,
) (*Result, error) {
	run, err := e.CreateHandlerRun(ctx, session, handlerType, handlerName, "")
	if err != nil {
		return nil, err
	}

	result, err := e.ExecuteHandler(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	for result.Status.IsFailed() && result.ErrorType == models.ErrorTypeLogic {
		workflow, err := e.persistence.Workflows().GetByID(ctx, session.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", session.WorkflowID, err)
		}

		if workflow.FixAttempts >= e.config.MaxFixAttempts {
			logger.WarnContext(ctx, "Fix attempt budget exhausted, leaving workflow in maintenance",
				"handler_name", handlerName, "fix_attempts", workflow.FixAttempts)

			return result, nil
		}

		if err := e.setMaintenance(ctx, session.WorkflowID, true, workflow.FixAttempts+1); err != nil {
			return nil, err
		}

		retry, err := e.CreateHandlerRun(ctx, session, handlerType, handlerName, run.ID)
		if err != nil {
			return nil, err
		}

		logger.InfoContext(ctx, "Retrying failed handler run",
			"handler_name", handlerName, "retry_of", run.ID, "attempt", workflow.FixAttempts+1)

		run = retry

		result, err = e.ExecuteHandler(ctx, run.ID)
		if err != nil {
			return nil, err
		}
	}

	if result.Status == models.StatusCommitted {
		workflow, err := e.persistence.Workflows().GetByID(ctx, session.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", session.WorkflowID, err)
		}

		if workflow.Maintenance {
			if err := e.setMaintenance(ctx, session.WorkflowID, false, 0); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// drainConsumers sweeps the declared consumers for pending events, running
// one consumer at a time until a pass makes no progress. Sweeping is
// bounded so cyclic topic graphs cannot spin forever.
func (e *Engine) drainConsumers(
	ctx context.Context,
	logger *slog.Logger,
	config *models.HandlerConfig,
	session *models.Session,
) (models.SessionStatus, error) {
	if config == nil {
		return models.SessionStatusDone, nil
	}

	for pass := 0; pass < e.config.MaxDrainPasses; pass++ {
		progressed := false

		for _, name := range sortedConsumerNames(config) {
			consumerConfig := config.Consumers[name]

			ready, err := e.hasPendingEvents(ctx, session.WorkflowID, consumerConfig.Subscribe)
			if err != nil {
				return "", err
			}

			if !ready {
				continue
			}

			result, err := e.runWithMaintenance(ctx, logger, session, models.HandlerTypeConsumer, name)
			if err != nil {
				return "", err
			}

			if result.Status.Halts() {
				return sessionStatusFor(result), nil
			}

			progressed = true
		}

		if !progressed {
			break
		}
	}

	return models.SessionStatusDone, nil
}

func (e *Engine) hasPendingEvents(ctx context.Context, workflowID string, topics []string) (bool, error) {
	for _, topicName := range topics {
		topic, err := e.persistence.Events().EnsureTopic(ctx, workflowID, topicName)
		if err != nil {
			return false, fmt.Errorf("failed to resolve topic %q: %w", topicName, err)
		}

		pending, err := e.persistence.Events().ListPending(ctx, topic.ID)
		if err != nil {
			return false, fmt.Errorf("failed to list pending events on %q: %w", topicName, err)
		}

		if len(pending) > 0 {
			return true, nil
		}
	}

	return false, nil
}

func (e *Engine) finishSession(ctx context.Context, logger *slog.Logger, session *models.Session, status models.SessionStatus) error {
	session.Status = status

	if status.IsTerminal() {
		now := time.Now().UTC()
		session.FinishedAt = &now
	}

	runs, err := e.persistence.HandlerRuns().ListBySession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to list runs for session %s: %w", session.ID, err)
	}

	var cost int64
	for _, run := range runs {
		cost += run.CostMicros
	}

	session.CostMicros = cost

	if err := e.persistence.Sessions().Save(ctx, session); err != nil {
		return fmt.Errorf("failed to finish session %s: %w", session.ID, err)
	}

	logger.InfoContext(ctx, "Session finished", "status", status, "handler_runs", session.HandlerRunCount)

	if e.bus != nil {
		event := events.SessionFinished{
			BaseEvent:       events.NewBaseEvent(events.SessionFinishedEvent, session.WorkflowID),
			SessionID:       session.ID,
			Status:          status,
			HandlerRunCount: session.HandlerRunCount,
		}

		if err := e.bus.Publish(ctx, session.WorkflowID, event); err != nil {
			logger.ErrorContext(ctx, "Failed to publish session finished event", "error", err)
		}
	}

	return nil
}

func (e *Engine) setMaintenance(ctx context.Context, workflowID string, maintenance bool, fixAttempts int) error {
	if err := e.persistence.Workflows().SetMaintenance(ctx, workflowID, maintenance, fixAttempts); err != nil {
		return fmt.Errorf("failed to set maintenance on workflow %s: %w", workflowID, err)
	}

	if e.bus != nil {
		event := events.WorkflowMaintenance{
			BaseEvent:   events.NewBaseEvent(events.WorkflowMaintenanceEvent, workflowID),
			Maintenance: maintenance,
			FixAttempts: fixAttempts,
		}

		if err := e.bus.Publish(ctx, workflowID, event); err != nil {
			e.logger.ErrorContext(ctx, "Failed to publish workflow maintenance event",
				"workflow_id", workflowID, "error", err)
		}
	}

	return nil
}

// GetRetryChain walks the retry lineage from the given run back to the
// first attempt and returns it oldest-first.
func (e *Engine) GetRetryChain(ctx context.Context, runID string) ([]*models.HandlerRun, error) {
	var chain []*models.HandlerRun

	seen := make(map[string]bool)

	for id := runID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("retry chain of run %s contains a cycle at %s", runID, id)
		}

		seen[id] = true

		run, err := e.persistence.HandlerRuns().GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s in retry chain: %w", id, err)
		}

		chain = append(chain, run)
		id = run.RetryOf
	}

	// Reverse parent-pointer order into oldest-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain, nil
}

// GetEventsByHandlerRun returns the events the run created or reserved.
func (e *Engine) GetEventsByHandlerRun(ctx context.Context, runID string) ([]*models.Event, error) {
	return e.persistence.Events().ListByHandlerRun(ctx, runID)
}

func sessionStatusFor(result *Result) models.SessionStatus {
	if result.Status.IsPaused() {
		return models.SessionStatusWaiting
	}

	return models.SessionStatusFailed
}

func sortedConsumerNames(config *models.HandlerConfig) []string {
	names := make([]string, 0, len(config.Consumers))
	for name := range config.Consumers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
