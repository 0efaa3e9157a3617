package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/script"
)

// executeProducer drives the producer path: pending → executing → committed,
// with failures leaving the phase at executing and the status carrying the
// error class.
func (e *Engine) executeProducer(ctx context.Context, logger *slog.Logger, run *models.HandlerRun) error {
	if run.Phase == models.PhasePending {
		now := time.Now().UTC()
		run.Phase = models.PhaseExecuting
		run.Status = models.StatusRunning
		run.StartedAt = &now

		if err := e.saveRun(ctx, run); err != nil {
			return err
		}
	}

	workflow, producerConfig, err := e.producerConfig(ctx, run)
	if err != nil {
		// Configuration bugs are terminal logic failures, not
		// transient ones.
		return e.failProducer(ctx, logger, run, models.ErrorTypeLogic, err)
	}

	handler, err := e.registry.Producer(run.ScriptID, run.HandlerName)
	if err != nil {
		return e.failProducer(ctx, logger, run, models.ErrorTypeLogic, err)
	}

	input := script.ProducerInput{
		WorkflowID:  run.WorkflowID,
		HandlerName: run.HandlerName,
	}

	checkpoint, err := e.persistence.HandlerStates().Get(ctx, run.WorkflowID, run.HandlerName)
	if err != nil {
		return fmt.Errorf("failed to load handler state for %s/%s: %w", run.WorkflowID, run.HandlerName, err)
	}

	if checkpoint != nil {
		input.State = checkpoint.State
		run.InputState = checkpoint.State
	}

	output, err := handler.Handle(ctx, input)
	if err != nil {
		return e.failProducer(ctx, logger, run, script.Classify(err), err)
	}

	if err := e.publishMessages(ctx, run, workflow, output.Messages, producerConfig.Publishes); err != nil {
		return e.failProducer(ctx, logger, run, models.ErrorTypeLogic, err)
	}

	if output.State != nil {
		state := &models.HandlerState{
			WorkflowID:       run.WorkflowID,
			HandlerName:      run.HandlerName,
			State:            output.State,
			CommittedByRunID: run.ID,
		}
		if err := e.persistence.HandlerStates().Put(ctx, state); err != nil {
			return fmt.Errorf("failed to persist handler state for %s/%s: %w", run.WorkflowID, run.HandlerName, err)
		}

		run.OutputState = output.State
	}

	now := time.Now().UTC()
	run.Phase = models.PhaseCommitted
	run.Status = models.StatusCommitted
	run.CostMicros = output.CostMicros
	run.FinishedAt = &now

	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Producer committed", "published", len(output.Messages))

	return nil
}

// producerConfig resolves the workflow, its active script and the producer
// entry for the run, failing on any configuration gap.
func (e *Engine) producerConfig(ctx context.Context, run *models.HandlerRun) (*models.Workflow, *models.ProducerConfig, error) {
	workflow, err := e.persistence.Workflows().GetByID(ctx, run.WorkflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow %s missing: %w", run.WorkflowID, err)
	}

	if workflow.ActiveScriptID == "" || workflow.ActiveScriptID != run.ScriptID {
		return nil, nil, fmt.Errorf("workflow %s has no active script matching run script %s", run.WorkflowID, run.ScriptID)
	}

	if workflow.HandlerConfig == nil {
		return nil, nil, fmt.Errorf("workflow %s has no handler configuration", run.WorkflowID)
	}

	producerConfig, ok := workflow.HandlerConfig.Producers[run.HandlerName]
	if !ok {
		return nil, nil, fmt.Errorf("producer %s not declared by workflow %s", run.HandlerName, run.WorkflowID)
	}

	return workflow, &producerConfig, nil
}

// publishMessages publishes handler output to the event store, one
// idempotent publish per message. Topics outside the publishes list are a
// configuration error.
func (e *Engine) publishMessages(
	ctx context.Context,
	run *models.HandlerRun,
	workflow *models.Workflow,
	messages []script.OutboundMessage,
	allowed []string,
) error {
	for _, msg := range messages {
		if !topicAllowed(allowed, msg.Topic) {
			return fmt.Errorf("handler %s published to undeclared topic %q", run.HandlerName, msg.Topic)
		}

		topic, err := e.persistence.Events().EnsureTopic(ctx, workflow.ID, msg.Topic)
		if err != nil {
			return fmt.Errorf("failed to resolve topic %q: %w", msg.Topic, err)
		}

		messageID := msg.MessageID
		if messageID == "" {
			messageID = uuid.New().String()
		}

		event := &models.Event{
			TopicID:        topic.ID,
			MessageID:      messageID,
			Payload:        msg.Payload,
			CreatedByRunID: run.ID,
			CausedBy:       msg.CausedBy,
			AttemptNumber:  1,
		}

		if _, err := e.persistence.Events().Publish(ctx, event); err != nil {
			return fmt.Errorf("failed to publish event %q to topic %q: %w", messageID, msg.Topic, err)
		}
	}

	return nil
}

func topicAllowed(allowed []string, topic string) bool {
	for _, name := range allowed {
		if name == topic {
			return true
		}
	}

	return false
}

// failProducer records a classified failure. The phase stays at executing;
// the status encodes the error class.
func (e *Engine) failProducer(ctx context.Context, logger *slog.Logger, run *models.HandlerRun, errorType models.ErrorType, cause error) error {
	now := time.Now().UTC()
	run.Status = models.FailedStatus(errorType)
	run.Error = cause.Error()
	run.ErrorType = errorType
	run.FinishedAt = &now

	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	logger.ErrorContext(ctx, "Producer failed", "error_type", errorType, "error", cause)

	return nil
}
