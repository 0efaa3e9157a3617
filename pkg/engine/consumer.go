package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/events"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
	"github.com/stokehq/stoke/pkg/script"
)

// indeterminateMutationError is surfaced on runs paused because their
// side-effect outcome is unknown.
const indeterminateMutationError = "indeterminate_mutation"

// executeConsumer drives the consumer path:
// pending → preparing → prepared → {committed | mutating} → mutated →
// emitting → committed, pausing at mutating whenever the ledger says the
// side-effect outcome is unknown.
func (e *Engine) executeConsumer(ctx context.Context, logger *slog.Logger, run *models.HandlerRun) error {
	workflow, consumerConfig, err := e.consumerConfig(ctx, run)
	if err != nil {
		return e.failConsumer(ctx, logger, run, models.ErrorTypeLogic, err)
	}

	handler, err := e.registry.Consumer(run.ScriptID, run.HandlerName)
	if err != nil {
		return e.failConsumer(ctx, logger, run, models.ErrorTypeLogic, err)
	}

	for {
		switch run.Phase {
		case models.PhasePending:
			now := time.Now().UTC()
			run.Phase = models.PhasePreparing
			run.Status = models.StatusRunning
			run.StartedAt = &now

			if err := e.saveRun(ctx, run); err != nil {
				return err
			}

		case models.PhasePreparing:
			done, err := e.stepPreparing(ctx, logger, run, workflow, consumerConfig, handler)
			if done || err != nil {
				return err
			}

		case models.PhasePrepared:
			done, err := e.stepPrepared(ctx, logger, run)
			if done || err != nil {
				return err
			}

		case models.PhaseMutating:
			done, err := e.stepMutating(ctx, logger, run, consumerConfig, handler)
			if done || err != nil {
				return err
			}

		case models.PhaseMutated:
			if !consumerConfig.HasNext {
				return e.commitConsumer(ctx, logger, run)
			}

			run.Phase = models.PhaseEmitting
			if err := e.saveRun(ctx, run); err != nil {
				return err
			}

		case models.PhaseEmitting:
			return e.stepEmitting(ctx, logger, run, workflow, consumerConfig, handler)

		default:
			return fmt.Errorf("consumer run %s in unexpected phase %q", run.ID, run.Phase)
		}
	}
}

// stepPreparing invokes prepare once and persists its result verbatim, so a
// crash after this point never re-invokes it.
func (e *Engine) stepPreparing(
	ctx context.Context,
	logger *slog.Logger,
	run *models.HandlerRun,
	workflow *models.Workflow,
	consumerConfig *models.ConsumerConfig,
	handler script.ConsumerHandler,
) (bool, error) {
	if run.PrepareResult == nil {
		pending := make(map[string][]*models.Event, len(consumerConfig.Subscribe))

		for _, topicName := range consumerConfig.Subscribe {
			topic, err := e.persistence.Events().EnsureTopic(ctx, workflow.ID, topicName)
			if err != nil {
				return true, fmt.Errorf("failed to resolve topic %q: %w", topicName, err)
			}

			topicEvents, err := e.persistence.Events().ListPending(ctx, topic.ID)
			if err != nil {
				return true, fmt.Errorf("failed to list pending events on %q: %w", topicName, err)
			}

			pending[topicName] = topicEvents
		}

		result, err := handler.Prepare(ctx, script.ConsumerInput{
			WorkflowID:  run.WorkflowID,
			HandlerName: run.HandlerName,
			Pending:     pending,
		})
		if err != nil {
			return true, e.failConsumer(ctx, logger, run, script.Classify(err), err)
		}

		if result == nil {
			result = &models.PrepareResult{}
		}

		run.PrepareResult = result
	}

	run.Phase = models.PhasePrepared

	return false, e.saveRun(ctx, run)
}

// stepPrepared reserves the prepared events, or skips straight to committed
// when there is nothing to reserve or mutate.
func (e *Engine) stepPrepared(ctx context.Context, logger *slog.Logger, run *models.HandlerRun) (bool, error) {
	eventIDs := run.PrepareResult.AllEventIDs()
	if len(eventIDs) == 0 {
		return true, e.commitConsumer(ctx, logger, run)
	}

	if err := e.persistence.Events().Reserve(ctx, run.ID, eventIDs); err != nil {
		var reservationErr *persistence.ReservationError
		if errors.As(err, &reservationErr) {
			// Another run already holds part of the reservation; the
			// prepare result went stale. Not a handler bug.
			return true, e.failConsumer(ctx, logger, run, models.ErrorTypeInternal, err)
		}

		return true, fmt.Errorf("failed to reserve events for run %s: %w", run.ID, err)
	}

	run.Phase = models.PhaseMutating

	return false, e.saveRun(ctx, run)
}

// stepMutating applies the ledger decision table. This is the central
// correctness rule: an unknown-outcome external call must not be retried
// without explicit reconciliation.
func (e *Engine) stepMutating(
	ctx context.Context,
	logger *slog.Logger,
	run *models.HandlerRun,
	consumerConfig *models.ConsumerConfig,
	handler script.ConsumerHandler,
) (bool, error) {
	mutation, err := e.persistence.Mutations().GetByHandlerRun(ctx, run.ID)
	if err != nil && !errors.Is(err, persistence.ErrMutationNotFound) {
		return true, fmt.Errorf("failed to load mutation for run %s: %w", run.ID, err)
	}

	var mutationStatus models.MutationStatus
	if mutation != nil {
		mutationStatus = mutation.Status
	}

	switch decideMutating(mutationStatus, consumerConfig.HasMutate) {
	case decisionAdvance:
		run.Phase = models.PhaseMutated

		return false, e.saveRun(ctx, run)

	case decisionPause:
		return true, e.pauseForReconciliation(ctx, logger, run, mutation)

	case decisionFail:
		return true, e.failConsumer(ctx, logger, run, models.ErrorTypeLogic,
			fmt.Errorf("mutation %s failed: %s", mutation.ID, mutation.Error))

	case decisionInvoke:
		return e.invokeMutate(ctx, logger, run, mutation, handler)
	}

	return true, fmt.Errorf("unreachable mutating decision for run %s", run.ID)
}

// invokeMutate creates the ledger row if needed, marks it in flight before
// the external call, and settles it from the callback outcome.
func (e *Engine) invokeMutate(
	ctx context.Context,
	logger *slog.Logger,
	run *models.HandlerRun,
	mutation *models.Mutation,
	handler script.ConsumerHandler,
) (bool, error) {
	intent := run.PrepareResult.Mutation
	if intent == nil {
		// The script has a mutate capability but declared no call for
		// this run.
		run.Phase = models.PhaseMutated

		return false, e.saveRun(ctx, run)
	}

	mutator, ok := handler.(script.Mutator)
	if !ok {
		return true, e.failConsumer(ctx, logger, run, models.ErrorTypeLogic,
			fmt.Errorf("handler %s declared a mutation but implements no mutate callback", run.HandlerName))
	}

	if mutation == nil {
		mutation = &models.Mutation{
			ID:             uuid.New().String(),
			HandlerRunID:   run.ID,
			Tool:           intent.Tool,
			Method:         intent.Method,
			Params:         intent.Params,
			IdempotencyKey: intent.IdempotencyKey,
			Status:         models.MutationStatusPending,
		}

		err := e.persistence.Mutations().Create(ctx, mutation)
		if errors.Is(err, persistence.ErrMutationExists) {
			// Concurrent re-entry on the same run; re-read and let the
			// decision table rule.
			return false, nil
		} else if err != nil {
			return true, fmt.Errorf("failed to create mutation for run %s: %w", run.ID, err)
		}
	}

	// The in-flight mark must land before the external call so a crash
	// mid-call is never retried blindly.
	mutation.Status = models.MutationStatusInFlight
	if err := e.persistence.Mutations().Save(ctx, mutation); err != nil {
		return true, fmt.Errorf("failed to mark mutation %s in flight: %w", mutation.ID, err)
	}

	result, err := mutator.Mutate(ctx, script.MutateInput{
		WorkflowID:     run.WorkflowID,
		HandlerName:    run.HandlerName,
		Data:           run.PrepareResult.Data,
		Tool:           intent.Tool,
		Method:         intent.Method,
		Params:         intent.Params,
		IdempotencyKey: intent.IdempotencyKey,
	})

	switch {
	case err == nil:
		mutation.Status = models.MutationStatusApplied
		mutation.Result = result

		if err := e.persistence.Mutations().Save(ctx, mutation); err != nil {
			return true, fmt.Errorf("failed to mark mutation %s applied: %w", mutation.ID, err)
		}

		run.Phase = models.PhaseMutated

		return false, e.saveRun(ctx, run)

	case script.IsIndeterminate(err):
		now := time.Now().UTC()
		mutation.Status = models.MutationStatusIndeterminate
		mutation.Error = err.Error()
		mutation.NextReconcileAt = &now

		if err := e.persistence.Mutations().Save(ctx, mutation); err != nil {
			return true, fmt.Errorf("failed to mark mutation %s indeterminate: %w", mutation.ID, err)
		}

		return true, e.pauseForReconciliation(ctx, logger, run, mutation)

	default:
		mutation.Status = models.MutationStatusFailed
		mutation.Error = err.Error()

		if err := e.persistence.Mutations().Save(ctx, mutation); err != nil {
			return true, fmt.Errorf("failed to mark mutation %s failed: %w", mutation.ID, err)
		}

		return true, e.failConsumer(ctx, logger, run, models.ErrorTypeLogic,
			fmt.Errorf("mutation failed: %w", err))
	}
}

// stepEmitting invokes next, publishes its events and commits. Next must
// produce stable message ids: republishing after a crash is a no-op only
// when the ids match.
func (e *Engine) stepEmitting(
	ctx context.Context,
	logger *slog.Logger,
	run *models.HandlerRun,
	workflow *models.Workflow,
	consumerConfig *models.ConsumerConfig,
	handler script.ConsumerHandler,
) error {
	nexter, ok := handler.(script.Nexter)
	if !ok {
		return e.failConsumer(ctx, logger, run, models.ErrorTypeLogic,
			fmt.Errorf("handler %s declares publishes but implements no next callback", run.HandlerName))
	}

	reserved, err := e.persistence.Events().ListByHandlerRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list events for run %s: %w", run.ID, err)
	}

	var mutationResult []byte

	mutation, err := e.persistence.Mutations().GetByHandlerRun(ctx, run.ID)
	if err == nil {
		mutationResult = mutation.Result
	} else if !errors.Is(err, persistence.ErrMutationNotFound) {
		return fmt.Errorf("failed to load mutation for run %s: %w", run.ID, err)
	}

	messages, err := nexter.Next(ctx, script.NextInput{
		WorkflowID:     run.WorkflowID,
		HandlerName:    run.HandlerName,
		Data:           run.PrepareResult.Data,
		MutationResult: mutationResult,
		Reserved:       reserved,
	})
	if err != nil {
		return e.failConsumer(ctx, logger, run, script.Classify(err), err)
	}

	if err := e.publishMessages(ctx, run, workflow, messages, consumerConfig.Publishes); err != nil {
		return e.failConsumer(ctx, logger, run, models.ErrorTypeLogic, err)
	}

	return e.commitConsumer(ctx, logger, run)
}

// commitConsumer flips the run's reserved events to consumed and records
// the terminal commit.
func (e *Engine) commitConsumer(ctx context.Context, logger *slog.Logger, run *models.HandlerRun) error {
	if err := e.persistence.Events().ConsumeByRun(ctx, run.ID); err != nil {
		return fmt.Errorf("failed to consume events for run %s: %w", run.ID, err)
	}

	now := time.Now().UTC()
	run.Phase = models.PhaseCommitted
	run.Status = models.StatusCommitted
	run.FinishedAt = &now

	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Consumer committed")

	return nil
}

// pauseForReconciliation halts the run without failing it. The phase stays
// at mutating; resumption goes through the reconciler or a user decision.
func (e *Engine) pauseForReconciliation(ctx context.Context, logger *slog.Logger, run *models.HandlerRun, mutation *models.Mutation) error {
	run.Status = models.StatusPausedReconciliation
	run.Error = indeterminateMutationError
	run.ErrorType = ""

	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	if mutation != nil && mutation.NextReconcileAt == nil {
		now := time.Now().UTC()
		mutation.NextReconcileAt = &now

		if err := e.persistence.Mutations().Save(ctx, mutation); err != nil {
			return fmt.Errorf("failed to schedule reconciliation for mutation %s: %w", mutation.ID, err)
		}
	}

	if e.bus != nil && mutation != nil {
		event := events.MutationPaused{
			BaseEvent:    events.NewBaseEvent(events.MutationPausedEvent, run.WorkflowID),
			MutationID:   mutation.ID,
			HandlerRunID: run.ID,
		}

		if err := e.bus.Publish(ctx, run.WorkflowID, event); err != nil {
			e.logger.ErrorContext(ctx, "Failed to publish mutation paused event",
				"mutation_id", mutation.ID, "error", err)
		}
	}

	logger.WarnContext(ctx, "Run paused for reconciliation", "mutation_id", mutationID(mutation))

	return nil
}

func mutationID(mutation *models.Mutation) string {
	if mutation == nil {
		return ""
	}

	return mutation.ID
}

// failConsumer records a classified consumer failure. Reservations are
// released only when the ledger proves no side effect can be outstanding,
// so a retry run can pick the events up again.
func (e *Engine) failConsumer(ctx context.Context, logger *slog.Logger, run *models.HandlerRun, errorType models.ErrorType, cause error) error {
	if e.safeToRelease(ctx, run) {
		if err := e.persistence.Events().ReleaseByRun(ctx, run.ID); err != nil {
			return fmt.Errorf("failed to release events for run %s: %w", run.ID, err)
		}
	}

	now := time.Now().UTC()
	run.Phase = models.PhaseFailed
	run.Status = models.FailedStatus(errorType)
	run.Error = cause.Error()
	run.ErrorType = errorType
	run.FinishedAt = &now

	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	logger.ErrorContext(ctx, "Consumer failed", "error_type", errorType, "error", cause)

	return nil
}

// safeToRelease reports whether the run's reservations can go back to
// pending: there is no mutation row, or its outcome is settled as failed.
func (e *Engine) safeToRelease(ctx context.Context, run *models.HandlerRun) bool {
	mutation, err := e.persistence.Mutations().GetByHandlerRun(ctx, run.ID)
	if errors.Is(err, persistence.ErrMutationNotFound) {
		return true
	}

	if err != nil {
		return false
	}

	return mutation.Status == models.MutationStatusFailed
}

// consumerConfig resolves the workflow and the consumer entry for the run.
func (e *Engine) consumerConfig(ctx context.Context, run *models.HandlerRun) (*models.Workflow, *models.ConsumerConfig, error) {
	workflow, err := e.persistence.Workflows().GetByID(ctx, run.WorkflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow %s missing: %w", run.WorkflowID, err)
	}

	if workflow.HandlerConfig == nil {
		return nil, nil, fmt.Errorf("workflow %s has no handler configuration", run.WorkflowID)
	}

	consumerConfig, ok := workflow.HandlerConfig.Consumers[run.HandlerName]
	if !ok {
		return nil, nil, fmt.Errorf("consumer %s not declared by workflow %s", run.HandlerName, run.WorkflowID)
	}

	return workflow, &consumerConfig, nil
}
