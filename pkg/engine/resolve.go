package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/events"
	"github.com/stokehq/stoke/pkg/models"
)

// ErrMutationSettled indicates a resolve request against a mutation whose
// outcome is already known. Resolutions are terminal and cannot be redone.
var ErrMutationSettled = errors.New("mutation already settled")

// ResolveMutation applies a human decision to an unsettled mutation. Both
// actions are terminal for the mutation and neither resumes the workflow;
// resumption is an explicit separate action.
//
//   - did_not_happen: the effect is known not to have occurred. The mutation
//     is marked failed, the run fails, and its reserved events go back to
//     pending for reprocessing.
//   - skip: the step is written off. The mutation is marked failed, the
//     reserved events are skipped permanently, and the run advances to
//     committed as if the step completed.
func (e *Engine) ResolveMutation(ctx context.Context, mutationID, action, resolvedBy string) (*Result, error) {
	mutation, err := e.persistence.Mutations().GetByID(ctx, mutationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mutation %s: %w", mutationID, err)
	}

	if mutation.Status.IsSettled() {
		return nil, fmt.Errorf("mutation %s is already resolved as %s: %w", mutationID, mutation.Status, ErrMutationSettled)
	}

	run, err := e.persistence.HandlerRuns().GetByID(ctx, mutation.HandlerRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load handler run %s: %w", mutation.HandlerRunID, err)
	}

	now := time.Now().UTC()

	mutation.Status = models.MutationStatusFailed
	mutation.ResolvedBy = resolvedBy
	mutation.ResolvedAt = &now
	mutation.NextReconcileAt = nil

	switch action {
	case models.ResolveActionDidNotHappen:
		mutation.Error = "resolved: effect did not happen"

		if err := e.persistence.Mutations().Save(ctx, mutation); err != nil {
			return nil, fmt.Errorf("failed to resolve mutation %s: %w", mutationID, err)
		}

		if err := e.persistence.Events().ReleaseByRun(ctx, run.ID); err != nil {
			return nil, fmt.Errorf("failed to release events for run %s: %w", run.ID, err)
		}

		run.Phase = models.PhaseFailed
		run.Status = models.FailedStatus(models.ErrorTypeLogic)
		run.Error = "mutation did not happen"
		run.ErrorType = models.ErrorTypeLogic

	case models.ResolveActionSkip:
		mutation.Error = "resolved: skipped by user"

		if err := e.persistence.Mutations().Save(ctx, mutation); err != nil {
			return nil, fmt.Errorf("failed to resolve mutation %s: %w", mutationID, err)
		}

		if err := e.persistence.Events().SkipByRun(ctx, run.ID); err != nil {
			return nil, fmt.Errorf("failed to skip events for run %s: %w", run.ID, err)
		}

		run.Phase = models.PhaseCommitted
		run.Status = models.StatusCommitted
		run.Error = ""

	default:
		return nil, fmt.Errorf("unknown resolve action %q", action)
	}

	run.ResolvedBy = resolvedBy
	run.ResolvedAt = &now
	run.FinishedAt = &now

	if err := e.saveRun(ctx, run); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Mutation resolved",
		"mutation_id", mutationID, "action", action, "resolved_by", resolvedBy)

	if e.bus != nil {
		event := events.MutationResolved{
			BaseEvent:    events.NewBaseEvent(events.MutationResolvedEvent, run.WorkflowID),
			MutationID:   mutationID,
			HandlerRunID: run.ID,
			Status:       mutation.Status,
			ResolvedBy:   resolvedBy,
		}

		if err := e.bus.Publish(ctx, run.WorkflowID, event); err != nil {
			e.logger.ErrorContext(ctx, "Failed to publish mutation resolved event",
				"mutation_id", mutationID, "error", err)
		}
	}

	return resultOf(run), nil
}

// SuspendRun parks a non-terminal run, e.g. when its workflow is disabled
// mid-flight. Suspended is terminal: the run never resumes.
func (e *Engine) SuspendRun(ctx context.Context, runID, reason string) error {
	run, err := e.persistence.HandlerRuns().GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load handler run %s: %w", runID, err)
	}

	if run.IsTerminal() {
		return fmt.Errorf("run %s is already terminal (%s)", runID, run.Phase)
	}

	now := time.Now().UTC()
	run.Phase = models.PhaseSuspended
	run.Error = reason
	run.FinishedAt = &now

	return e.saveRun(ctx, run)
}

// ActivateScript validates nothing itself: it records an already validated
// script version as the workflow's active one, stores the derived handler
// configuration and rebuilds the producer schedules.
func (e *Engine) ActivateScript(ctx context.Context, workflowID string, scriptObj *models.Script) error {
	if scriptObj.Config == nil {
		return fmt.Errorf("script %s has no validated configuration", scriptObj.ID)
	}

	if err := e.persistence.Scripts().Save(ctx, scriptObj); err != nil {
		return fmt.Errorf("failed to save script: %w", err)
	}

	if err := e.persistence.Workflows().ActivateScript(ctx, workflowID, scriptObj.ID, scriptObj.Config); err != nil {
		return fmt.Errorf("failed to activate script on workflow %s: %w", workflowID, err)
	}

	// Topics are created implicitly the first time a declaring script is
	// activated.
	for _, topicName := range scriptObj.Config.Topics {
		if _, err := e.persistence.Events().EnsureTopic(ctx, workflowID, topicName); err != nil {
			return fmt.Errorf("failed to create topic %q: %w", topicName, err)
		}
	}

	if err := e.persistence.Schedules().DeleteByWorkflow(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to clear schedules for workflow %s: %w", workflowID, err)
	}

	for name, producer := range scriptObj.Config.Producers {
		scheduleID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate schedule id: %w", err)
		}

		schedule, err := models.NewSchedule(scheduleID.String(), workflowID, name, producer.Schedule)
		if err != nil {
			return fmt.Errorf("failed to build schedule for producer %s: %w", name, err)
		}

		if err := e.persistence.Schedules().Save(ctx, schedule); err != nil {
			return fmt.Errorf("failed to save schedule for producer %s: %w", name, err)
		}
	}

	return nil
}
