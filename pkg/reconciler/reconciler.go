// Package reconciler resolves indeterminate mutations by querying the
// external system for the true outcome of the attempt.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// ResolvedBy value written on mutations settled by the background pass.
const ResolvedByReconciler = "reconciler"

// Outcome is the checker's verdict on one attempt.
type Outcome int

const (
	// OutcomeUnknown schedules another attempt with backoff.
	OutcomeUnknown Outcome = iota
	OutcomeApplied
	OutcomeFailed
)

// CheckResult carries the verdict plus the provider's answer.
type CheckResult struct {
	Outcome Outcome
	Result  json.RawMessage
	Err     string
}

// OutcomeChecker queries the external system for the true outcome of a
// mutation attempt, typically by looking up its idempotency key.
type OutcomeChecker interface {
	Check(ctx context.Context, mutation *models.Mutation) (*CheckResult, error)
}

// Policy tunes the reconciliation schedule. Both the attempt cap and the
// backoff curve are configuration, not constants.
type Policy struct {
	// MaxAttempts caps background attempts before the mutation is left
	// indeterminate awaiting human resolution.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns conservative reconciliation defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     10,
		InitialInterval: 30 * time.Second,
		MaxInterval:     30 * time.Minute,
	}
}

// nextInterval computes the delay before the given attempt number.
func (p Policy) nextInterval(attempts int) time.Duration {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	interval := expo.NextBackOff()
	for i := 0; i < attempts; i++ {
		interval = expo.NextBackOff()
	}

	return interval
}

// Reconciler polls the mutation ledger for due rows and settles what it can.
type Reconciler struct {
	persistence persistence.Persistence
	checker     OutcomeChecker
	policy      Policy
	interval    time.Duration
	batchSize   int
	logger      *slog.Logger
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(
	persistence persistence.Persistence,
	checker OutcomeChecker,
	policy Policy,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}

	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Reconciler{
		persistence: persistence,
		checker:     checker,
		policy:      policy,
		interval:    interval,
		batchSize:   50,
		logger:      logger.With("module", "reconciler"),
	}
}

// Start runs the polling loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "Reconciler started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Reconciler stopped")

			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.ErrorContext(ctx, "Reconciliation pass failed", "error", err)
			}
		}
	}
}

// Tick performs one reconciliation pass over the due mutations.
func (r *Reconciler) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	due, err := r.persistence.Mutations().ListDueReconcile(ctx, now, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list due mutations: %w", err)
	}

	for _, mutation := range due {
		if err := r.reconcile(ctx, mutation); err != nil {
			r.logger.ErrorContext(ctx, "Failed to reconcile mutation",
				"mutation_id", mutation.ID, "error", err)
		}
	}

	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, mutation *models.Mutation) error {
	logger := r.logger.With("mutation_id", mutation.ID, "handler_run_id", mutation.HandlerRunID)

	check, err := r.checker.Check(ctx, mutation)
	if err != nil {
		// Treat checker failures like an unknown outcome: back off and retry.
		logger.WarnContext(ctx, "Outcome check errored", "error", err)

		check = &CheckResult{Outcome: OutcomeUnknown}
	}

	now := time.Now().UTC()
	mutation.ReconcileAttempts++
	mutation.LastReconcileAt = &now

	switch check.Outcome {
	case OutcomeApplied:
		mutation.Status = models.MutationStatusApplied
		mutation.Result = check.Result
		mutation.ResolvedBy = ResolvedByReconciler
		mutation.ResolvedAt = &now
		mutation.NextReconcileAt = nil

		logger.InfoContext(ctx, "Mutation reconciled as applied", "attempts", mutation.ReconcileAttempts)

	case OutcomeFailed:
		mutation.Status = models.MutationStatusFailed
		mutation.Error = check.Err
		mutation.ResolvedBy = ResolvedByReconciler
		mutation.ResolvedAt = &now
		mutation.NextReconcileAt = nil

		logger.InfoContext(ctx, "Mutation reconciled as failed", "attempts", mutation.ReconcileAttempts)

	case OutcomeUnknown:
		mutation.Status = models.MutationStatusIndeterminate

		if mutation.ReconcileAttempts >= r.policy.MaxAttempts {
			// Attempt budget spent: leave the row indeterminate for a
			// human decision.
			mutation.NextReconcileAt = nil

			logger.WarnContext(ctx, "Reconciliation gave up, awaiting human resolution",
				"attempts", mutation.ReconcileAttempts)
		} else {
			next := now.Add(r.policy.nextInterval(mutation.ReconcileAttempts))
			mutation.NextReconcileAt = &next
		}
	}

	if err := r.persistence.Mutations().Save(ctx, mutation); err != nil {
		return fmt.Errorf("failed to save mutation %s: %w", mutation.ID, err)
	}

	return nil
}

// NoopChecker never resolves anything, for deployments that rely on human
// resolution only.
type NoopChecker struct{}

func (NoopChecker) Check(ctx context.Context, mutation *models.Mutation) (*CheckResult, error) {
	return &CheckResult{Outcome: OutcomeUnknown}, nil
}
