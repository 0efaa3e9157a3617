package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence/memory"
)

type stubChecker struct {
	result *CheckResult
	err    error
	calls  int
}

func (c *stubChecker) Check(ctx context.Context, mutation *models.Mutation) (*CheckResult, error) {
	c.calls++

	return c.result, c.err
}

func newTestReconciler(p *memory.Persistence, checker OutcomeChecker, policy Policy) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewReconciler(p, checker, policy, time.Second, logger)
}

func seedDueMutation(t *testing.T, p *memory.Persistence, attempts int) *models.Mutation {
	t.Helper()

	past := time.Now().UTC().Add(-time.Minute)
	mutation := &models.Mutation{
		ID:                "mu-1",
		HandlerRunID:      "run-1",
		Tool:              "crm",
		Method:            "create_contact",
		Status:            models.MutationStatusIndeterminate,
		ReconcileAttempts: attempts,
		NextReconcileAt:   &past,
	}
	require.NoError(t, p.Mutations().Create(context.Background(), mutation))

	return mutation
}

func TestTickSettlesAppliedMutation(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()

	seedDueMutation(t, p, 0)

	checker := &stubChecker{result: &CheckResult{
		Outcome: OutcomeApplied,
		Result:  json.RawMessage(`{"contact_id":"c-7"}`),
	}}

	r := newTestReconciler(p, checker, DefaultPolicy())
	require.NoError(t, r.Tick(ctx))

	mutation, err := p.Mutations().GetByID(ctx, "mu-1")
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusApplied, mutation.Status)
	assert.Equal(t, json.RawMessage(`{"contact_id":"c-7"}`), mutation.Result)
	assert.Equal(t, ResolvedByReconciler, mutation.ResolvedBy)
	assert.NotNil(t, mutation.ResolvedAt)
	assert.Nil(t, mutation.NextReconcileAt)
	assert.Equal(t, 1, mutation.ReconcileAttempts)
	assert.Equal(t, 1, checker.calls)
}

func TestTickSettlesFailedMutation(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()

	seedDueMutation(t, p, 0)

	checker := &stubChecker{result: &CheckResult{
		Outcome: OutcomeFailed,
		Err:     "no record with idempotency key",
	}}

	r := newTestReconciler(p, checker, DefaultPolicy())
	require.NoError(t, r.Tick(ctx))

	mutation, err := p.Mutations().GetByID(ctx, "mu-1")
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusFailed, mutation.Status)
	assert.Equal(t, "no record with idempotency key", mutation.Error)
	assert.Equal(t, ResolvedByReconciler, mutation.ResolvedBy)
	assert.Nil(t, mutation.NextReconcileAt)
}

func TestTickUnknownOutcomeBacksOff(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()

	seedDueMutation(t, p, 0)

	checker := &stubChecker{result: &CheckResult{Outcome: OutcomeUnknown}}
	policy := Policy{MaxAttempts: 5, InitialInterval: time.Minute, MaxInterval: time.Hour}

	r := newTestReconciler(p, checker, policy)

	before := time.Now().UTC()
	require.NoError(t, r.Tick(ctx))

	mutation, err := p.Mutations().GetByID(ctx, "mu-1")
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusIndeterminate, mutation.Status)
	assert.Equal(t, 1, mutation.ReconcileAttempts)
	assert.NotNil(t, mutation.LastReconcileAt)
	require.NotNil(t, mutation.NextReconcileAt)

	// The next attempt is pushed out by at least the initial interval.
	assert.True(t, mutation.NextReconcileAt.After(before.Add(policy.InitialInterval-time.Second)))
}

func TestTickGivesUpAfterAttemptBudget(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()

	policy := Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Minute}
	seedDueMutation(t, p, policy.MaxAttempts-1)

	checker := &stubChecker{result: &CheckResult{Outcome: OutcomeUnknown}}
	r := newTestReconciler(p, checker, policy)

	require.NoError(t, r.Tick(ctx))

	mutation, err := p.Mutations().GetByID(ctx, "mu-1")
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusIndeterminate, mutation.Status)
	assert.Equal(t, policy.MaxAttempts, mutation.ReconcileAttempts)

	// No further background attempts, the row waits for a human.
	assert.Nil(t, mutation.NextReconcileAt)

	require.NoError(t, r.Tick(ctx))
	assert.Equal(t, 1, checker.calls)
}

func TestTickCheckerErrorTreatedAsUnknown(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()

	seedDueMutation(t, p, 0)

	checker := &stubChecker{err: errors.New("provider unreachable")}
	r := newTestReconciler(p, checker, DefaultPolicy())

	require.NoError(t, r.Tick(ctx))

	mutation, err := p.Mutations().GetByID(ctx, "mu-1")
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusIndeterminate, mutation.Status)
	assert.NotNil(t, mutation.NextReconcileAt)
}

func TestTickSkipsSettledAndFutureMutations(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, p.Mutations().Create(ctx, &models.Mutation{
		ID:              "mu-future",
		HandlerRunID:    "run-1",
		Tool:            "crm",
		Method:          "m",
		Status:          models.MutationStatusIndeterminate,
		NextReconcileAt: &future,
	}))

	checker := &stubChecker{result: &CheckResult{Outcome: OutcomeApplied}}
	r := newTestReconciler(p, checker, DefaultPolicy())

	require.NoError(t, r.Tick(ctx))
	assert.Zero(t, checker.calls)
}

func TestPolicyBackoffGrows(t *testing.T) {
	policy := Policy{MaxAttempts: 10, InitialInterval: time.Minute, MaxInterval: time.Hour}

	first := policy.nextInterval(1)
	second := policy.nextInterval(2)
	third := policy.nextInterval(3)

	assert.Greater(t, second, first)
	assert.Greater(t, third, second)
	assert.LessOrEqual(t, third, time.Hour)
}
