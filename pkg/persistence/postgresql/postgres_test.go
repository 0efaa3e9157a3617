//go:build integration
// +build integration

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

var postgresContainer *postgres.PostgresContainer

func TestMain(m *testing.M) {
	code := m.Run()

	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

// setupTestDB boots (or reuses) a PostgreSQL container, runs migrations and
// truncates all tables.
func setupTestDB(t *testing.T) (*Persistence, context.Context) {
	ctx := context.Background()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("stoke_test"),
			postgres.WithUsername("stoke"),
			postgres.WithPassword("stoke"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	cleanupDB(t, databaseURL)

	t.Cleanup(func() {
		_ = p.Close(ctx)
	})

	return p, ctx
}

func cleanupDB(t *testing.T, databaseURL string) {
	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(context.Background(),
		`TRUNCATE TABLE mutations, events, topics, handler_states, handler_runs, sessions, schedules, scripts, workflows CASCADE`)
	require.NoError(t, err)
}

func seedWorkflow(t *testing.T, ctx context.Context, p *Persistence) *models.Workflow {
	t.Helper()

	workflow := &models.Workflow{
		ID:     uuid.New().String(),
		Name:   "integration workflow",
		Status: models.WorkflowStatusActive,
		HandlerConfig: &models.HandlerConfig{
			Topics: []string{"items"},
			Producers: map[string]models.ProducerConfig{
				"fetch": {Publishes: []string{"items"}},
			},
		},
	}
	require.NoError(t, p.Workflows().Save(ctx, workflow))

	return workflow
}

func seedRun(t *testing.T, ctx context.Context, p *Persistence, workflowID string) *models.HandlerRun {
	t.Helper()

	session := &models.Session{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      models.SessionStatusRunning,
		TriggerKind: models.TriggerKindManual,
	}
	require.NoError(t, p.Sessions().Save(ctx, session))

	run := &models.HandlerRun{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		SessionID:   session.ID,
		HandlerType: models.HandlerTypeConsumer,
		HandlerName: "handle",
		Phase:       models.PhasePending,
		Status:      models.StatusPending,
	}
	require.NoError(t, p.HandlerRuns().Save(ctx, run))

	return run
}

func TestHealthCheck(t *testing.T) {
	p, ctx := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestWorkflowRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := seedWorkflow(t, ctx, p)

	stored, err := p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, stored.Name)
	require.NotNil(t, stored.HandlerConfig)
	assert.Equal(t, []string{"items"}, stored.HandlerConfig.Topics)

	_, err = p.Workflows().GetByID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	require.NoError(t, p.Workflows().SetMaintenance(ctx, workflow.ID, true, 2))

	stored, err = p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, stored.Maintenance)
	assert.Equal(t, 2, stored.FixAttempts)
}

func TestHandlerRunRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := seedWorkflow(t, ctx, p)
	run := seedRun(t, ctx, p, workflow.ID)

	now := time.Now().UTC()
	run.Phase = models.PhaseMutating
	run.Status = models.StatusRunning
	run.StartedAt = &now
	run.PrepareResult = &models.PrepareResult{
		Reservations: []models.Reservation{{Topic: "items", EventIDs: []string{uuid.New().String()}}},
		Data:         json.RawMessage(`{"batch":1}`),
		Mutation:     &models.MutationIntent{Tool: "crm", Method: "create_contact"},
	}
	run.Logs = []string{"prepared"}
	require.NoError(t, p.HandlerRuns().Save(ctx, run))

	stored, err := p.HandlerRuns().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMutating, stored.Phase)
	require.NotNil(t, stored.PrepareResult)
	assert.Equal(t, "crm", stored.PrepareResult.Mutation.Tool)
	assert.Equal(t, []string{"prepared"}, stored.Logs)
	require.NotNil(t, stored.StartedAt)

	runs, err := p.HandlerRuns().ListBySession(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEventReservationProtocol(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := seedWorkflow(t, ctx, p)
	run := seedRun(t, ctx, p, workflow.ID)

	topic, err := p.Events().EnsureTopic(ctx, workflow.ID, "items")
	require.NoError(t, err)

	// EnsureTopic is idempotent.
	again, err := p.Events().EnsureTopic(ctx, workflow.ID, "items")
	require.NoError(t, err)
	assert.Equal(t, topic.ID, again.ID)

	first, err := p.Events().Publish(ctx, &models.Event{
		ID:            uuid.New().String(),
		TopicID:       topic.ID,
		MessageID:     "m-1",
		Payload:       json.RawMessage(`{"n":1}`),
		AttemptNumber: 1,
	})
	require.NoError(t, err)

	// Publishing the same message id returns the surviving row.
	duplicate, err := p.Events().Publish(ctx, &models.Event{
		ID:            uuid.New().String(),
		TopicID:       topic.ID,
		MessageID:     "m-1",
		AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, duplicate.ID)

	second, err := p.Events().Publish(ctx, &models.Event{
		ID:            uuid.New().String(),
		TopicID:       topic.ID,
		MessageID:     "m-2",
		AttemptNumber: 1,
	})
	require.NoError(t, err)

	// All-or-nothing: a conflicting event aborts the whole reservation.
	otherRun := seedRun(t, ctx, p, workflow.ID)
	require.NoError(t, p.Events().Reserve(ctx, otherRun.ID, []string{second.ID}))

	err = p.Events().Reserve(ctx, run.ID, []string{first.ID, second.ID})
	require.Error(t, err)

	var reservationErr *persistence.ReservationError
	require.ErrorAs(t, err, &reservationErr)
	assert.Equal(t, second.ID, reservationErr.EventID)

	stored, err := p.Events().GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, stored.Status)

	// Same-run re-reservation is idempotent.
	require.NoError(t, p.Events().Reserve(ctx, run.ID, []string{first.ID}))
	require.NoError(t, p.Events().Reserve(ctx, run.ID, []string{first.ID}))

	require.NoError(t, p.Events().ConsumeByRun(ctx, run.ID))

	stored, err = p.Events().GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusConsumed, stored.Status)

	// Release clears the holder.
	require.NoError(t, p.Events().ReleaseByRun(ctx, otherRun.ID))

	stored, err = p.Events().GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, stored.Status)
	assert.Empty(t, stored.ReservedByRunID)
}

func TestMutationLedger(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := seedWorkflow(t, ctx, p)
	run := seedRun(t, ctx, p, workflow.ID)

	mutation := &models.Mutation{
		ID:           uuid.New().String(),
		HandlerRunID: run.ID,
		Tool:         "crm",
		Method:       "create_contact",
		Params:       json.RawMessage(`{"name":"ada"}`),
		Status:       models.MutationStatusPending,
	}
	require.NoError(t, p.Mutations().Create(ctx, mutation))

	// One side-effect attempt per run, enforced by the unique index.
	err := p.Mutations().Create(ctx, &models.Mutation{
		ID:           uuid.New().String(),
		HandlerRunID: run.ID,
		Tool:         "crm",
		Method:       "create_contact",
	})
	assert.ErrorIs(t, err, persistence.ErrMutationExists)

	past := time.Now().UTC().Add(-time.Minute)
	mutation.Status = models.MutationStatusIndeterminate
	mutation.Error = "timeout"
	mutation.NextReconcileAt = &past
	require.NoError(t, p.Mutations().Save(ctx, mutation))

	due, err := p.Mutations().ListDueReconcile(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, mutation.ID, due[0].ID)

	found, err := p.Mutations().GetByHandlerRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusIndeterminate, found.Status)
	assert.Equal(t, "timeout", found.Error)

	mutation.Status = models.MutationStatusFailed
	mutation.NextReconcileAt = nil
	mutation.ResolvedBy = "ops"
	require.NoError(t, p.Mutations().Save(ctx, mutation))

	due, err = p.Mutations().ListDueReconcile(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestHandlerStateUpsert(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := seedWorkflow(t, ctx, p)

	state, err := p.HandlerStates().Get(ctx, workflow.ID, "fetch")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, p.HandlerStates().Put(ctx, &models.HandlerState{
		WorkflowID:  workflow.ID,
		HandlerName: "fetch",
		State:       json.RawMessage(`{"cursor":"a"}`),
	}))
	require.NoError(t, p.HandlerStates().Put(ctx, &models.HandlerState{
		WorkflowID:  workflow.ID,
		HandlerName: "fetch",
		State:       json.RawMessage(`{"cursor":"b"}`),
	}))

	state, err = p.HandlerStates().Get(ctx, workflow.ID, "fetch")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, json.RawMessage(`{"cursor":"b"}`), state.State)
}

func TestScheduleRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := seedWorkflow(t, ctx, p)

	schedule, err := models.NewSchedule(uuid.New().String(), workflow.ID, "fetch", models.ScheduleSpec{Interval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Schedules().Save(ctx, schedule))

	time.Sleep(5 * time.Millisecond)

	due, err := p.Schedules().ListDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "fetch", due[0].HandlerName)
	assert.Equal(t, time.Millisecond, due[0].Spec.Interval)

	require.NoError(t, p.Schedules().DeleteByWorkflow(ctx, workflow.ID))

	due, err = p.Schedules().ListDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSessionRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := seedWorkflow(t, ctx, p)

	session := &models.Session{
		ID:          uuid.New().String(),
		WorkflowID:  workflow.ID,
		Status:      models.SessionStatusRunning,
		TriggerKind: models.TriggerKindSchedule,
	}
	require.NoError(t, p.Sessions().Save(ctx, session))

	require.NoError(t, p.Sessions().IncrementHandlerCount(ctx, session.ID))
	require.NoError(t, p.Sessions().IncrementHandlerCount(ctx, session.ID))

	now := time.Now().UTC()
	session.Status = models.SessionStatusDone
	session.CostMicros = 40
	session.FinishedAt = &now
	require.NoError(t, p.Sessions().Save(ctx, session))

	stored, err := p.Sessions().GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDone, stored.Status)
	assert.Equal(t, 2, stored.HandlerRunCount)
	assert.Equal(t, int64(40), stored.CostMicros)

	sessions, err := p.Sessions().ListByWorkflow(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
