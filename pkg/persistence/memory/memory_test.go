package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

func TestWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	workflow := &models.Workflow{
		Name:   "daily sync",
		Status: models.WorkflowStatusActive,
	}
	require.NoError(t, p.Workflows().Save(ctx, workflow))
	require.NotEmpty(t, workflow.ID)

	stored, err := p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily sync", stored.Name)

	_, err = p.Workflows().GetByID(ctx, "ghost")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestWorkflowSetMaintenance(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	workflow := &models.Workflow{Name: "daily sync", Status: models.WorkflowStatusActive}
	require.NoError(t, p.Workflows().Save(ctx, workflow))

	require.NoError(t, p.Workflows().SetMaintenance(ctx, workflow.ID, true, 2))

	stored, err := p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, stored.Maintenance)
	assert.Equal(t, 2, stored.FixAttempts)

	err = p.Workflows().SetMaintenance(ctx, "ghost", true, 1)
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestWorkflowActivateScript(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	workflow := &models.Workflow{Name: "daily sync", Status: models.WorkflowStatusActive}
	require.NoError(t, p.Workflows().Save(ctx, workflow))

	config := &models.HandlerConfig{Topics: []string{"items"}}
	require.NoError(t, p.Workflows().ActivateScript(ctx, workflow.ID, "script-2", config))

	stored, err := p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, "script-2", stored.ActiveScriptID)
	require.NotNil(t, stored.HandlerConfig)
	assert.Equal(t, []string{"items"}, stored.HandlerConfig.Topics)
}

func TestSessionListAndIncrement(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	first := &models.Session{WorkflowID: "wf-1", Status: models.SessionStatusRunning}
	second := &models.Session{WorkflowID: "wf-1", Status: models.SessionStatusRunning}
	other := &models.Session{WorkflowID: "wf-2", Status: models.SessionStatusRunning}

	require.NoError(t, p.Sessions().Save(ctx, first))
	require.NoError(t, p.Sessions().Save(ctx, second))
	require.NoError(t, p.Sessions().Save(ctx, other))

	sessions, err := p.Sessions().ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, p.Sessions().IncrementHandlerCount(ctx, first.ID))
	require.NoError(t, p.Sessions().IncrementHandlerCount(ctx, first.ID))

	stored, err := p.Sessions().GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.HandlerRunCount)

	err = p.Sessions().IncrementHandlerCount(ctx, "ghost")
	assert.ErrorIs(t, err, persistence.ErrSessionNotFound)
}

func TestHandlerRunListBySessionKeepsOrder(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, p.HandlerRuns().Save(ctx, &models.HandlerRun{
			ID:          id,
			WorkflowID:  "wf-1",
			SessionID:   "sess-1",
			HandlerType: models.HandlerTypeProducer,
			HandlerName: "fetch",
		}))
	}

	runs, err := p.HandlerRuns().ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "run-3", runs[2].ID)
}

func TestHandlerRunSaveIsolatesCaller(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	run := &models.HandlerRun{
		ID:          "run-1",
		WorkflowID:  "wf-1",
		SessionID:   "sess-1",
		HandlerType: models.HandlerTypeProducer,
		HandlerName: "fetch",
		Phase:       models.PhasePending,
	}
	require.NoError(t, p.HandlerRuns().Save(ctx, run))

	// Mutating the caller's struct after saving must not leak into the
	// store.
	run.Phase = models.PhaseCommitted

	stored, err := p.HandlerRuns().GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, stored.Phase)
}

func TestHandlerStateGetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	state, err := p.HandlerStates().Get(ctx, "wf-1", "fetch")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, p.HandlerStates().Put(ctx, &models.HandlerState{
		WorkflowID:  "wf-1",
		HandlerName: "fetch",
		State:       json.RawMessage(`{"cursor":"a"}`),
	}))

	state, err = p.HandlerStates().Get(ctx, "wf-1", "fetch")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, json.RawMessage(`{"cursor":"a"}`), state.State)

	// Put replaces the previous checkpoint.
	require.NoError(t, p.HandlerStates().Put(ctx, &models.HandlerState{
		WorkflowID:  "wf-1",
		HandlerName: "fetch",
		State:       json.RawMessage(`{"cursor":"b"}`),
	}))

	state, err = p.HandlerStates().Get(ctx, "wf-1", "fetch")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"cursor":"b"}`), state.State)
}

func TestScheduleListDueAndDelete(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	due, err := models.NewSchedule("sch-1", "wf-1", "fetch", models.ScheduleSpec{Interval: time.Millisecond})
	require.NoError(t, err)

	notDue, err := models.NewSchedule("sch-2", "wf-1", "slow", models.ScheduleSpec{Interval: time.Hour})
	require.NoError(t, err)

	inactive, err := models.NewSchedule("sch-3", "wf-2", "fetch", models.ScheduleSpec{Interval: time.Millisecond})
	require.NoError(t, err)
	inactive.Active = false

	require.NoError(t, p.Schedules().Save(ctx, due))
	require.NoError(t, p.Schedules().Save(ctx, notDue))
	require.NoError(t, p.Schedules().Save(ctx, inactive))

	found, err := p.Schedules().ListDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "sch-1", found[0].ID)

	require.NoError(t, p.Schedules().DeleteByWorkflow(ctx, "wf-1"))

	_, err = p.Schedules().GetByID(ctx, "sch-1")
	assert.ErrorIs(t, err, persistence.ErrScheduleNotFound)

	// The other workflow's entry survives.
	_, err = p.Schedules().GetByID(ctx, "sch-3")
	assert.NoError(t, err)
}
