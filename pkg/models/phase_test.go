package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseIsTerminal(t *testing.T) {
	terminal := []Phase{PhaseCommitted, PhaseFailed, PhaseSuspended}
	for _, phase := range terminal {
		assert.True(t, phase.IsTerminal(), string(phase))
	}

	live := []Phase{PhasePending, PhaseExecuting, PhasePreparing, PhasePrepared, PhaseMutating, PhaseMutated, PhaseEmitting}
	for _, phase := range live {
		assert.False(t, phase.IsTerminal(), string(phase))
	}
}

func TestFailedStatus(t *testing.T) {
	status := FailedStatus(ErrorTypeNetwork)

	assert.Equal(t, Status("failed:network"), status)
	assert.True(t, status.IsFailed())
	assert.Equal(t, ErrorTypeNetwork, status.ErrorType())
	assert.True(t, status.Halts())
	assert.False(t, status.IsPaused())
}

func TestStatusPausedReconciliation(t *testing.T) {
	assert.True(t, StatusPausedReconciliation.IsPaused())
	assert.True(t, StatusPausedReconciliation.Halts())
	assert.False(t, StatusPausedReconciliation.IsFailed())
	assert.Empty(t, StatusPausedReconciliation.ErrorType())
}

func TestStatusNonHalting(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusRunning, StatusCommitted} {
		assert.False(t, status.Halts(), string(status))
		assert.False(t, status.IsFailed(), string(status))
	}
}

func TestHandlerRunIsTerminal(t *testing.T) {
	// Terminal by phase.
	assert.True(t, (&HandlerRun{Phase: PhaseCommitted, Status: StatusCommitted}).IsTerminal())

	// Terminal by failed status even when the phase is not: producers
	// fail in place at executing.
	assert.True(t, (&HandlerRun{Phase: PhaseExecuting, Status: FailedStatus(ErrorTypeNetwork)}).IsTerminal())

	// Paused is not terminal, the run resumes after resolution.
	assert.False(t, (&HandlerRun{Phase: PhaseMutating, Status: StatusPausedReconciliation}).IsTerminal())

	assert.False(t, (&HandlerRun{Phase: PhasePending, Status: StatusPending}).IsTerminal())
}

func TestMutationStatusIsSettled(t *testing.T) {
	assert.True(t, MutationStatusApplied.IsSettled())
	assert.True(t, MutationStatusFailed.IsSettled())

	assert.False(t, MutationStatusPending.IsSettled())
	assert.False(t, MutationStatusInFlight.IsSettled())
	assert.False(t, MutationStatusIndeterminate.IsSettled())
}

func TestPrepareResultAllEventIDs(t *testing.T) {
	result := &PrepareResult{
		Reservations: []Reservation{
			{Topic: "items", EventIDs: []string{"e-1", "e-2"}},
			{Topic: "out", EventIDs: []string{"e-3"}},
		},
	}

	assert.Equal(t, []string{"e-1", "e-2", "e-3"}, result.AllEventIDs())
	assert.Empty(t, (&PrepareResult{}).AllEventIDs())
}

func TestHandlerConfigPublishesTo(t *testing.T) {
	producer := ProducerConfig{Publishes: []string{"items", "audit"}}
	assert.True(t, producer.PublishesTo("items"))
	assert.False(t, producer.PublishesTo("ghost"))

	consumer := ConsumerConfig{Publishes: []string{"out"}}
	assert.True(t, consumer.PublishesTo("out"))
	assert.False(t, consumer.PublishesTo("items"))
}

func TestScheduleSpecIsZero(t *testing.T) {
	assert.True(t, ScheduleSpec{}.IsZero())
	assert.False(t, ScheduleSpec{Interval: 1}.IsZero())
	assert.False(t, ScheduleSpec{Cron: "* * * * *"}.IsZero())
}
