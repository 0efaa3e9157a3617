package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

func publish(t *testing.T, p *Persistence, topicID, messageID string) *models.Event {
	t.Helper()

	event, err := p.Events().Publish(context.Background(), &models.Event{
		TopicID:       topicID,
		MessageID:     messageID,
		AttemptNumber: 1,
	})
	require.NoError(t, err)

	return event
}

func TestEnsureTopicIdempotent(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	first, err := p.Events().EnsureTopic(ctx, "wf-1", "items")
	require.NoError(t, err)

	second, err := p.Events().EnsureTopic(ctx, "wf-1", "items")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Same name on another workflow is a distinct topic.
	other, err := p.Events().EnsureTopic(ctx, "wf-2", "items")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	found, err := p.Events().TopicByName(ctx, "wf-1", "items")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = p.Events().TopicByName(ctx, "wf-1", "ghost")
	assert.ErrorIs(t, err, persistence.ErrTopicNotFound)
}

func TestPublishIdempotentOnMessageID(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	topic, err := p.Events().EnsureTopic(ctx, "wf-1", "items")
	require.NoError(t, err)

	first := publish(t, p, topic.ID, "m-1")
	second := publish(t, p, topic.ID, "m-1")
	assert.Equal(t, first.ID, second.ID)

	pending, err := p.Events().ListPending(ctx, topic.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Republishing must not reset a consumed event.
	require.NoError(t, p.Events().Reserve(ctx, "run-1", []string{first.ID}))
	require.NoError(t, p.Events().ConsumeByRun(ctx, "run-1"))

	again := publish(t, p, topic.ID, "m-1")
	assert.Equal(t, models.EventStatusConsumed, again.Status)
}

func TestReserveAllOrNothing(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	topic, err := p.Events().EnsureTopic(ctx, "wf-1", "items")
	require.NoError(t, err)

	a := publish(t, p, topic.ID, "m-1")
	b := publish(t, p, topic.ID, "m-2")

	// b is already held by another run, the whole request must fail and a
	// must stay pending.
	require.NoError(t, p.Events().Reserve(ctx, "run-other", []string{b.ID}))

	err = p.Events().Reserve(ctx, "run-1", []string{a.ID, b.ID})
	require.Error(t, err)

	var reservationErr *persistence.ReservationError
	require.ErrorAs(t, err, &reservationErr)
	assert.Equal(t, "run-1", reservationErr.RunID)
	assert.Equal(t, b.ID, reservationErr.EventID)
	assert.ErrorIs(t, err, persistence.ErrEventNotReservable)

	stored, err := p.Events().GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, stored.Status)
}

func TestReserveUnknownEvent(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	err := p.Events().Reserve(ctx, "run-1", []string{"ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrEventNotFound)
}

func TestReserveIdempotentForSameRun(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	topic, err := p.Events().EnsureTopic(ctx, "wf-1", "items")
	require.NoError(t, err)

	event := publish(t, p, topic.ID, "m-1")

	require.NoError(t, p.Events().Reserve(ctx, "run-1", []string{event.ID}))

	// A crashed run re-reserving its own events is fine.
	require.NoError(t, p.Events().Reserve(ctx, "run-1", []string{event.ID}))

	// Anyone else is still locked out.
	err = p.Events().Reserve(ctx, "run-2", []string{event.ID})
	require.Error(t, err)
}

func TestFlipReservedTransitions(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	topic, err := p.Events().EnsureTopic(ctx, "wf-1", "items")
	require.NoError(t, err)

	consume := publish(t, p, topic.ID, "m-1")
	release := publish(t, p, topic.ID, "m-2")
	skip := publish(t, p, topic.ID, "m-3")

	require.NoError(t, p.Events().Reserve(ctx, "run-c", []string{consume.ID}))
	require.NoError(t, p.Events().Reserve(ctx, "run-r", []string{release.ID}))
	require.NoError(t, p.Events().Reserve(ctx, "run-s", []string{skip.ID}))

	require.NoError(t, p.Events().ConsumeByRun(ctx, "run-c"))
	require.NoError(t, p.Events().ReleaseByRun(ctx, "run-r"))
	require.NoError(t, p.Events().SkipByRun(ctx, "run-s"))

	stored, err := p.Events().GetByID(ctx, consume.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusConsumed, stored.Status)
	assert.Equal(t, "run-c", stored.ReservedByRunID)

	// Released events lose their holder so a new run can take them.
	stored, err = p.Events().GetByID(ctx, release.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, stored.Status)
	assert.Empty(t, stored.ReservedByRunID)

	stored, err = p.Events().GetByID(ctx, skip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusSkipped, stored.Status)
}

func TestListByHandlerRunIncludesCreatedAndReserved(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	topic, err := p.Events().EnsureTopic(ctx, "wf-1", "items")
	require.NoError(t, err)

	created, err := p.Events().Publish(ctx, &models.Event{
		TopicID:        topic.ID,
		MessageID:      "m-1",
		CreatedByRunID: "run-1",
		AttemptNumber:  1,
	})
	require.NoError(t, err)

	reserved := publish(t, p, topic.ID, "m-2")
	require.NoError(t, p.Events().Reserve(ctx, "run-1", []string{reserved.ID}))

	publish(t, p, topic.ID, "m-3") // unrelated

	events, err := p.Events().ListByHandlerRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, created.ID, events[0].ID)
	assert.Equal(t, reserved.ID, events[1].ID)
}

func TestMutationCreateUniquePerRun(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	mutation := &models.Mutation{
		ID:           "mu-1",
		HandlerRunID: "run-1",
		Tool:         "crm",
		Method:       "create_contact",
		Status:       models.MutationStatusPending,
	}
	require.NoError(t, p.Mutations().Create(ctx, mutation))

	err := p.Mutations().Create(ctx, &models.Mutation{
		ID:           "mu-2",
		HandlerRunID: "run-1",
		Tool:         "crm",
		Method:       "create_contact",
	})
	assert.ErrorIs(t, err, persistence.ErrMutationExists)

	found, err := p.Mutations().GetByHandlerRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "mu-1", found.ID)

	_, err = p.Mutations().GetByHandlerRun(ctx, "run-2")
	assert.ErrorIs(t, err, persistence.ErrMutationNotFound)
}

func TestMutationSaveUnknownRejected(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	err := p.Mutations().Save(ctx, &models.Mutation{ID: "ghost"})
	assert.ErrorIs(t, err, persistence.ErrMutationNotFound)
}

func TestListDueReconcile(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	seed := func(id, runID string, status models.MutationStatus, due *time.Time) {
		require.NoError(t, p.Mutations().Create(ctx, &models.Mutation{
			ID:              id,
			HandlerRunID:    runID,
			Tool:            "crm",
			Method:          "m",
			Status:          status,
			NextReconcileAt: due,
		}))
	}

	seed("due-indeterminate", "run-1", models.MutationStatusIndeterminate, &past)
	seed("due-in-flight", "run-2", models.MutationStatusInFlight, &past)
	seed("not-due-yet", "run-3", models.MutationStatusIndeterminate, &future)
	seed("settled", "run-4", models.MutationStatusFailed, &past)
	seed("never-scheduled", "run-5", models.MutationStatusIndeterminate, nil)

	due, err := p.Mutations().ListDueReconcile(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	ids := []string{due[0].ID, due[1].ID}
	assert.ElementsMatch(t, []string{"due-indeterminate", "due-in-flight"}, ids)

	limited, err := p.Mutations().ListDueReconcile(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
