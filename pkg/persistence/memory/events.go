package memory

import (
	"context"
	"time"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

type eventRepo struct{ p *Persistence }

func topicKey(workflowID, name string) string {
	return workflowID + "/" + name
}

func (r *eventRepo) EnsureTopic(ctx context.Context, workflowID, name string) (*models.Topic, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := topicKey(workflowID, name)
	if topic, ok := r.p.topics[key]; ok {
		clone := *topic

		return &clone, nil
	}

	topic := &models.Topic{
		ID:         newID(),
		WorkflowID: workflowID,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	r.p.topics[key] = topic

	clone := *topic

	return &clone, nil
}

func (r *eventRepo) TopicByName(ctx context.Context, workflowID, name string) (*models.Topic, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	topic, ok := r.p.topics[topicKey(workflowID, name)]
	if !ok {
		return nil, persistence.ErrTopicNotFound
	}

	clone := *topic

	return &clone, nil
}

func (r *eventRepo) Publish(ctx context.Context, event *models.Event) (*models.Event, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	// Idempotent on (topic, message_id): return the existing event untouched.
	for _, id := range r.p.eventOrder {
		existing := r.p.events[id]
		if existing.TopicID == event.TopicID && existing.MessageID == event.MessageID {
			clone := *existing

			return &clone, nil
		}
	}

	now := time.Now().UTC()

	stored := *event
	if stored.ID == "" {
		stored.ID = newID()
	}

	stored.Status = models.EventStatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now

	r.p.events[stored.ID] = &stored
	r.p.eventOrder = append(r.p.eventOrder, stored.ID)

	clone := stored

	return &clone, nil
}

func (r *eventRepo) GetByID(ctx context.Context, id string) (*models.Event, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	event, ok := r.p.events[id]
	if !ok {
		return nil, persistence.ErrEventNotFound
	}

	clone := *event

	return &clone, nil
}

func (r *eventRepo) ListPending(ctx context.Context, topicID string) ([]*models.Event, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	events := make([]*models.Event, 0)

	for _, id := range r.p.eventOrder {
		event := r.p.events[id]
		if event.TopicID == topicID && event.Status == models.EventStatusPending {
			clone := *event
			events = append(events, &clone)
		}
	}

	return events, nil
}

// Reserve is all-or-nothing: every requested event must be pending, or no
// event changes state.
func (r *eventRepo) Reserve(ctx context.Context, runID string, eventIDs []string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, id := range eventIDs {
		event, ok := r.p.events[id]
		if !ok {
			return &persistence.ReservationError{RunID: runID, EventID: id, Err: persistence.ErrEventNotFound}
		}

		// An event already reserved by this run is fine: the previous
		// attempt crashed between reserving and recording the phase.
		if event.Status == models.EventStatusReserved && event.ReservedByRunID == runID {
			continue
		}

		if event.Status != models.EventStatusPending {
			return &persistence.ReservationError{RunID: runID, EventID: id, Err: persistence.ErrEventNotReservable}
		}
	}

	now := time.Now().UTC()

	for _, id := range eventIDs {
		event := r.p.events[id]
		event.Status = models.EventStatusReserved
		event.ReservedByRunID = runID
		event.UpdatedAt = now
	}

	return nil
}

func (r *eventRepo) ConsumeByRun(ctx context.Context, runID string) error {
	return r.flipReserved(runID, models.EventStatusConsumed, false)
}

func (r *eventRepo) ReleaseByRun(ctx context.Context, runID string) error {
	return r.flipReserved(runID, models.EventStatusPending, true)
}

func (r *eventRepo) SkipByRun(ctx context.Context, runID string) error {
	return r.flipReserved(runID, models.EventStatusSkipped, false)
}

func (r *eventRepo) flipReserved(runID string, to models.EventStatus, clearReserver bool) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	for _, event := range r.p.events {
		if event.Status == models.EventStatusReserved && event.ReservedByRunID == runID {
			event.Status = to
			event.UpdatedAt = now

			if clearReserver {
				event.ReservedByRunID = ""
			}
		}
	}

	return nil
}

func (r *eventRepo) ListByHandlerRun(ctx context.Context, runID string) ([]*models.Event, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	events := make([]*models.Event, 0)

	for _, id := range r.p.eventOrder {
		event := r.p.events[id]
		if event.CreatedByRunID == runID || event.ReservedByRunID == runID {
			clone := *event
			events = append(events, &clone)
		}
	}

	return events, nil
}

type mutationRepo struct{ p *Persistence }

func (r *mutationRepo) Create(ctx context.Context, mutation *models.Mutation) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, existing := range r.p.mutations {
		if existing.HandlerRunID == mutation.HandlerRunID {
			return persistence.ErrMutationExists
		}
	}

	now := time.Now().UTC()

	if mutation.ID == "" {
		mutation.ID = newID()
	}

	mutation.CreatedAt = now
	mutation.UpdatedAt = now

	clone := *mutation
	r.p.mutations[mutation.ID] = &clone

	return nil
}

func (r *mutationRepo) Save(ctx context.Context, mutation *models.Mutation) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.mutations[mutation.ID]; !ok {
		return persistence.ErrMutationNotFound
	}

	mutation.UpdatedAt = time.Now().UTC()

	clone := *mutation
	r.p.mutations[mutation.ID] = &clone

	return nil
}

func (r *mutationRepo) GetByID(ctx context.Context, id string) (*models.Mutation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	mutation, ok := r.p.mutations[id]
	if !ok {
		return nil, persistence.ErrMutationNotFound
	}

	clone := *mutation

	return &clone, nil
}

func (r *mutationRepo) GetByHandlerRun(ctx context.Context, runID string) (*models.Mutation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, mutation := range r.p.mutations {
		if mutation.HandlerRunID == runID {
			clone := *mutation

			return &clone, nil
		}
	}

	return nil, persistence.ErrMutationNotFound
}

func (r *mutationRepo) ListDueReconcile(ctx context.Context, now time.Time, limit int) ([]*models.Mutation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	due := make([]*models.Mutation, 0)

	for _, mutation := range r.p.mutations {
		if mutation.NextReconcileAt == nil || mutation.NextReconcileAt.After(now) {
			continue
		}

		if mutation.Status != models.MutationStatusIndeterminate && mutation.Status != models.MutationStatusInFlight {
			continue
		}

		clone := *mutation
		due = append(due, &clone)

		if limit > 0 && len(due) >= limit {
			break
		}
	}

	return due, nil
}
