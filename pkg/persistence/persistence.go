package persistence

import (
	"context"
	"time"

	"github.com/stokehq/stoke/pkg/models"
)

// Persistence is the facade over the engine's durable resources. Each
// implementation provides per-entity repositories sharing one backing store.
type Persistence interface {
	Workflows() WorkflowRepository
	Scripts() ScriptRepository
	Sessions() SessionRepository
	HandlerRuns() HandlerRunRepository
	Events() EventRepository
	Mutations() MutationRepository
	HandlerStates() HandlerStateRepository
	Schedules() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflows. The engine only touches the
// maintenance fields, the active script pointer and the handler config.
type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error

	// SetMaintenance flips the maintenance flag and fix-attempt counter
	// without touching the rest of the row.
	SetMaintenance(ctx context.Context, id string, maintenance bool, fixAttempts int) error

	// ActivateScript points the workflow at a new active script version
	// and stores its derived handler configuration.
	ActivateScript(ctx context.Context, id, scriptID string, config *models.HandlerConfig) error
}

// ScriptRepository stores immutable script versions.
type ScriptRepository interface {
	GetByID(ctx context.Context, id string) (*models.Script, error)
	Save(ctx context.Context, script *models.Script) error
}

// SessionRepository stores script execution passes.
type SessionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Session, error)
	IncrementHandlerCount(ctx context.Context, id string) error
}

// HandlerRunRepository stores handler runs.
type HandlerRunRepository interface {
	GetByID(ctx context.Context, id string) (*models.HandlerRun, error)
	Save(ctx context.Context, run *models.HandlerRun) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.HandlerRun, error)
}

// EventRepository stores topics and events and implements the reservation
// protocol. Reserve is all-or-nothing: if any requested event is not
// pending, no event is reserved and ErrEventNotReservable is returned.
type EventRepository interface {
	EnsureTopic(ctx context.Context, workflowID, name string) (*models.Topic, error)
	TopicByName(ctx context.Context, workflowID, name string) (*models.Topic, error)

	// Publish is idempotent on (topic, message_id): publishing the same
	// message id twice returns the existing event unchanged.
	Publish(ctx context.Context, event *models.Event) (*models.Event, error)

	GetByID(ctx context.Context, id string) (*models.Event, error)
	ListPending(ctx context.Context, topicID string) ([]*models.Event, error)

	// Reserve is idempotent for the requesting run: events it already
	// holds count as reserved, so crash recovery can repeat the call.
	Reserve(ctx context.Context, runID string, eventIDs []string) error

	// ConsumeByRun flips every event reserved by the run to consumed.
	ConsumeByRun(ctx context.Context, runID string) error

	// ReleaseByRun flips every event reserved by the run back to pending
	// so another run may reserve them.
	ReleaseByRun(ctx context.Context, runID string) error

	// SkipByRun flips every event reserved by the run to skipped,
	// permanently.
	SkipByRun(ctx context.Context, runID string) error

	// ListByHandlerRun returns the events created by or reserved by the
	// given run.
	ListByHandlerRun(ctx context.Context, runID string) ([]*models.Event, error)
}

// MutationRepository stores the mutation ledger. Create enforces at most one
// mutation per handler run and returns ErrMutationExists on conflict.
type MutationRepository interface {
	Create(ctx context.Context, mutation *models.Mutation) error
	Save(ctx context.Context, mutation *models.Mutation) error
	GetByID(ctx context.Context, id string) (*models.Mutation, error)
	GetByHandlerRun(ctx context.Context, runID string) (*models.Mutation, error)

	// ListDueReconcile returns mutations whose next_reconcile_at is at or
	// before now, oldest first, up to limit.
	ListDueReconcile(ctx context.Context, now time.Time, limit int) ([]*models.Mutation, error)
}

// HandlerStateRepository stores per-handler checkpoints, unique per
// (workflow, handler name). Put overwrites atomically.
type HandlerStateRepository interface {
	Get(ctx context.Context, workflowID, handlerName string) (*models.HandlerState, error)
	Put(ctx context.Context, state *models.HandlerState) error
}

// ScheduleRepository stores producer schedules for the poller.
type ScheduleRepository interface {
	GetByID(ctx context.Context, id string) (*models.Schedule, error)
	Save(ctx context.Context, schedule *models.Schedule) error
	ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	DeleteByWorkflow(ctx context.Context, workflowID string) error
}
