// Package memory provides an in-memory persistence implementation used by
// unit tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// Persistence implements persistence.Persistence on mutex-guarded maps.
type Persistence struct {
	mu sync.Mutex

	workflows     map[string]*models.Workflow
	scripts       map[string]*models.Script
	sessions      map[string]*models.Session
	handlerRuns   map[string]*models.HandlerRun
	topics        map[string]*models.Topic
	events        map[string]*models.Event
	mutations     map[string]*models.Mutation
	handlerStates map[string]*models.HandlerState
	schedules     map[string]*models.Schedule

	// insertion order for deterministic listings
	eventOrder   []string
	sessionOrder []string
	runOrder     []string
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows:     make(map[string]*models.Workflow),
		scripts:       make(map[string]*models.Script),
		sessions:      make(map[string]*models.Session),
		handlerRuns:   make(map[string]*models.HandlerRun),
		topics:        make(map[string]*models.Topic),
		events:        make(map[string]*models.Event),
		mutations:     make(map[string]*models.Mutation),
		handlerStates: make(map[string]*models.HandlerState),
		schedules:     make(map[string]*models.Schedule),
	}
}

func (p *Persistence) Workflows() persistence.WorkflowRepository         { return &workflowRepo{p} }
func (p *Persistence) Scripts() persistence.ScriptRepository             { return &scriptRepo{p} }
func (p *Persistence) Sessions() persistence.SessionRepository           { return &sessionRepo{p} }
func (p *Persistence) HandlerRuns() persistence.HandlerRunRepository     { return &handlerRunRepo{p} }
func (p *Persistence) Events() persistence.EventRepository               { return &eventRepo{p} }
func (p *Persistence) Mutations() persistence.MutationRepository         { return &mutationRepo{p} }
func (p *Persistence) HandlerStates() persistence.HandlerStateRepository { return &handlerStateRepo{p} }
func (p *Persistence) Schedules() persistence.ScheduleRepository         { return &scheduleRepo{p} }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

type workflowRepo struct{ p *Persistence }

func (r *workflowRepo) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	workflow, ok := r.p.workflows[id]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	clone := *workflow

	return &clone, nil
}

func (r *workflowRepo) Save(ctx context.Context, workflow *models.Workflow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if workflow.ID == "" {
		workflow.ID = newID()
	}

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	clone := *workflow
	r.p.workflows[workflow.ID] = &clone

	return nil
}

func (r *workflowRepo) SetMaintenance(ctx context.Context, id string, maintenance bool, fixAttempts int) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	workflow, ok := r.p.workflows[id]
	if !ok {
		return persistence.ErrWorkflowNotFound
	}

	workflow.Maintenance = maintenance
	workflow.FixAttempts = fixAttempts
	workflow.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *workflowRepo) ActivateScript(ctx context.Context, id, scriptID string, config *models.HandlerConfig) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	workflow, ok := r.p.workflows[id]
	if !ok {
		return persistence.ErrWorkflowNotFound
	}

	workflow.ActiveScriptID = scriptID
	workflow.HandlerConfig = config
	workflow.UpdatedAt = time.Now().UTC()

	return nil
}

type scriptRepo struct{ p *Persistence }

func (r *scriptRepo) GetByID(ctx context.Context, id string) (*models.Script, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	script, ok := r.p.scripts[id]
	if !ok {
		return nil, persistence.ErrScriptNotFound
	}

	clone := *script

	return &clone, nil
}

func (r *scriptRepo) Save(ctx context.Context, script *models.Script) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if script.ID == "" {
		script.ID = newID()
	}

	if script.CreatedAt.IsZero() {
		script.CreatedAt = time.Now().UTC()
	}

	clone := *script
	r.p.scripts[script.ID] = &clone

	return nil
}

type sessionRepo struct{ p *Persistence }

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	session, ok := r.p.sessions[id]
	if !ok {
		return nil, persistence.ErrSessionNotFound
	}

	clone := *session

	return &clone, nil
}

func (r *sessionRepo) Save(ctx context.Context, session *models.Session) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if session.ID == "" {
		session.ID = newID()
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	if _, ok := r.p.sessions[session.ID]; !ok {
		r.p.sessionOrder = append(r.p.sessionOrder, session.ID)
	}

	clone := *session
	r.p.sessions[session.ID] = &clone

	return nil
}

func (r *sessionRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Session, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	sessions := make([]*models.Session, 0)

	for _, id := range r.p.sessionOrder {
		session := r.p.sessions[id]
		if session.WorkflowID == workflowID {
			clone := *session
			sessions = append(sessions, &clone)
		}
	}

	return sessions, nil
}

func (r *sessionRepo) IncrementHandlerCount(ctx context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	session, ok := r.p.sessions[id]
	if !ok {
		return persistence.ErrSessionNotFound
	}

	session.HandlerRunCount++

	return nil
}

type handlerRunRepo struct{ p *Persistence }

func (r *handlerRunRepo) GetByID(ctx context.Context, id string) (*models.HandlerRun, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, ok := r.p.handlerRuns[id]
	if !ok {
		return nil, persistence.ErrHandlerRunNotFound
	}

	clone := *run

	return &clone, nil
}

func (r *handlerRunRepo) Save(ctx context.Context, run *models.HandlerRun) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if run.ID == "" {
		run.ID = newID()
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	if _, ok := r.p.handlerRuns[run.ID]; !ok {
		r.p.runOrder = append(r.p.runOrder, run.ID)
	}

	clone := *run
	r.p.handlerRuns[run.ID] = &clone

	return nil
}

func (r *handlerRunRepo) ListBySession(ctx context.Context, sessionID string) ([]*models.HandlerRun, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	runs := make([]*models.HandlerRun, 0)

	for _, id := range r.p.runOrder {
		run := r.p.handlerRuns[id]
		if run.SessionID == sessionID {
			clone := *run
			runs = append(runs, &clone)
		}
	}

	return runs, nil
}

type handlerStateRepo struct{ p *Persistence }

func stateKey(workflowID, handlerName string) string {
	return workflowID + "/" + handlerName
}

func (r *handlerStateRepo) Get(ctx context.Context, workflowID, handlerName string) (*models.HandlerState, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	state, ok := r.p.handlerStates[stateKey(workflowID, handlerName)]
	if !ok {
		return nil, nil
	}

	clone := *state

	return &clone, nil
}

func (r *handlerStateRepo) Put(ctx context.Context, state *models.HandlerState) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()

	clone := *state
	r.p.handlerStates[stateKey(state.WorkflowID, state.HandlerName)] = &clone

	return nil
}

type scheduleRepo struct{ p *Persistence }

func (r *scheduleRepo) GetByID(ctx context.Context, id string) (*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	schedule, ok := r.p.schedules[id]
	if !ok {
		return nil, persistence.ErrScheduleNotFound
	}

	clone := *schedule

	return &clone, nil
}

func (r *scheduleRepo) Save(ctx context.Context, schedule *models.Schedule) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if schedule.ID == "" {
		schedule.ID = newID()
	}

	clone := *schedule
	r.p.schedules[schedule.ID] = &clone

	return nil
}

func (r *scheduleRepo) ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	due := make([]*models.Schedule, 0)

	for _, schedule := range r.p.schedules {
		if schedule.IsDue(now) {
			clone := *schedule
			due = append(due, &clone)
		}
	}

	return due, nil
}

func (r *scheduleRepo) DeleteByWorkflow(ctx context.Context, workflowID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for id, schedule := range r.p.schedules {
		if schedule.WorkflowID == workflowID {
			delete(r.p.schedules, id)
		}
	}

	return nil
}
