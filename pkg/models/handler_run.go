package models

import (
	"encoding/json"
	"time"
)

// HandlerRun is one invocation of a single named handler inside a session.
// It is created by the session orchestrator, mutated only by the state
// machine, and immutable once terminal except for the resolution fields
// written by reconciliation actions.
type HandlerRun struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id" validate:"required"`
	SessionID  string `json:"session_id"  validate:"required"`
	ScriptID   string `json:"script_id"`

	HandlerType HandlerType `json:"handler_type" validate:"required,oneof=producer consumer"`
	HandlerName string      `json:"handler_name" validate:"required"`

	Phase  Phase  `json:"phase"`
	Status Status `json:"status"`

	// RetryOf chains failed attempts: it points at the handler run this
	// one retries, forming a parent-pointer lineage back to the first
	// attempt.
	RetryOf string `json:"retry_of,omitempty"`

	// PrepareResult is the consumer's prepare output persisted verbatim,
	// so a crash after the preparing phase never re-invokes prepare.
	PrepareResult *PrepareResult `json:"prepare_result,omitempty"`

	// InputState and OutputState are opaque checkpoints kept for
	// debugging only.
	InputState  json.RawMessage `json:"input_state,omitempty"`
	OutputState json.RawMessage `json:"output_state,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	Logs      []string  `json:"logs,omitempty"`

	CostMicros int64 `json:"cost_micros"`

	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the run reached an outcome the driver must not
// advance past. A paused run is not terminal: it resumes once its mutation
// is resolved.
func (r *HandlerRun) IsTerminal() bool {
	return r.Phase.IsTerminal() || r.Status.IsFailed()
}

// PrepareResult is what a consumer's prepare callback returns: the events it
// wants reserved, grouped by topic, an opaque data blob handed to the later
// phases, and the external call the mutate phase intends to make.
type PrepareResult struct {
	Reservations []Reservation   `json:"reservations"`
	Data         json.RawMessage `json:"data,omitempty"`
	Mutation     *MutationIntent `json:"mutation,omitempty"`
}

// Reservation names the events to reserve on one topic.
type Reservation struct {
	Topic    string   `json:"topic"`
	EventIDs []string `json:"event_ids"`
}

// EventIDs returns every event id across all reservations.
func (p *PrepareResult) AllEventIDs() []string {
	var ids []string
	for _, res := range p.Reservations {
		ids = append(ids, res.EventIDs...)
	}

	return ids
}

// MutationIntent declares the external side effect a consumer run will
// attempt, recorded on the mutation ledger before the call is made.
type MutationIntent struct {
	Tool           string          `json:"tool"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}
