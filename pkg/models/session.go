package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusDone    SessionStatus = "done"
	SessionStatusFailed  SessionStatus = "failed"

	// SessionStatusWaiting marks a session halted on a paused handler run
	// awaiting mutation reconciliation.
	SessionStatusWaiting SessionStatus = "waiting"
)

// TriggerKind identifies what started a session.
type TriggerKind string

const (
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindEvent    TriggerKind = "event"
	TriggerKindManual   TriggerKind = "manual"
)

// Session is one execution pass of a script, grouping the handler runs it
// triggers. Failed sessions chain into retry lineages via RetryOf.
type Session struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id" validate:"required"`
	ScriptID   string `json:"script_id"`

	Status      SessionStatus `json:"status"`
	TriggerKind TriggerKind   `json:"trigger_kind"`

	HandlerRunCount int   `json:"handler_run_count"`
	CostMicros      int64 `json:"cost_micros"`

	RetryOf    string `json:"retry_of,omitempty"`
	RetryCount int    `json:"retry_count"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the session reached a final status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusDone || s == SessionStatusFailed
}
