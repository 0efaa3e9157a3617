package models

import (
	"encoding/json"
	"time"
)

// HandlerState is a small persisted checkpoint keyed by (workflow, handler),
// e.g. a producer's "last seen cursor". It is overwritten atomically on
// commit and tagged with the committing run for audit.
type HandlerState struct {
	WorkflowID       string          `json:"workflow_id"  validate:"required"`
	HandlerName      string          `json:"handler_name" validate:"required"`
	State            json.RawMessage `json:"state,omitempty"`
	CommittedByRunID string          `json:"committed_by_run_id"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
