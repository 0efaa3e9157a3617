package models

import (
	"encoding/json"
	"time"
)

// Topic is a named channel scoped to a workflow, unique per (workflow, name).
// Topics are created implicitly when a script declaring them is activated.
type Topic struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id" validate:"required"`
	Name       string    `json:"name"        validate:"required"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventStatus tracks a message through the reservation protocol.
type EventStatus string

const (
	EventStatusPending  EventStatus = "pending"
	EventStatusReserved EventStatus = "reserved"
	EventStatusConsumed EventStatus = "consumed"
	EventStatusSkipped  EventStatus = "skipped"
)

// Event is one message on a topic. MessageID is caller-supplied and unique
// per topic, which makes publishing idempotent.
type Event struct {
	ID        string `json:"id"`
	TopicID   string `json:"topic_id"   validate:"required"`
	MessageID string `json:"message_id" validate:"required"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Status  EventStatus     `json:"status"`

	CreatedByRunID  string `json:"created_by_run_id,omitempty"`
	ReservedByRunID string `json:"reserved_by_run_id,omitempty"`

	// CausedBy records the ids of the input events that triggered this
	// one, for lineage.
	CausedBy []string `json:"caused_by,omitempty"`

	// AttemptNumber tracks producer-level resend attempts. Consumer
	// retries never change it.
	AttemptNumber int `json:"attempt_number"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
