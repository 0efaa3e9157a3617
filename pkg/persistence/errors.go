// Package persistence provides the data storage abstraction layer for the
// handler execution engine.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrScriptNotFound indicates a script version was not found.
	ErrScriptNotFound = errors.New("script not found")

	// ErrSessionNotFound indicates a session was not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrHandlerRunNotFound indicates a handler run was not found.
	ErrHandlerRunNotFound = errors.New("handler run not found")

	// ErrTopicNotFound indicates a topic was not found for the workflow.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrEventNotFound indicates an event was not found.
	ErrEventNotFound = errors.New("event not found")

	// ErrMutationNotFound indicates a mutation was not found.
	ErrMutationNotFound = errors.New("mutation not found")

	// ErrMutationExists indicates a mutation already exists for the
	// handler run. At most one side-effect attempt is allowed per run.
	ErrMutationExists = errors.New("mutation already exists for handler run")

	// ErrEventNotReservable indicates a reservation request named an
	// event that is not pending. Reservations are all-or-nothing, so the
	// whole request fails.
	ErrEventNotReservable = errors.New("event not reservable")

	// ErrScheduleNotFound indicates a schedule entry was not found.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// ReservationError wraps a failed reservation with the offending event id.
type ReservationError struct {
	RunID   string
	EventID string
	Err     error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("reservation for run %s failed on event %s: %v", e.RunID, e.EventID, e.Err)
}

func (e *ReservationError) Unwrap() error {
	return e.Err
}
