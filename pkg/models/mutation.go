package models

import (
	"encoding/json"
	"time"
)

// MutationStatus tracks the single external side-effect attempt of a run.
type MutationStatus string

const (
	MutationStatusPending  MutationStatus = "pending"
	MutationStatusInFlight MutationStatus = "in_flight"
	MutationStatusApplied  MutationStatus = "applied"
	MutationStatusFailed   MutationStatus = "failed"

	// MutationStatusIndeterminate marks an attempt whose outcome is
	// unknown, e.g. a timeout mid-call. The attempt must never be
	// retried blindly; reconciliation decides the true outcome.
	MutationStatusIndeterminate MutationStatus = "indeterminate"
)

// Resolution actions allowed on an indeterminate mutation.
const (
	ResolveActionDidNotHappen = "did_not_happen"
	ResolveActionSkip         = "skip"
)

// Mutation is the durable record of at most one external side-effect attempt
// per handler run (unique on HandlerRunID). Rows are never deleted.
type Mutation struct {
	ID           string `json:"id"`
	HandlerRunID string `json:"handler_run_id" validate:"required"`

	Tool           string          `json:"tool"   validate:"required"`
	Method         string          `json:"method" validate:"required"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	Status MutationStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	ReconcileAttempts int        `json:"reconcile_attempts"`
	LastReconcileAt   *time.Time `json:"last_reconcile_at,omitempty"`
	NextReconcileAt   *time.Time `json:"next_reconcile_at,omitempty"`

	// ResolvedBy records who decided the outcome of an indeterminate
	// attempt: "reconciler" or a user identifier.
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSettled reports whether the attempt reached a known outcome.
func (s MutationStatus) IsSettled() bool {
	return s == MutationStatusApplied || s == MutationStatusFailed
}
