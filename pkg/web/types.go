// Package web provides the HTTP API over the handler execution engine.
package web

// StartSessionRequest represents the request body for manually starting a
// session. Producer is optional: an empty value only drains the consumers.
type StartSessionRequest struct {
	Producer string `json:"producer"`
}

// ResolveMutationRequest represents the request body for resolving an
// unsettled mutation.
type ResolveMutationRequest struct {
	Action     string `json:"action"      validate:"required,oneof=did_not_happen skip"`
	ResolvedBy string `json:"resolved_by" validate:"required"`
}

// SuspendRunRequest represents the request body for suspending a run.
type SuspendRunRequest struct {
	Reason string `json:"reason" validate:"required"`
}
