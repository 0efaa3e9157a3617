// Package models defines the core domain models for the handler execution engine.
package models

// HandlerType distinguishes the two kinds of handlers a script may declare.
type HandlerType string

const (
	HandlerTypeProducer HandlerType = "producer"
	HandlerTypeConsumer HandlerType = "consumer"
)

// Phase represents the position of a handler run inside its state machine.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseExecuting Phase = "executing" // producer only
	PhasePreparing Phase = "preparing"
	PhasePrepared  Phase = "prepared"
	PhaseMutating  Phase = "mutating"
	PhaseMutated   Phase = "mutated"
	PhaseEmitting  Phase = "emitting"
	PhaseCommitted Phase = "committed"
	PhaseFailed    Phase = "failed"
	PhaseSuspended Phase = "suspended"
)

// IsTerminal reports whether the phase is one of the three terminal phases.
func (p Phase) IsTerminal() bool {
	return p == PhaseCommitted || p == PhaseFailed || p == PhaseSuspended
}

// ErrorType classifies a handler run failure.
type ErrorType string

const (
	ErrorTypeLogic      ErrorType = "logic"      // script misconfiguration or handler bug
	ErrorTypeAuth       ErrorType = "auth"       // credential problem on an external provider
	ErrorTypePermission ErrorType = "permission" // authorized but not allowed
	ErrorTypeNetwork    ErrorType = "network"    // provider or infrastructure failure
	ErrorTypeInternal   ErrorType = "internal"   // engine bug, always surfaced
)

// Status is the finer-grained outcome tag carried next to Phase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCommitted Status = "committed"

	// StatusPausedReconciliation marks a run halted on a mutation whose
	// outcome is unknown. It is not a failure: the run resumes once the
	// mutation is resolved.
	StatusPausedReconciliation Status = "paused:reconciliation"
)

// FailedStatus builds the "failed:<errorType>" status for an error class.
func FailedStatus(errorType ErrorType) Status {
	return Status("failed:" + string(errorType))
}

// IsFailed reports whether the status carries a failure class.
func (s Status) IsFailed() bool {
	return len(s) > 7 && s[:7] == "failed:"
}

// IsPaused reports whether the status halts the run pending reconciliation.
func (s Status) IsPaused() bool {
	return s == StatusPausedReconciliation
}

// Halts reports whether the driver must stop advancing the run.
func (s Status) Halts() bool {
	return s.IsFailed() || s.IsPaused()
}

// ErrorType extracts the error class from a "failed:<errorType>" status.
func (s Status) ErrorType() ErrorType {
	if !s.IsFailed() {
		return ""
	}

	return ErrorType(s[7:])
}
