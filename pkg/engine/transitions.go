package engine

import "github.com/stokehq/stoke/pkg/models"

// mutationDecision is what the driver does on entering the mutating phase,
// looked up from the stored mutation state. Encoding the rule as a table
// keeps "never retry an in-flight mutation" a single lookup instead of
// scattered conditionals.
type mutationDecision int

const (
	// decisionAdvance moves the run to mutated without an external call.
	decisionAdvance mutationDecision = iota

	// decisionInvoke performs the declared external call.
	decisionInvoke

	// decisionPause halts the run with paused:reconciliation. The
	// outcome of a previous attempt is unknown and must never be
	// re-invoked blindly.
	decisionPause

	// decisionFail terminates the run, surfacing the external error.
	decisionFail
)

// mutatingDecisions maps a stored mutation state to the driver's action.
// A pending row means the process crashed after creating the record but
// before the call was marked started, so invoking is still safe.
var mutatingDecisions = map[models.MutationStatus]mutationDecision{
	models.MutationStatusPending:       decisionInvoke,
	models.MutationStatusInFlight:      decisionPause,
	models.MutationStatusApplied:       decisionAdvance,
	models.MutationStatusFailed:        decisionFail,
	models.MutationStatusIndeterminate: decisionPause,
}

// decideMutating resolves the decision for the run's consumer config and
// the mutation row state ("" when no row exists yet).
func decideMutating(status models.MutationStatus, hasMutate bool) mutationDecision {
	if status == "" {
		if hasMutate {
			return decisionInvoke
		}

		return decisionAdvance
	}

	return mutatingDecisions[status]
}
