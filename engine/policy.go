package engine

import "github.com/micromdm/nanoupdate/workflow"

// ShouldReport filters states before they are promoted to the twin.
// Only the documented reported states are ever emitted; anything else
// (legacy wire values, internal transients) is dropped.
func ShouldReport(state workflow.UpdateState) bool {
	return state.Valid()
}
