// Package pipeline orchestrates one tenant run end to end: download,
// date split, spill merge, transform, upload, archive, reconcile. Range
// runs iterate the per-date phases; a failure aborts the remaining dates
// but already-archived dates stay archived.
package pipeline

// Phase is one step of the run state machine.
type Phase string

const (
	PhaseStart     Phase = "start"
	PhaseDownload  Phase = "download"
	PhaseSplit     Phase = "split"
	PhaseMerge     Phase = "merge"
	PhaseTransform Phase = "transform"
	PhaseUpload    Phase = "upload"
	PhaseArchive   Phase = "archive"
	PhaseReconcile Phase = "reconcile"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// ValidTransitions defines which phase transitions are allowed. The
// start→split edge is the skip-download path; reconcile→merge advances
// to the next date in range mode.
var ValidTransitions = map[Phase][]Phase{
	PhaseStart:     {PhaseDownload, PhaseSplit, PhaseFailed},
	PhaseDownload:  {PhaseSplit, PhaseFailed, PhaseCancelled},
	PhaseSplit:     {PhaseMerge, PhaseDone, PhaseFailed, PhaseCancelled},
	PhaseMerge:     {PhaseTransform, PhaseFailed, PhaseCancelled},
	PhaseTransform: {PhaseUpload, PhaseFailed, PhaseCancelled},
	PhaseUpload:    {PhaseArchive, PhaseFailed, PhaseCancelled},
	PhaseArchive:   {PhaseReconcile, PhaseFailed, PhaseCancelled},
	PhaseReconcile: {PhaseMerge, PhaseDone, PhaseFailed, PhaseCancelled},
	// Terminal states: done, failed, cancelled
}

// IsTerminal reports whether the phase is a terminal state.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCancelled
}

// CanTransitionTo checks whether a transition to target is valid.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, valid := range ValidTransitions[p] {
		if valid == target {
			return true
		}
	}
	return false
}
