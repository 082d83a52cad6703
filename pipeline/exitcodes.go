package pipeline

import (
	"errors"

	"oiat.dev/common"
	"oiat.dev/runlock"
)

// Process exit codes of the orchestrator binary.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitBlocked      = 2 // lock held or invalid CLI usage
	ExitSpawnFailure = 3
	ExitReaped       = -1
)

// ErrCancelled is returned when the run stops at a cancellation point.
var ErrCancelled = errors.New("run cancelled")

// ExitCodeFor maps a run error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, runlock.ErrHeld) || common.KindOf(err) == common.KindLockHeld {
		return ExitBlocked
	}
	return ExitFailure
}
