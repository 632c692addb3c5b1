package core

import "errors"

var (
	// ErrInspection means the executable could not be read. The controller
	// resolves it with the fail-open or fail-closed verdict.
	ErrInspection = errors.New("file inspection failed")

	// ErrGenerationMismatch means the pid now belongs to a different
	// process than the one the action was meant for.
	ErrGenerationMismatch = errors.New("process generation changed")

	ErrNotSuspended = errors.New("process was not suspended by the agent")
)
