package analysis

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrEmptySource     = errors.New("source has no masked text")
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrNotResumable    = errors.New("job is not in a resumable status")
	ErrNotConsolidable = errors.New("job has no completed chunks to consolidate")
	ErrAlreadyRunning  = errors.New("job is already processing")
)

// PlanningError indicates a malformed chunking configuration or source.
// Planning failures are fatal; the job never starts.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string { return "chunk planning: " + e.Reason }
