package domain

// Status represents the states a signature can be in.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusSuspended   Status = "SUSPENDED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusCanceled    Status = "CANCELED"
	StatusDone        Status = "DONE"
	StatusFailed      Status = "FAILED"
)

// ShouldRun returns true if an execution attempt for this signature may
// proceed. Suspended, interrupted and canceled signatures refuse to run;
// the engine is asked to abort the in-flight attempt instead.
func (s Status) ShouldRun() bool {
	return s != StatusSuspended && s != StatusInterrupted && s != StatusCanceled
}

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// IsOverlay returns true for states that overlay a regular state and are
// restored from LastStatus on resume.
func (s Status) IsOverlay() bool {
	return s == StatusSuspended || s == StatusInterrupted || s == StatusCanceled
}
