package domain

import "time"

// TaskDef stores metadata about a registered task, looked up at dispatch
// time. Name is the orchestration-level task name; DispatchName is what the
// execution engine routes on (they may differ).
type TaskDef struct {
	Name         string `json:"name"`
	DispatchName string `json:"dispatch_name"`
	// MaxRetries is the number of engine attempts after which a failure is
	// terminal. 0 means the first failure is terminal.
	MaxRetries int `json:"max_retries"`
}

// ShouldRetry reports whether attempt number attempt (1-indexed) may be
// retried by the engine before error callbacks fire.
func (d *TaskDef) ShouldRetry(attempt int) bool {
	return attempt <= d.MaxRetries
}

// AttemptRecord is one row of the execution journal: the outcome of a single
// engine attempt against a signature.
type AttemptRecord struct {
	ID           string    `json:"id"`
	SignatureKey string    `json:"signature_key"`
	TaskName     string    `json:"task_name"`
	WorkerTaskID string    `json:"worker_task_id"`
	Attempt      int       `json:"attempt"`
	Status       Status    `json:"status"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}
