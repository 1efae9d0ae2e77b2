// Package engine is the seam between the orchestration core and the
// underlying task execution engine. Dispatch is a Kafka publish of a Job
// envelope; delivery is at-least-once, so everything downstream of a Job is
// written to be idempotent.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TopicDispatch carries every task run request. Messages are keyed by
// signature key so retries of one entity stay on one partition.
const TopicDispatch = "mageflow.dispatch"

// GroupConductor is the consumer group the conductor service reads with.
const GroupConductor = "mageflow-conductor"

// Job is one run request for a signature, as serialized onto the dispatch
// topic.
type Job struct {
	// SignatureKey addresses the persisted signature this run belongs to.
	SignatureKey string `json:"signature_key"`
	// TaskName selects the registered handler.
	TaskName string `json:"task_name"`
	// Kwargs is the input snapshot taken at trigger time. The persisted
	// record remains authoritative; the snapshot only seeds the run.
	Kwargs map[string]any `json:"kwargs,omitempty"`
	// WorkerTaskID identifies this run. A redelivery of the same message
	// carries the same ID; a fresh trigger mints a new one.
	WorkerTaskID string `json:"worker_task_id"`
	// Attempt counts engine attempts for this signature, starting at 1.
	Attempt int `json:"attempt"`
	// Identifiers is the opaque metadata bag threaded through callbacks.
	Identifiers map[string]string `json:"identifiers,omitempty"`
}

// NewJob builds a first-attempt job with a fresh run ID.
func NewJob(signatureKey, taskName string) *Job {
	return &Job{
		SignatureKey: signatureKey,
		TaskName:     taskName,
		WorkerTaskID: uuid.New().String(),
		Attempt:      1,
	}
}

// Encode serializes the job for the wire.
func (j *Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job for %s: %w", j.SignatureKey, err)
	}
	return data, nil
}

// DecodeJob parses a dispatch message payload.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
