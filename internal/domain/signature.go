package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind tags the closed set of signature variants. The tag is the first
// segment of every signature key, so a key alone is enough to decode the
// right record shape.
type Kind string

const (
	KindTask         Kind = "Task"
	KindChain        Kind = "Chain"
	KindSwarm        Kind = "Swarm"
	KindBatchItem    Kind = "BatchItem"
	KindPublishState Kind = "PublishState"
)

// DefaultResultField is the input field a predecessor's output is mapped
// into when a success callback is triggered, unless the signature names
// its own field.
const DefaultResultField = "mageflow_results"

// NewKey mints a globally unique, kind-tagged signature key.
func NewKey(kind Kind) string {
	return string(kind) + ":" + uuid.New().String()
}

// KindOfKey extracts the variant tag from a signature key.
func KindOfKey(key string) (Kind, error) {
	tag, _, ok := strings.Cut(key, ":")
	if !ok {
		return "", fmt.Errorf("malformed signature key %q", key)
	}
	switch k := Kind(tag); k {
	case KindTask, KindChain, KindSwarm, KindBatchItem, KindPublishState:
		return k, nil
	default:
		return "", fmt.Errorf("unknown signature kind %q in key %q", tag, key)
	}
}

// Signature is the closed union over all persisted signature variants.
type Signature interface {
	SignatureKey() string
	SignatureKind() Kind
	Base() *TaskSignature
}

// TaskSignature is the persisted unit of schedulable work: identity,
// dispatch name, kwargs, status machine fields and the callback graph.
// All composite variants embed it.
type TaskSignature struct {
	Key          string         `json:"key"`
	TaskName     string         `json:"task_name"`
	Kwargs       map[string]any `json:"kwargs"`
	CreationTime time.Time      `json:"creation_time"`

	// ResultField names the input field a success result is mapped into
	// when this signature is triggered as a callback.
	ResultField string `json:"result_field"`

	SuccessCallbacks []string `json:"success_callbacks"`
	ErrorCallbacks   []string `json:"error_callbacks"`

	Status     Status `json:"status"`
	LastStatus Status `json:"last_status"`
	// WorkerTaskID is the engine-assigned run identifier, set on activation.
	WorkerTaskID string `json:"worker_task_id"`

	// TaskIdentifiers is an opaque metadata bag threaded through the
	// callback chain (e.g. it carries the originating swarm key to a
	// downstream framework handler).
	TaskIdentifiers map[string]string `json:"task_identifiers"`

	// ContainerKey is a weak back-reference to the owning container, if
	// any. It is not an ownership edge: the container owns its child key
	// list, a child never owns its container.
	ContainerKey string `json:"container_key"`
}

func (s *TaskSignature) SignatureKey() string  { return s.Key }
func (s *TaskSignature) SignatureKind() Kind   { return KindTask }
func (s *TaskSignature) Base() *TaskSignature  { return s }

// NewTaskSignature returns a pending leaf signature with a fresh key.
func NewTaskSignature(taskName string) *TaskSignature {
	return &TaskSignature{
		Key:             NewKey(KindTask),
		TaskName:        taskName,
		Kwargs:          map[string]any{},
		CreationTime:    time.Now().UTC(),
		ResultField:     DefaultResultField,
		Status:          StatusPending,
		TaskIdentifiers: map[string]string{},
	}
}

// ChainSignature composes sub-signatures into a strict sequence. The
// ordered task list is fixed at creation; advancement is driven by the
// container hooks, not by rewriting each sub-task's callbacks.
type ChainSignature struct {
	TaskSignature
	Tasks []string `json:"tasks"`
}

func (s *ChainSignature) SignatureKind() Kind { return KindChain }

// SwarmSignature fans sub-signatures out under a concurrency ceiling and
// joins on completion of the full set.
type SwarmSignature struct {
	TaskSignature

	// Tasks is the full set of batch-item keys, fixed once the swarm is
	// closed.
	Tasks []string `json:"tasks"`
	// TasksLeftToRun is the FIFO queue of not-yet-started batch-item keys.
	TasksLeftToRun []string `json:"tasks_left_to_run"`
	// FinishedTasks and FailedTasks are disjoint at every point.
	FinishedTasks []string `json:"finished_tasks"`
	FailedTasks   []string `json:"failed_tasks"`
	// TasksResults collects sub-task outputs in completion order.
	TasksResults []json.RawMessage `json:"tasks_results"`

	// IsSwarmClosed flips false->true exactly once; no tasks may be added
	// after.
	IsSwarmClosed bool `json:"is_swarm_closed"`
	// CurrentRunningTasks is bounded by 0 <= n <= Config.MaxConcurrency.
	CurrentRunningTasks int64 `json:"current_running_tasks"`

	// Started guards the one-time seeding of the run queue.
	Started bool `json:"started"`
	// PublishedSuccess and PublishedErrors are the publish-once guards for
	// the aggregate callbacks.
	PublishedSuccess bool `json:"published_success"`
	PublishedErrors  bool `json:"published_errors"`

	Config SwarmConfig `json:"config"`

	// PublishStateKey references the swarm's trigger ledger record.
	PublishStateKey string `json:"publish_state_key"`
}

func (s *SwarmSignature) SignatureKind() Kind { return KindSwarm }

// BatchItemSignature is the per-sub-task proxy inside a swarm: triggering
// it either starts the wrapped task (slot acquired) or enqueues it.
type BatchItemSignature struct {
	TaskSignature

	SwarmKey        string `json:"swarm_key"`
	OriginalTaskKey string `json:"original_task_key"`
	// SlotReserved is set by the fill step that pre-accounted this item in
	// the swarm's running counter, so slot acquisition does not count it
	// a second time.
	SlotReserved bool `json:"slot_reserved"`
}

func (s *BatchItemSignature) SignatureKind() Kind { return KindBatchItem }

// PublishState is the per-swarm ledger of batch-item keys that have been
// decided-for-triggering but not yet confirmed triggered. On retry after a
// crash, only keys still present are (re)triggered.
type PublishState struct {
	Key     string   `json:"key"`
	TaskIDs []string `json:"task_ids"`
}

func (s *PublishState) SignatureKey() string { return s.Key }
func (s *PublishState) SignatureKind() Kind  { return KindPublishState }
func (s *PublishState) Base() *TaskSignature { return nil }

// NewPublishState returns an empty ledger with a fresh key.
func NewPublishState() *PublishState {
	return &PublishState{Key: NewKey(KindPublishState)}
}
