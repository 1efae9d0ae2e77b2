// Package redisstore persists signature records in a shared Redis store.
//
// Every signature is one addressable record: a hash of scalar fields at
// "sig:<Variant>:<id>" plus sibling keys for its mutable collections
// (callback lists, the swarm run queue, finished/failed sets, results).
// Collections get their own keys so appends, pops and increments are single
// atomic Redis commands; multi-field mutations are batched into one
// TxPipeline commit. Records are never hard-deleted while in use: SoftDelete
// drops every key's TTL to a short grace window so a late duplicate read
// still resolves to a coherent just-finished record instead of "not found".
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imaginary-cherry/mageflow/internal/domain"
)

const (
	// recordTTL bounds the lifetime of any record, finished or not.
	recordTTL = 24 * time.Hour
	// removedTTL is the grace window a soft-deleted record stays readable.
	removedTTL = 5 * time.Minute
)

// Scalar hash fields addressed individually by store operations.
const (
	FieldStatus           = "status"
	FieldLastStatus       = "last_status"
	FieldWorkerTaskID     = "worker_task_id"
	FieldContainerKey     = "container_key"
	FieldRunning          = "current_running_tasks"
	FieldClosed           = "is_swarm_closed"
	FieldStarted          = "started"
	FieldPublishedSuccess = "published_success"
	FieldPublishedErrors  = "published_errors"
	FieldSlotReserved     = "slot_reserved"
)

// Collection suffixes. Each collection lives at "sig:<key>:<suffix>".
const (
	ListSuccess = "succ"
	ListError   = "err"
	ListTasks   = "tasks"
	ListQueue   = "queue"
	ListResults = "results"
	ListPublish = "ids"
	SetFinished = "finished"
	SetFailed   = "failed"
)

// SignatureStore is the persistence contract the orchestration core runs
// against. All coordination state lives behind it; there is no in-process
// shared state between workers.
type SignatureStore interface {
	Save(ctx context.Context, sig domain.Signature) error
	Get(ctx context.Context, key string) (domain.Signature, error)
	// GetBatch resolves many keys at once. Missing keys yield nil entries;
	// the caller decides whether that is an error.
	GetBatch(ctx context.Context, keys ...string) ([]domain.Signature, error)
	Exists(ctx context.Context, key string) (bool, error)

	// SetFields commits a set of scalar field mutations in one atomic
	// transaction.
	SetFields(ctx context.Context, key string, fields map[string]any) error
	// SetFlagOnce raises a monotonic flag and reports whether this call
	// won the race. It is the compare-and-swap behind every publish-once
	// guard.
	SetFlagOnce(ctx context.Context, key, field string) (bool, error)
	// FlagSet reports whether a monotonic flag has been raised. Publish
	// paths check it before their side effects and raise the flag only
	// after the last side effect lands, so a crash mid-publication is
	// retried rather than skipped.
	FlagSet(ctx context.Context, key, field string) (bool, error)
	IncrCounter(ctx context.Context, key, field string, delta int64) (int64, error)
	// MergeKwargs merges fields into the signature's kwargs with
	// last-writer-wins semantics per field.
	MergeKwargs(ctx context.Context, key string, kwargs map[string]any) error

	AppendList(ctx context.Context, key, field string, vals ...string) error
	ListRange(ctx context.Context, key, field string) ([]string, error)
	ListContains(ctx context.Context, key, field, val string) (bool, error)
	RemoveFromList(ctx context.Context, key, field, val string) error

	// AddToSet reports whether the value was newly added, which doubles as
	// the duplicate-append guard for finished/failed bookkeeping.
	AddToSet(ctx context.Context, key, field, val string) (bool, error)
	SetMembers(ctx context.Context, key, field string) ([]string, error)
	SetSize(ctx context.Context, key, field string) (int64, error)

	AppendResult(ctx context.Context, key string, result json.RawMessage) error
	Results(ctx context.Context, key string) ([]json.RawMessage, error)

	// ReserveSlots atomically pops up to maxConcurrency minus the current
	// running count off the swarm's run queue, writes the popped keys into
	// the publish ledger, adds their count to the running counter and marks
	// each batch item slot-reserved, all in one server-side step. The
	// capacity is read inside the same step, so a concurrent slot claim can
	// never push the counter past the ceiling. Returns the reserved keys.
	ReserveSlots(ctx context.Context, swarmKey, publishKey string, maxConcurrency int) ([]string, error)

	// ClaimSlot increments the running counter only while it is below
	// maxConcurrency and marks the batch item slot-reserved, atomically.
	// Reports whether the slot was won.
	ClaimSlot(ctx context.Context, swarmKey, batchKey string, maxConcurrency int) (bool, error)

	// SeedQueueOnce writes the tasks into the swarm's run queue and raises
	// the started flag in one atomic step, with the flag last. Reports
	// whether this call did the seeding; a redelivered start is a no-op.
	SeedQueueOnce(ctx context.Context, key string, tasks []string) (bool, error)

	SoftDelete(ctx context.Context, key string) error

	// WithLock runs fn while holding the named per-entity lock. Locks are
	// scoped "<key>/<action>" so status mutation ("default") and swarm
	// advancement ("fill") never contend with each other.
	WithLock(ctx context.Context, key, action string, fn func(context.Context) error) error

	AddActiveSwarm(ctx context.Context, key string) error
	RemoveActiveSwarm(ctx context.Context, key string) error
	ActiveSwarms(ctx context.Context) ([]string, error)

	SaveTaskDef(ctx context.Context, def *domain.TaskDef) error
	// GetTaskDef returns nil when no definition is registered.
	GetTaskDef(ctx context.Context, name string) (*domain.TaskDef, error)
}

// LockActionDefault serializes status and field mutation per entity.
const LockActionDefault = "default"

// LockActionFill serializes swarm fan-out advancement per swarm.
const LockActionFill = "fill"

// LockActionPublish serializes terminal callback publication per chain.
const LockActionPublish = "publish"

// NewClient creates a Redis client with the pool settings used across
// services.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}
