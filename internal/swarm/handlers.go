package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

// RegisterHandlers registers the swarm's internal advancement tasks. All of
// them ride the at-least-once dispatch pipeline; infrastructure errors
// propagate out so the pipeline redelivers, which is safe because each
// handler tolerates re-entry.
func (s *Swarms) RegisterHandlers(reg *engine.Registry) {
	reg.RegisterFunc(engine.TaskSwarmStart, s.handleStart)
	reg.RegisterFunc(engine.TaskSwarmFill, s.handleFill)
	reg.RegisterFunc(engine.TaskSwarmItemRun, s.handleItemRun)
	reg.RegisterFunc(engine.TaskSwarmItemDone, s.handleItemDone)
	reg.RegisterFunc(engine.TaskSwarmItemFailed, s.handleItemFailed)
}

// handleStart seeds the run queue once and kicks off the first fill. The
// seeding and the started flag commit in one atomic step with the flag last,
// so a redelivered start finds either nothing or a fully seeded queue, never
// a raised flag over an empty one.
func (s *Swarms) handleStart(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	swarmKey := job.Identifiers[engine.IdentSwarmKey]
	if swarmKey == "" {
		return nil, fmt.Errorf("swarm start job missing swarm key")
	}
	store := s.sigs.Store()

	sig, err := store.Get(ctx, swarmKey)
	if err != nil {
		var notFound *domain.SignatureNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	sw, ok := sig.(*domain.SwarmSignature)
	if !ok {
		return nil, fmt.Errorf("signature %s is not a swarm", swarmKey)
	}
	if !sw.Status.ShouldRun() {
		return nil, s.sigs.HandleInactive(ctx, sw, job.Kwargs)
	}

	if sw.Status == domain.StatusPending {
		if err := s.sigs.Start(ctx, swarmKey, job.WorkerTaskID); err != nil {
			return nil, err
		}
	}
	won, err := store.SeedQueueOnce(ctx, swarmKey, sw.Tasks)
	if err != nil {
		return nil, err
	}
	if won {
		s.logger.Info("swarm started",
			slog.String("swarm_key", swarmKey),
			slog.Int("tasks", len(sw.Tasks)),
		)
	}

	_, err = s.FillRunningTasks(ctx, swarmKey)
	return nil, err
}

// handleFill re-invokes the fill routine; dispatched by the reconciler and
// by anything that wants swarm advancement retried through the pipeline.
func (s *Swarms) handleFill(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	swarmKey := job.Identifiers[engine.IdentSwarmKey]
	if swarmKey == "" {
		return nil, fmt.Errorf("swarm fill job missing swarm key")
	}
	_, err := s.FillRunningTasks(ctx, swarmKey)
	return nil, err
}

// handleItemRun is concurrency-slot acquisition for one batch item. Under
// the swarm's entity lock it either honors a fill-time reservation, claims
// a free slot, or enqueues the item. Re-entry with the same batch key never
// double-increments or double-enqueues.
func (s *Swarms) handleItemRun(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	swarmKey := job.Identifiers[engine.IdentSwarmKey]
	batchKey := job.Identifiers[engine.IdentItemKey]
	if swarmKey == "" || batchKey == "" {
		return nil, fmt.Errorf("batch item job missing identifiers")
	}
	store := s.sigs.Store()

	run := false
	var originalKey string
	var kwargs map[string]any

	err := store.WithLock(ctx, swarmKey, redisstore.LockActionDefault, func(ctx context.Context) error {
		swSig, err := store.Get(ctx, swarmKey)
		if err != nil {
			var notFound *domain.SignatureNotFoundError
			if errors.As(err, &notFound) {
				s.logger.Info("batch item dropped, swarm gone",
					slog.String("batch_key", batchKey))
				return nil
			}
			return err
		}
		sw, ok := swSig.(*domain.SwarmSignature)
		if !ok {
			return fmt.Errorf("signature %s is not a swarm", swarmKey)
		}
		if !sw.Status.ShouldRun() {
			return nil
		}

		itemSig, err := store.Get(ctx, batchKey)
		if err != nil {
			var notFound *domain.SignatureNotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		item, ok := itemSig.(*domain.BatchItemSignature)
		if !ok {
			return fmt.Errorf("signature %s is not a batch item", batchKey)
		}
		if !item.Status.ShouldRun() {
			return s.sigs.HandleInactive(ctx, item, job.Kwargs)
		}
		originalKey = item.OriginalTaskKey

		// Kwargs precedence: batch item, then swarm, then the incoming
		// message; the wrapped task's own kwargs sit underneath all three.
		kwargs = mergeKwargs(item.Kwargs, sw.Kwargs, job.Kwargs)

		if item.SlotReserved {
			// The fill step already accounted this item in the running
			// counter.
			run = true
			return nil
		}

		queued, err := store.ListContains(ctx, swarmKey, redisstore.ListQueue, batchKey)
		if err != nil {
			return err
		}
		if queued {
			// Already waiting in the queue; the fill routine owns it.
			return nil
		}

		// The claim checks the ceiling and increments in one atomic step,
		// so it cannot overshoot a reservation a concurrent fill is making.
		// It also marks the slot, so a redelivery takes the reserved path
		// instead of incrementing again.
		claimed, err := store.ClaimSlot(ctx, swarmKey, batchKey, sw.Config.MaxConcurrency)
		if err != nil {
			return err
		}
		if claimed {
			run = true
			return nil
		}

		if err := store.AppendList(ctx, swarmKey, redisstore.ListQueue, batchKey); err != nil {
			return err
		}
		return store.MergeKwargs(ctx, batchKey, job.Kwargs)
	})
	if err != nil || !run {
		return nil, err
	}

	if err := s.sigs.Start(ctx, batchKey, job.WorkerTaskID); err != nil {
		return nil, err
	}
	return nil, s.sigs.TriggerSignature(ctx, originalKey, kwargs)
}

// handleItemDone is the fan-in step for a succeeded batch item. The SADD
// guard makes the result append and the counter decrement fire once per
// item no matter how often the message is delivered.
func (s *Swarms) handleItemDone(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	swarmKey := job.Identifiers[engine.IdentSwarmKey]
	batchKey := job.Identifiers[engine.IdentItemKey]
	if swarmKey == "" || batchKey == "" {
		return nil, fmt.Errorf("item done job missing identifiers")
	}
	store := s.sigs.Store()

	added, err := store.AddToSet(ctx, swarmKey, redisstore.SetFinished, batchKey)
	if err != nil {
		return nil, err
	}
	if added {
		if result := resultKwarg(job.Kwargs); result != nil {
			if err := store.AppendResult(ctx, swarmKey, result); err != nil {
				return nil, err
			}
		}
		if _, err := store.IncrCounter(ctx, swarmKey, redisstore.FieldRunning, -1); err != nil {
			return nil, err
		}
		if err := s.sigs.Done(ctx, batchKey); err != nil {
			return nil, err
		}
		if err := store.SoftDelete(ctx, batchKey); err != nil {
			return nil, err
		}
	}

	_, err = s.FillRunningTasks(ctx, swarmKey)
	return nil, err
}

// handleItemFailed is the fan-in step for a terminally failed batch item.
func (s *Swarms) handleItemFailed(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	swarmKey := job.Identifiers[engine.IdentSwarmKey]
	batchKey := job.Identifiers[engine.IdentItemKey]
	if swarmKey == "" || batchKey == "" {
		return nil, fmt.Errorf("item failed job missing identifiers")
	}
	store := s.sigs.Store()

	added, err := store.AddToSet(ctx, swarmKey, redisstore.SetFailed, batchKey)
	if err != nil {
		return nil, err
	}
	if added {
		if _, err := store.IncrCounter(ctx, swarmKey, redisstore.FieldRunning, -1); err != nil {
			return nil, err
		}
		if err := s.sigs.Failed(ctx, batchKey); err != nil {
			return nil, err
		}
		if err := store.SoftDelete(ctx, batchKey); err != nil {
			return nil, err
		}
	}

	_, err = s.FillRunningTasks(ctx, swarmKey)
	return nil, err
}

// resultKwarg extracts the wrapped task's result from the kwargs the
// callback activation mapped it into.
func resultKwarg(kwargs map[string]any) json.RawMessage {
	v, ok := kwargs[domain.DefaultResultField]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// mergeKwargs overlays maps left to right, later maps winning per field.
func mergeKwargs(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
