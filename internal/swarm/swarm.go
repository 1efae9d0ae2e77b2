// Package swarm implements bounded-concurrency fan-out/fan-in. A swarm wraps
// each added task in a batch-item proxy that mediates concurrency-slot
// acquisition; advancement runs through the idempotent fill routine and a
// per-swarm publish ledger, so arbitrary crash-and-retry converges to the
// same end state as an uninterrupted run.
package swarm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/internal/signature"
)

// SwarmTaskName is the dispatch name recorded on swarm signatures.
// Triggering a swarm dispatches its start handler, never this name.
const SwarmTaskName = "mageflow.swarm"

// Swarms operates on swarm signatures and their batch items.
type Swarms struct {
	sigs   *signature.Service
	logger *slog.Logger
}

// New wires a Swarms service.
func New(sigs *signature.Service, logger *slog.Logger) *Swarms {
	return &Swarms{sigs: sigs, logger: logger}
}

// Create persists an open, empty swarm and its publish ledger.
func (s *Swarms) Create(ctx context.Context, cfg domain.SwarmConfig) (*domain.SwarmSignature, error) {
	cfg = cfg.Normalize()

	ledger := domain.NewPublishState()
	if err := s.sigs.Sign(ctx, ledger); err != nil {
		return nil, err
	}

	sw := &domain.SwarmSignature{
		TaskSignature:   *domain.NewTaskSignature(SwarmTaskName),
		Config:          cfg,
		PublishStateKey: ledger.Key,
	}
	sw.Key = domain.NewKey(domain.KindSwarm)
	if err := s.sigs.Sign(ctx, sw); err != nil {
		return nil, err
	}
	s.logger.Info("swarm created",
		slog.String("swarm_key", sw.Key),
		slog.Int("max_concurrency", cfg.MaxConcurrency),
	)
	return sw, nil
}

// AddTask wraps an already-signed task in a batch item and registers it with
// the swarm. The wrapped task's own callbacks are wired to the swarm's
// item-done and item-failed advancement handlers. Reaching MaxTaskAllowed
// closes the swarm and kicks off the initial fill.
func (s *Swarms) AddTask(ctx context.Context, swarmKey, taskKey string) (string, error) {
	store := s.sigs.Store()
	var batchKey string
	closeNow := false

	err := store.WithLock(ctx, swarmKey, redisstore.LockActionDefault, func(ctx context.Context) error {
		sig, err := store.Get(ctx, swarmKey)
		if err != nil {
			return &domain.SwarmCanceledError{SwarmKey: swarmKey}
		}
		sw, ok := sig.(*domain.SwarmSignature)
		if !ok {
			return fmt.Errorf("signature %s is not a swarm", swarmKey)
		}
		if !sw.Status.ShouldRun() {
			return &domain.SwarmCanceledError{SwarmKey: swarmKey}
		}
		if sw.IsSwarmClosed {
			return &domain.TooManyTasksError{SwarmKey: swarmKey, Limit: sw.Config.MaxTaskAllowed}
		}
		if sw.Config.MaxTaskAllowed > 0 && len(sw.Tasks) >= sw.Config.MaxTaskAllowed {
			return &domain.TooManyTasksError{SwarmKey: swarmKey, Limit: sw.Config.MaxTaskAllowed}
		}
		if ok, err := store.Exists(ctx, taskKey); err != nil {
			return err
		} else if !ok {
			return &domain.SignatureNotFoundError{Key: taskKey}
		}

		batch := &domain.BatchItemSignature{
			TaskSignature:   *domain.NewTaskSignature(engine.TaskSwarmItemRun),
			SwarmKey:        swarmKey,
			OriginalTaskKey: taskKey,
		}
		batch.Key = domain.NewKey(domain.KindBatchItem)
		batch.ContainerKey = swarmKey
		batch.TaskIdentifiers = map[string]string{
			engine.IdentSwarmKey: swarmKey,
			engine.IdentItemKey:  batch.Key,
		}
		batchKey = batch.Key

		itemDone := domain.NewTaskSignature(engine.TaskSwarmItemDone)
		itemDone.TaskIdentifiers = map[string]string{
			engine.IdentSwarmKey: swarmKey,
			engine.IdentItemKey:  batch.Key,
		}
		itemFailed := domain.NewTaskSignature(engine.TaskSwarmItemFailed)
		itemFailed.TaskIdentifiers = map[string]string{
			engine.IdentSwarmKey: swarmKey,
			engine.IdentItemKey:  batch.Key,
		}

		for _, sig := range []domain.Signature{batch, itemDone, itemFailed} {
			if err := s.sigs.Sign(ctx, sig); err != nil {
				return err
			}
		}
		if err := s.sigs.AddCallbacks(ctx, taskKey, []string{itemDone.Key}, []string{itemFailed.Key}); err != nil {
			return err
		}
		if err := store.SetFields(ctx, taskKey, map[string]any{
			redisstore.FieldContainerKey: batch.Key,
		}); err != nil {
			return err
		}
		if err := store.AppendList(ctx, swarmKey, redisstore.ListTasks, batch.Key); err != nil {
			return err
		}

		closeNow = sw.Config.MaxTaskAllowed > 0 && len(sw.Tasks)+1 == sw.Config.MaxTaskAllowed
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("task added to swarm",
		slog.String("swarm_key", swarmKey),
		slog.String("batch_key", batchKey),
	)
	if closeNow {
		return batchKey, s.CloseSwarm(ctx, swarmKey)
	}
	return batchKey, nil
}

// CloseSwarm closes the swarm to further tasks and triggers its start. The
// close flag is monotonic. A repeated close re-dispatches the start while
// the swarm has not started yet, so a close whose dispatch was lost can be
// retried; the start handler tolerates duplicates.
func (s *Swarms) CloseSwarm(ctx context.Context, swarmKey string) error {
	store := s.sigs.Store()
	won, err := store.SetFlagOnce(ctx, swarmKey, redisstore.FieldClosed)
	if err != nil {
		return err
	}
	if won {
		s.logger.Info("swarm closed", slog.String("swarm_key", swarmKey))
		return s.sigs.TriggerSignature(ctx, swarmKey, nil)
	}

	started, err := store.FlagSet(ctx, swarmKey, redisstore.FieldStarted)
	if err != nil {
		return err
	}
	if !started {
		return s.sigs.TriggerSignature(ctx, swarmKey, nil)
	}
	return nil
}
