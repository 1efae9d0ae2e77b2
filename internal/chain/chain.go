// Package chain implements strict sequential composition. A chain persists
// its ordered sub-task keys; ordering is driven by the container hook the
// invoker calls after each sub-task, not by rewriting sub-task callbacks.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/internal/signature"
)

// ChainTaskName is the dispatch name recorded on chain signatures. Chains
// are never dispatched under it; triggering a chain dispatches its first
// sub-task.
const ChainTaskName = "mageflow.chain"

// Chains operates on chain signatures.
type Chains struct {
	sigs   *signature.Service
	logger *slog.Logger
}

// New wires a Chains service.
func New(sigs *signature.Service, logger *slog.Logger) *Chains {
	return &Chains{sigs: sigs, logger: logger}
}

// Create builds and persists a chain over already-signed sub-tasks. At least
// two tasks are required. Each sub-task gets a back-reference to the chain
// so the invoker can route its completion here.
func (c *Chains) Create(ctx context.Context, taskKeys []string) (*domain.ChainSignature, error) {
	if len(taskKeys) < 2 {
		return nil, fmt.Errorf("chain needs at least 2 tasks, got %d", len(taskKeys))
	}

	store := c.sigs.Store()
	subs, err := store.GetBatch(ctx, taskKeys...)
	if err != nil {
		return nil, err
	}
	var missing []string
	for i, sub := range subs {
		if sub == nil {
			missing = append(missing, taskKeys[i])
		}
	}
	if len(missing) > 0 {
		return nil, &domain.MissingSignatureError{Keys: missing}
	}

	ch := &domain.ChainSignature{
		TaskSignature: *domain.NewTaskSignature(ChainTaskName),
		Tasks:         taskKeys,
	}
	ch.Key = domain.NewKey(domain.KindChain)
	if err := c.sigs.Sign(ctx, ch); err != nil {
		return nil, err
	}

	for _, tk := range taskKeys {
		if err := store.SetFields(ctx, tk, map[string]any{
			redisstore.FieldContainerKey: ch.Key,
		}); err != nil {
			return nil, err
		}
	}
	c.logger.Info("chain created",
		slog.String("signature_key", ch.Key),
		slog.Int("tasks", len(taskKeys)),
	)
	return ch, nil
}

// OnSubTaskDone advances the chain: the last element completing dispatches
// the chain-end handler, any other element triggers its successor with the
// result as input.
func (c *Chains) OnSubTaskDone(ctx context.Context, chainKey, subKey string, result json.RawMessage) error {
	sig, err := c.sigs.Get(ctx, chainKey)
	if err != nil {
		return err
	}
	ch, ok := sig.(*domain.ChainSignature)
	if !ok {
		return fmt.Errorf("signature %s is not a chain", chainKey)
	}

	idx := indexOf(ch.Tasks, subKey)
	if idx < 0 {
		return fmt.Errorf("task %s is not part of chain %s", subKey, chainKey)
	}
	if idx == len(ch.Tasks)-1 {
		job := engine.NewJob(chainKey, engine.TaskChainEnd)
		job.Identifiers = map[string]string{engine.IdentChainKey: chainKey}
		if len(result) > 0 {
			job.Kwargs = map[string]any{"result": json.RawMessage(result)}
		}
		return c.sigs.Trigger().Trigger(ctx, job)
	}
	return c.sigs.TriggerWithResult(ctx, ch.Tasks[idx+1], result)
}

// OnSubTaskError fails the chain fast: the error handler is dispatched
// immediately and the untouched remainder of the sequence never starts.
func (c *Chains) OnSubTaskError(ctx context.Context, chainKey, subKey string, taskErr string) error {
	job := engine.NewJob(chainKey, engine.TaskChainError)
	job.Identifiers = map[string]string{engine.IdentChainKey: chainKey}
	job.Kwargs = map[string]any{"error": taskErr, "failed_task": subKey}
	return c.sigs.Trigger().Trigger(ctx, job)
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
