package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

// RegisterHandlers registers the chain-end and chain-error internal tasks.
// Both run through the at-least-once dispatch pipeline, so each is guarded
// by a publish-once flag on the chain record. The flag is checked up front
// but raised only after the last side effect: a delivery that crashed
// mid-publication is retried in full, and the consumed callback entries keep
// the retry from firing anything twice.
func (c *Chains) RegisterHandlers(reg *engine.Registry) {
	reg.RegisterFunc(engine.TaskChainEnd, c.handleChainEnd)
	reg.RegisterFunc(engine.TaskChainError, c.handleChainError)
}

func (c *Chains) handleChainEnd(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	chainKey := job.Identifiers[engine.IdentChainKey]
	if chainKey == "" {
		return nil, fmt.Errorf("chain end job missing chain key")
	}
	store := c.sigs.Store()

	return nil, store.WithLock(ctx, chainKey, redisstore.LockActionPublish, func(ctx context.Context) error {
		published, err := store.FlagSet(ctx, chainKey, redisstore.FieldPublishedSuccess)
		if err != nil {
			return err
		}
		if published {
			c.logger.Info("chain success already published",
				slog.String("signature_key", chainKey))
			return nil
		}

		result := rawKwarg(job.Kwargs, "result")
		if err := c.sigs.ActivateSuccess(ctx, chainKey, result, nil); err != nil {
			return err
		}
		if err := c.sigs.Done(ctx, chainKey); err != nil {
			return err
		}
		// The success branch was just activated and stays alive downstream.
		if err := c.sigs.Remove(ctx, chainKey, false, true); err != nil {
			return err
		}
		if _, err := store.SetFlagOnce(ctx, chainKey, redisstore.FieldPublishedSuccess); err != nil {
			return err
		}
		c.logger.Info("chain completed", slog.String("signature_key", chainKey))
		return nil
	})
}

func (c *Chains) handleChainError(ctx context.Context, job *engine.Job) (json.RawMessage, error) {
	chainKey := job.Identifiers[engine.IdentChainKey]
	if chainKey == "" {
		return nil, fmt.Errorf("chain error job missing chain key")
	}
	store := c.sigs.Store()

	return nil, store.WithLock(ctx, chainKey, redisstore.LockActionPublish, func(ctx context.Context) error {
		published, err := store.FlagSet(ctx, chainKey, redisstore.FieldPublishedErrors)
		if err != nil {
			return err
		}
		if published {
			c.logger.Info("chain error already published",
				slog.String("signature_key", chainKey))
			return nil
		}

		taskErr, _ := job.Kwargs["error"].(string)
		if err := c.sigs.ActivateError(ctx, chainKey, taskErr, nil); err != nil {
			return err
		}
		if err := c.sigs.Failed(ctx, chainKey); err != nil {
			return err
		}
		if err := c.sigs.Remove(ctx, chainKey, true, false); err != nil {
			return err
		}
		if _, err := store.SetFlagOnce(ctx, chainKey, redisstore.FieldPublishedErrors); err != nil {
			return err
		}
		c.logger.Info("chain failed",
			slog.String("signature_key", chainKey),
			slog.String("error", taskErr),
		)
		return nil
	})
}

// rawKwarg re-serializes a kwarg decoded off the wire back into raw JSON.
func rawKwarg(kwargs map[string]any, field string) json.RawMessage {
	v, ok := kwargs[field]
	if !ok || v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
