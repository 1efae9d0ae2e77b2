// Package signature implements the operations shared by every signature
// variant: persistence, callback wiring, kind-dispatched triggering, the
// status machine and soft removal. Container-specific advancement (chain
// ordering, swarm fan-out) lives in the chain and swarm packages and is
// built on these operations.
package signature

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/pkg/telemetry"
)

// Service operates on persisted signatures. All methods are safe under
// at-least-once re-invocation.
type Service struct {
	store   redisstore.SignatureStore
	trigger engine.Trigger
	logger  *slog.Logger
}

// NewService wires a Service.
func NewService(store redisstore.SignatureStore, trigger engine.Trigger, logger *slog.Logger) *Service {
	return &Service{store: store, trigger: trigger, logger: logger}
}

// Store exposes the underlying store to the container packages.
func (s *Service) Store() redisstore.SignatureStore { return s.store }

// Trigger exposes the engine trigger to the container packages.
func (s *Service) Trigger() engine.Trigger { return s.trigger }

// Sign persists a new signature record.
func (s *Service) Sign(ctx context.Context, sig domain.Signature) error {
	if err := s.store.Save(ctx, sig); err != nil {
		return err
	}
	if sig.SignatureKind() == domain.KindSwarm {
		if err := s.store.AddActiveSwarm(ctx, sig.SignatureKey()); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a signature by key.
func (s *Service) Get(ctx context.Context, key string) (domain.Signature, error) {
	return s.store.Get(ctx, key)
}

// AddCallbacks appends success and error callback keys to a signature.
// Callback lists are append-only until consumed by activation.
func (s *Service) AddCallbacks(ctx context.Context, key string, success, errCallbacks []string) error {
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.SignatureNotFoundError{Key: key}
	}
	if err := s.store.AppendList(ctx, key, redisstore.ListSuccess, success...); err != nil {
		return err
	}
	return s.store.AppendList(ctx, key, redisstore.ListError, errCallbacks...)
}

// TriggerSignature dispatches a run request for the signature, merging
// kwargs into its record first. The dispatch shape depends on the variant:
// a task dispatches itself, a chain dispatches its first sub-task, a swarm
// dispatches its start handler and a batch item dispatches slot acquisition.
func (s *Service) TriggerSignature(ctx context.Context, key string, kwargs map[string]any) error {
	sig, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	base := sig.Base()
	if base == nil {
		return fmt.Errorf("signature %s is not triggerable", key)
	}

	if !base.Status.ShouldRun() {
		return s.HandleInactive(ctx, sig, kwargs)
	}

	if err := s.store.MergeKwargs(ctx, key, kwargs); err != nil {
		return err
	}

	switch v := sig.(type) {
	case *domain.ChainSignature:
		if len(v.Tasks) == 0 {
			return fmt.Errorf("chain %s has no tasks", key)
		}
		if err := s.markActive(ctx, key, ""); err != nil {
			return err
		}
		telemetry.SignaturesTriggered.WithLabelValues(string(domain.KindChain)).Inc()
		return s.TriggerSignature(ctx, v.Tasks[0], kwargs)

	case *domain.SwarmSignature:
		job := engine.NewJob(key, engine.TaskSwarmStart)
		job.Identifiers = map[string]string{engine.IdentSwarmKey: key}
		telemetry.SignaturesTriggered.WithLabelValues(string(domain.KindSwarm)).Inc()
		return s.trigger.Trigger(ctx, job)

	case *domain.BatchItemSignature:
		job := engine.NewJob(key, engine.TaskSwarmItemRun)
		job.Kwargs = merged(v.Kwargs, kwargs)
		job.Identifiers = map[string]string{
			engine.IdentSwarmKey: v.SwarmKey,
			engine.IdentItemKey:  key,
		}
		telemetry.SignaturesTriggered.WithLabelValues(string(domain.KindBatchItem)).Inc()
		return s.trigger.Trigger(ctx, job)

	default:
		job := engine.NewJob(key, base.TaskName)
		job.Kwargs = merged(base.Kwargs, kwargs)
		job.Identifiers = base.TaskIdentifiers
		telemetry.SignaturesTriggered.WithLabelValues(string(domain.KindTask)).Inc()
		return s.trigger.Trigger(ctx, job)
	}
}

// HandleInactive is called when a trigger or an execution attempt finds the
// signature unwilling to run. A suspended signature snapshots the attempt's
// input so a later resume carries the latest state; a canceled one is
// removed.
func (s *Service) HandleInactive(ctx context.Context, sig domain.Signature, kwargs map[string]any) error {
	base := sig.Base()
	key := sig.SignatureKey()
	s.logger.Info("signature not runnable",
		slog.String("signature_key", key),
		slog.String("status", string(base.Status)),
	)
	switch base.Status {
	case domain.StatusSuspended:
		return s.store.MergeKwargs(ctx, key, kwargs)
	case domain.StatusCanceled:
		return s.Remove(ctx, key, true, true)
	}
	return nil
}

// merged overlays b on top of a without mutating either.
func merged(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
