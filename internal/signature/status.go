package signature

import (
	"context"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

// ChangeStatus moves the signature to a new status under its entity lock,
// recording the overlaid status in last_status. Container variants cascade
// the change to their children best-effort, so one missing child never
// blocks the rest of the cascade.
func (s *Service) ChangeStatus(ctx context.Context, key string, status domain.Status) error {
	var children []string
	err := s.store.WithLock(ctx, key, redisstore.LockActionDefault, func(ctx context.Context) error {
		sig, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		base := sig.Base()
		if base == nil {
			return nil
		}
		if err := s.store.SetFields(ctx, key, map[string]any{
			redisstore.FieldLastStatus: base.Status,
			redisstore.FieldStatus:     status,
		}); err != nil {
			return err
		}
		children = containerChildren(sig)
		return nil
	})
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := s.ChangeStatus(ctx, child, status); err != nil {
			s.logger.Warn("status cascade skipped child",
				slog.String("signature_key", key),
				slog.String("child_key", child),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Suspend pauses the signature (and its children) until Resume.
func (s *Service) Suspend(ctx context.Context, key string) error {
	return s.ChangeStatus(ctx, key, domain.StatusSuspended)
}

// Interrupt aborts the signature's current run without removing it.
func (s *Service) Interrupt(ctx context.Context, key string) error {
	return s.ChangeStatus(ctx, key, domain.StatusInterrupted)
}

// Cancel marks the signature canceled. State teardown happens when the next
// attempt observes the status; cancellation is cooperative.
func (s *Service) Cancel(ctx context.Context, key string) error {
	return s.ChangeStatus(ctx, key, domain.StatusCanceled)
}

// Resume lifts an overlay status. The overlaid status is restored directly,
// except ACTIVE: the in-flight attempt was lost while suspended, so the
// signature goes back to PENDING and is re-triggered.
func (s *Service) Resume(ctx context.Context, key string) error {
	var children []string
	retrigger := false
	err := s.store.WithLock(ctx, key, redisstore.LockActionDefault, func(ctx context.Context) error {
		sig, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		base := sig.Base()
		if base == nil || !base.Status.IsOverlay() {
			return nil
		}
		restored := base.LastStatus
		if restored == domain.StatusActive {
			restored = domain.StatusPending
			retrigger = true
		}
		if err := s.store.SetFields(ctx, key, map[string]any{
			redisstore.FieldLastStatus: base.Status,
			redisstore.FieldStatus:     restored,
		}); err != nil {
			return err
		}
		children = containerChildren(sig)
		return nil
	})
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := s.Resume(ctx, child); err != nil {
			s.logger.Warn("resume cascade skipped child",
				slog.String("signature_key", key),
				slog.String("child_key", child),
				slog.String("error", err.Error()),
			)
		}
	}

	if retrigger {
		return s.TriggerSignature(ctx, key, nil)
	}
	return nil
}

// markActive transitions to ACTIVE and records the engine run identifier.
func (s *Service) markActive(ctx context.Context, key, workerTaskID string) error {
	return s.store.WithLock(ctx, key, redisstore.LockActionDefault, func(ctx context.Context) error {
		sig, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		fields := map[string]any{
			redisstore.FieldLastStatus: sig.Base().Status,
			redisstore.FieldStatus:     domain.StatusActive,
		}
		if workerTaskID != "" {
			fields[redisstore.FieldWorkerTaskID] = workerTaskID
		}
		return s.store.SetFields(ctx, key, fields)
	})
}

// Start transitions the signature to ACTIVE for the given engine run.
func (s *Service) Start(ctx context.Context, key, workerTaskID string) error {
	return s.markActive(ctx, key, workerTaskID)
}

// Done marks the signature terminally succeeded.
func (s *Service) Done(ctx context.Context, key string) error {
	return s.setTerminal(ctx, key, domain.StatusDone)
}

// Failed marks the signature terminally failed.
func (s *Service) Failed(ctx context.Context, key string) error {
	return s.setTerminal(ctx, key, domain.StatusFailed)
}

func (s *Service) setTerminal(ctx context.Context, key string, status domain.Status) error {
	return s.store.WithLock(ctx, key, redisstore.LockActionDefault, func(ctx context.Context) error {
		sig, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		return s.store.SetFields(ctx, key, map[string]any{
			redisstore.FieldLastStatus: sig.Base().Status,
			redisstore.FieldStatus:     status,
		})
	})
}

// containerChildren returns the child keys a status cascade applies to.
func containerChildren(sig domain.Signature) []string {
	switch v := sig.(type) {
	case *domain.ChainSignature:
		return v.Tasks
	case *domain.SwarmSignature:
		return v.Tasks
	case *domain.BatchItemSignature:
		return []string{v.OriginalTaskKey}
	}
	return nil
}
