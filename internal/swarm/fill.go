package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/pkg/telemetry"
)

// FillRunningTasks advances the swarm under its fill lock: abort on a
// tripped failure threshold, reserve free slots for queued batch items,
// trigger everything still owed in the publish ledger, then check for
// completion. Every step tolerates re-entry, so redelivery or a concurrent
// caller converges instead of double-starting work.
//
// Returns the number of batch items newly started by this call.
func (s *Swarms) FillRunningTasks(ctx context.Context, swarmKey string) (int, error) {
	started := 0
	err := s.sigs.Store().WithLock(ctx, swarmKey, redisstore.LockActionFill, func(ctx context.Context) error {
		var err error
		started, err = s.fill(ctx, swarmKey)
		return err
	})
	return started, err
}

func (s *Swarms) fill(ctx context.Context, swarmKey string) (int, error) {
	store := s.sigs.Store()

	sig, err := store.Get(ctx, swarmKey)
	if err != nil {
		var notFound *domain.SignatureNotFoundError
		if errors.As(err, &notFound) {
			return 0, nil // swarm already torn down
		}
		return 0, err
	}
	sw, ok := sig.(*domain.SwarmSignature)
	if !ok {
		return 0, fmt.Errorf("signature %s is not a swarm", swarmKey)
	}
	if !sw.Status.ShouldRun() {
		return 0, nil
	}

	// Failure threshold comes first: once tripped, nothing else may start.
	if sw.Config.StopAfterNFailures > 0 && len(sw.FailedTasks) >= sw.Config.StopAfterNFailures {
		return 0, s.abort(ctx, sw)
	}

	// Commit the intent to run before any trigger goes out. The reservation
	// reads the free capacity in the same atomic step it pops the queue, and
	// a crash from here on is healed by re-reading the ledger.
	reserved, err := store.ReserveSlots(ctx, swarmKey, sw.PublishStateKey, sw.Config.MaxConcurrency)
	if err != nil {
		return 0, err
	}
	n := len(reserved)

	owed, err := store.ListRange(ctx, sw.PublishStateKey, redisstore.ListPublish)
	if err != nil {
		return 0, err
	}
	for _, itemKey := range owed {
		if err := s.sigs.TriggerSignature(ctx, itemKey, nil); err != nil {
			// Leave the remainder in the ledger for the next fill.
			return n, fmt.Errorf("trigger batch item %s: %w", itemKey, err)
		}
		if err := store.RemoveFromList(ctx, sw.PublishStateKey, redisstore.ListPublish, itemKey); err != nil {
			return n, err
		}
	}
	if n > 0 {
		telemetry.SwarmTasksStarted.Add(float64(n))
		s.logger.Info("swarm filled",
			slog.String("swarm_key", swarmKey),
			slog.Int("started", n),
		)
	}

	if err := s.checkCompletion(ctx, sw); err != nil {
		return n, err
	}
	return n, nil
}

// abort tears the swarm down after the failure threshold trips. The
// publish-once flag is checked up front but raised only after the teardown
// finished, so a crash mid-teardown is retried on the next fill; the
// interrupt cascade and the callback consumption both tolerate the re-run.
// Runs under the fill lock, which makes the check-then-act safe.
func (s *Swarms) abort(ctx context.Context, sw *domain.SwarmSignature) error {
	store := s.sigs.Store()
	published, err := store.FlagSet(ctx, sw.Key, redisstore.FieldPublishedErrors)
	if err != nil {
		return err
	}
	if published {
		return nil
	}

	terminal := map[string]bool{}
	for _, k := range sw.FinishedTasks {
		terminal[k] = true
	}
	for _, k := range sw.FailedTasks {
		terminal[k] = true
	}
	for _, batchKey := range sw.Tasks {
		if terminal[batchKey] {
			continue
		}
		if err := s.sigs.Interrupt(ctx, batchKey); err != nil {
			s.logger.Warn("interrupt cascade skipped batch item",
				slog.String("swarm_key", sw.Key),
				slog.String("batch_key", batchKey),
				slog.String("error", err.Error()),
			)
		}
	}

	errMsg := fmt.Sprintf("swarm stopped after %d failed tasks", len(sw.FailedTasks))
	if err := s.sigs.ActivateError(ctx, sw.Key, errMsg, nil); err != nil {
		return err
	}
	if err := s.sigs.Failed(ctx, sw.Key); err != nil {
		return err
	}
	if err := s.sigs.Remove(ctx, sw.Key, true, false); err != nil {
		return err
	}
	if _, err := store.SetFlagOnce(ctx, sw.Key, redisstore.FieldPublishedErrors); err != nil {
		return err
	}
	telemetry.SwarmsCompleted.WithLabelValues("error").Inc()
	s.logger.Info("swarm aborted",
		slog.String("swarm_key", sw.Key),
		slog.Int("failed", len(sw.FailedTasks)),
	)
	return nil
}

// checkCompletion publishes swarm success exactly once, after the swarm is
// closed and every batch item has reached a terminal set.
func (s *Swarms) checkCompletion(ctx context.Context, sw *domain.SwarmSignature) error {
	if !sw.IsSwarmClosed {
		return nil
	}
	store := s.sigs.Store()
	finished, err := store.SetSize(ctx, sw.Key, redisstore.SetFinished)
	if err != nil {
		return err
	}
	failed, err := store.SetSize(ctx, sw.Key, redisstore.SetFailed)
	if err != nil {
		return err
	}
	if finished+failed != int64(len(sw.Tasks)) {
		return nil
	}

	// Check the flag before the side effects, raise it after the last one.
	// The fill lock serializes the check; a crash mid-publication leaves the
	// flag down and the next fill finishes the job against the consumed
	// callback list.
	published, err := store.FlagSet(ctx, sw.Key, redisstore.FieldPublishedSuccess)
	if err != nil {
		return err
	}
	if published {
		return nil
	}

	results, err := store.Results(ctx, sw.Key)
	if err != nil {
		return err
	}
	aggregate, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("aggregate results of %s: %w", sw.Key, err)
	}
	if err := s.sigs.ActivateSuccess(ctx, sw.Key, aggregate, nil); err != nil {
		return err
	}
	if err := s.sigs.Done(ctx, sw.Key); err != nil {
		return err
	}
	if err := s.sigs.Remove(ctx, sw.Key, false, true); err != nil {
		return err
	}
	if _, err := store.SetFlagOnce(ctx, sw.Key, redisstore.FieldPublishedSuccess); err != nil {
		return err
	}
	telemetry.SwarmsCompleted.WithLabelValues("success").Inc()
	s.logger.Info("swarm completed",
		slog.String("swarm_key", sw.Key),
		slog.Int64("finished", finished),
		slog.Int64("failed", failed),
	)
	return nil
}
