package conductor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/pkg/telemetry"
)

const (
	reconcilerLeaderKey = "mageflow:reconciler:leader"
	reconcilerLeaderTTL = 30 * time.Second
)

// Reconciler sweeps active swarms on a cron schedule and re-dispatches fill
// jobs for any swarm whose fan-out stalled: a non-empty trigger ledger, or
// queued work with free slots. Dispatched fill jobs are idempotent, so a
// sweep racing normal advancement is harmless. Only one instance sweeps at a
// time, elected through Redis.
type Reconciler struct {
	store      redisstore.SignatureStore
	redis      *redis.Client
	trigger    engine.Trigger
	instanceID string
	schedule   string
	logger     *slog.Logger

	cron *cron.Cron
}

// NewReconciler constructs a Reconciler. schedule is a cron expression,
// typically "@every 30s".
func NewReconciler(
	store redisstore.SignatureStore,
	redisClient *redis.Client,
	trigger engine.Trigger,
	instanceID string,
	schedule string,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:      store,
		redis:      redisClient,
		trigger:    trigger,
		instanceID: instanceID,
		schedule:   schedule,
		logger:     logger,
	}
}

// Start schedules the sweep and returns immediately. The cron stops when ctx
// is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { r.sweep(ctx) }); err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

func (r *Reconciler) sweep(ctx context.Context) {
	if !r.acquireOrRenewLeadership(ctx) {
		return
	}
	telemetry.ReconcilerSweeps.Inc()

	keys, err := r.store.ActiveSwarms(ctx)
	if err != nil {
		r.logger.Error("reconciler: list active swarms", slog.String("error", err.Error()))
		return
	}

	for _, key := range keys {
		job, err := r.refillJob(ctx, key)
		if err != nil {
			r.logger.Error("reconciler: inspect swarm",
				slog.String("swarm_key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if job == nil {
			continue
		}

		if err := r.trigger.Trigger(ctx, job); err != nil {
			r.logger.Error("reconciler: dispatch refill",
				slog.String("swarm_key", key),
				slog.String("task_name", job.TaskName),
				slog.String("error", err.Error()),
			)
			continue
		}
		telemetry.ReconcilerRefills.Inc()
		r.logger.Info("reconciler dispatched swarm refill",
			slog.String("swarm_key", key),
			slog.String("task_name", job.TaskName),
		)
	}
}

// refillJob returns the dispatch job that would advance a stalled swarm, or
// nil when nothing is owed. A vanished swarm is dropped from the active
// index instead.
func (r *Reconciler) refillJob(ctx context.Context, key string) (*engine.Job, error) {
	sig, err := r.store.Get(ctx, key)
	if err != nil {
		var notFound *domain.SignatureNotFoundError
		if errors.As(err, &notFound) {
			if remErr := r.store.RemoveActiveSwarm(ctx, key); remErr != nil {
				r.logger.Warn("reconciler: drop stale swarm from index",
					slog.String("swarm_key", key),
					slog.String("error", remErr.Error()),
				)
			}
			return nil, nil
		}
		return nil, err
	}

	sw, ok := sig.(*domain.SwarmSignature)
	if !ok {
		return nil, nil
	}

	// Closed but never started: the start dispatch was lost between the
	// close flag and the trigger. The start handler is idempotent.
	if !sw.Started {
		if sw.IsSwarmClosed {
			return r.swarmJob(key, engine.TaskSwarmStart), nil
		}
		return nil, nil
	}

	// Keys decided-for-triggering but never confirmed triggered.
	ledger, err := r.store.ListRange(ctx, sw.PublishStateKey, redisstore.ListPublish)
	if err != nil {
		return nil, err
	}
	if len(ledger) > 0 {
		return r.swarmJob(key, engine.TaskSwarmFill), nil
	}

	// Queued work with a free slot.
	capacity := int64(sw.Config.MaxConcurrency) - sw.CurrentRunningTasks
	if len(sw.TasksLeftToRun) > 0 && capacity > 0 {
		return r.swarmJob(key, engine.TaskSwarmFill), nil
	}

	// Closed and drained but the aggregate callback never published; the
	// fill's completion check resolves it.
	if sw.IsSwarmClosed && sw.CurrentRunningTasks == 0 && len(sw.TasksLeftToRun) == 0 &&
		!sw.PublishedSuccess && !sw.PublishedErrors {
		return r.swarmJob(key, engine.TaskSwarmFill), nil
	}

	return nil, nil
}

func (r *Reconciler) swarmJob(key, taskName string) *engine.Job {
	job := engine.NewJob(key, taskName)
	job.Identifiers = map[string]string{engine.IdentSwarmKey: key}
	return job
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is
// the leader.
func (r *Reconciler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := r.redis.SetNX(ctx, reconcilerLeaderKey, r.instanceID, reconcilerLeaderTTL).Result()
	if err != nil {
		r.logger.Error("reconciler leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		r.logger.Info("acquired reconciler leadership", slog.String("instance_id", r.instanceID))
		return true
	}

	// Already held. Renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, r.redis,
		[]string{reconcilerLeaderKey},
		r.instanceID,
		reconcilerLeaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error("reconciler leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
