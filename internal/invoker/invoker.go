// Package invoker wraps one execution attempt of a task. It is the glue
// between the dispatch pipeline and the signature state machine: should-run
// gating, activation, handler execution with retry, then the success or
// failure path with container notification and callback activation.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/postgres"
	"github.com/imaginary-cherry/mageflow/internal/signature"
	"github.com/imaginary-cherry/mageflow/pkg/retry"
	"github.com/imaginary-cherry/mageflow/pkg/telemetry"
)

// Container receives completion notifications for sub-tasks it owns. Chains
// register here; swarms advance through their own callback wiring instead.
type Container interface {
	OnSubTaskDone(ctx context.Context, containerKey, subKey string, result json.RawMessage) error
	OnSubTaskError(ctx context.Context, containerKey, subKey string, taskErr string) error
}

// Invoker executes dispatched jobs.
type Invoker struct {
	sigs       *signature.Service
	registry   *engine.Registry
	containers map[domain.Kind]Container
	journal    postgres.ExecutionJournal
	maxRetries int
	timeout    time.Duration
	baseDelay  time.Duration
	logger     *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

func WithRetries(n int) Option             { return func(i *Invoker) { i.maxRetries = n } }
func WithTimeout(d time.Duration) Option   { return func(i *Invoker) { i.timeout = d } }
func WithBaseDelay(d time.Duration) Option { return func(i *Invoker) { i.baseDelay = d } }
func WithJournal(j postgres.ExecutionJournal) Option {
	return func(i *Invoker) { i.journal = j }
}

// New constructs an Invoker.
func New(sigs *signature.Service, registry *engine.Registry, logger *slog.Logger, opts ...Option) *Invoker {
	inv := &Invoker{
		sigs:       sigs,
		registry:   registry,
		containers: map[domain.Kind]Container{},
		maxRetries: 3,
		timeout:    30 * time.Second,
		baseDelay:  time.Second,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// RegisterContainer routes completions of sub-tasks whose container is of
// the given kind.
func (i *Invoker) RegisterContainer(kind domain.Kind, c Container) {
	i.containers[kind] = c
}

// Run executes one dispatched job. Internal framework tasks run their
// handler directly and propagate errors so the pipeline redelivers them;
// user tasks get the full signature lifecycle and always consume the
// delivery.
func (i *Invoker) Run(ctx context.Context, job *engine.Job) error {
	ctx, span := otel.Tracer("invoker").Start(ctx, "invoker.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("signature.key", job.SignatureKey),
		attribute.String("task.name", job.TaskName),
	)

	if engine.IsInternalTask(job.TaskName) {
		return i.runInternal(ctx, span, job)
	}
	return i.runUserTask(ctx, span, job)
}

func (i *Invoker) runInternal(ctx context.Context, span trace.Span, job *engine.Job) error {
	h, err := i.registry.Get(job.TaskName)
	if err != nil {
		// Not registered in this process; leave for redelivery elsewhere.
		span.RecordError(err)
		return err
	}
	if _, err := h.Handle(ctx, job); err != nil {
		i.logger.Error("internal handler failed",
			slog.String("task_name", job.TaskName),
			slog.String("signature_key", job.SignatureKey),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "internal handler failed")
		return err
	}
	return nil
}

func (i *Invoker) runUserTask(ctx context.Context, span trace.Span, job *engine.Job) error {
	log := i.logger.With(
		slog.String("signature_key", job.SignatureKey),
		slog.String("task_name", job.TaskName),
	)

	sig, err := i.sigs.Get(ctx, job.SignatureKey)
	if err != nil {
		var notFound *domain.SignatureNotFoundError
		if errors.As(err, &notFound) {
			log.Info("signature gone, dropping delivery")
			telemetry.InvokerAttempts.WithLabelValues("skipped").Inc()
			return nil
		}
		return err
	}
	base := sig.Base()

	// Terminal records mean a duplicate delivery of an already-finished run.
	if base.Status.IsTerminal() {
		log.Info("signature already terminal, skipping",
			slog.String("status", string(base.Status)))
		telemetry.InvokerAttempts.WithLabelValues("skipped").Inc()
		return nil
	}
	if !base.Status.ShouldRun() {
		telemetry.InvokerAttempts.WithLabelValues("skipped").Inc()
		return i.sigs.HandleInactive(ctx, sig, job.Kwargs)
	}

	if err := i.sigs.Start(ctx, job.SignatureKey, job.WorkerTaskID); err != nil {
		return fmt.Errorf("activate %s: %w", job.SignatureKey, err)
	}

	h, err := i.registry.Get(job.TaskName)
	if err != nil {
		log.Error("no handler for task", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		return i.failure(ctx, base, job, err, 1, 0)
	}

	telemetry.InvokerInFlight.Inc()
	defer telemetry.InvokerInFlight.Dec()

	maxAttempts := i.maxAttemptsFor(ctx, job.TaskName)
	start := time.Now()
	attempts := 0
	var result json.RawMessage

	execErr := retry.Do(ctx, retry.Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   i.baseDelay,
		OnRetry: func(attempt int, retryErr error) {
			telemetry.InvokerAttempts.WithLabelValues("retry").Inc()
			log.Warn("attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		attempts++
		// The handler timeout is independent of consumer shutdown, but child
		// spans stay parented to this attempt.
		execCtx, cancel := context.WithTimeout(
			trace.ContextWithSpan(context.Background(), span),
			i.timeout,
		)
		defer cancel()
		var hErr error
		result, hErr = h.Handle(execCtx, job)
		return hErr
	})

	durationMs := time.Since(start).Milliseconds()
	telemetry.InvokerDurationSeconds.Observe(time.Since(start).Seconds())

	if execErr != nil {
		log.Error("task failed after all attempts",
			slog.Int("attempts", attempts),
			slog.String("error", execErr.Error()),
		)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "task exhausted all attempts")
		return i.failure(ctx, base, job, execErr, attempts, durationMs)
	}

	log.Info("task completed",
		slog.Int("attempts", attempts),
		slog.Int64("duration_ms", durationMs),
	)
	return i.success(ctx, base, job, result, attempts, durationMs)
}

// maxAttemptsFor resolves the attempt budget from the task's registered
// definition, falling back to the invoker default.
func (i *Invoker) maxAttemptsFor(ctx context.Context, taskName string) int {
	def, err := i.sigs.Store().GetTaskDef(ctx, taskName)
	if err != nil || def == nil {
		return i.maxRetries + 1
	}
	return def.MaxRetries + 1
}

func (i *Invoker) success(ctx context.Context, base *domain.TaskSignature, job *engine.Job, result json.RawMessage, attempts int, durationMs int64) error {
	if err := i.notifyContainer(ctx, base, job, result, ""); err != nil {
		return err
	}
	if err := i.sigs.ActivateSuccess(ctx, base.Key, result, nil); err != nil {
		return err
	}
	if err := i.sigs.Done(ctx, base.Key); err != nil {
		return err
	}
	// The success branch was just activated; only the dead error branch and
	// the record itself go.
	if err := i.sigs.Remove(ctx, base.Key, false, true); err != nil {
		return err
	}
	i.record(ctx, base, job, domain.StatusDone, attempts, durationMs, "")
	telemetry.InvokerAttempts.WithLabelValues("done").Inc()
	return nil
}

func (i *Invoker) failure(ctx context.Context, base *domain.TaskSignature, job *engine.Job, taskErr error, attempts int, durationMs int64) error {
	if err := i.notifyContainer(ctx, base, job, nil, taskErr.Error()); err != nil {
		return err
	}
	if err := i.sigs.ActivateError(ctx, base.Key, taskErr.Error(), nil); err != nil {
		return err
	}
	if err := i.sigs.Failed(ctx, base.Key); err != nil {
		return err
	}
	if err := i.sigs.Remove(ctx, base.Key, true, false); err != nil {
		return err
	}
	i.record(ctx, base, job, domain.StatusFailed, attempts, durationMs, taskErr.Error())
	telemetry.InvokerAttempts.WithLabelValues("failed").Inc()
	return nil
}

func (i *Invoker) notifyContainer(ctx context.Context, base *domain.TaskSignature, job *engine.Job, result json.RawMessage, taskErr string) error {
	if base.ContainerKey == "" {
		return nil
	}
	kind, err := domain.KindOfKey(base.ContainerKey)
	if err != nil {
		return err
	}
	c, ok := i.containers[kind]
	if !ok {
		return nil
	}
	if taskErr != "" {
		return c.OnSubTaskError(ctx, base.ContainerKey, base.Key, taskErr)
	}
	return c.OnSubTaskDone(ctx, base.ContainerKey, base.Key, result)
}

// record writes the attempt to the execution journal. The journal is an
// audit trail, never part of the control path.
func (i *Invoker) record(ctx context.Context, base *domain.TaskSignature, job *engine.Job, status domain.Status, attempts int, durationMs int64, errMsg string) {
	if i.journal == nil {
		return
	}
	rec := &domain.AttemptRecord{
		SignatureKey: base.Key,
		TaskName:     job.TaskName,
		WorkerTaskID: job.WorkerTaskID,
		Attempt:      attempts,
		Status:       status,
		DurationMs:   durationMs,
		Error:        errMsg,
		ExecutedAt:   time.Now().UTC(),
	}
	if err := i.journal.RecordAttempt(ctx, rec); err != nil {
		telemetry.JournalWriteFailures.Inc()
		i.logger.Error("failed to record attempt",
			slog.String("signature_key", base.Key),
			slog.String("error", err.Error()),
		)
	}
}
