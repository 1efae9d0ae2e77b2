package conductor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/invoker"
	"github.com/imaginary-cherry/mageflow/internal/kafka"
	"github.com/imaginary-cherry/mageflow/internal/memstore"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/internal/signature"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeTrigger struct {
	jobs []*engine.Job
}

func (f *fakeTrigger) Trigger(_ context.Context, job *engine.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func newTestConductor() (*Conductor, *memstore.Store) {
	store := memstore.New()
	svc := signature.NewService(store, &fakeTrigger{}, slog.Default())
	inv := invoker.New(svc, engine.NewRegistry(), slog.Default())
	return New(nil, inv, slog.Default()), store
}

func encodedJob(t *testing.T, key, taskName string) kafka.Message {
	t.Helper()
	job := engine.NewJob(key, taskName)
	data, err := job.Encode()
	require.NoError(t, err)
	return kafka.Message{Value: data}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestProcessMessage_MalformedDiscarded(t *testing.T) {
	c, _ := newTestConductor()
	err := c.processMessage(context.Background(), kafka.Message{Value: []byte("not-json")})
	assert.NoError(t, err, "malformed payload must be committed away, not redelivered forever")
}

func TestProcessMessage_GoneSignatureCommits(t *testing.T) {
	c, _ := newTestConductor()
	err := c.processMessage(context.Background(), encodedJob(t, "Task:gone", "billing.charge"))
	assert.NoError(t, err)
}

func TestProcessMessage_InternalHandlerErrorSkipsCommit(t *testing.T) {
	c, _ := newTestConductor()
	// No internal handlers registered: the error must propagate so the offset
	// is not committed and the message is redelivered.
	err := c.processMessage(context.Background(), encodedJob(t, "Chain:x", engine.TaskChainEnd))
	require.Error(t, err)
	var unknown *domain.UnknownTaskError
	assert.ErrorAs(t, err, &unknown)
}

// blockingConsumer holds Subscribe open until released, standing in for a
// consume loop with a delivery in flight.
type blockingConsumer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingConsumer) Subscribe(_ context.Context, _ kafka.HandlerFunc) error {
	close(b.started)
	<-b.release
	return nil
}

func (b *blockingConsumer) Close() error { return nil }

func TestWait_BlocksUntilConsumeLoopReturns(t *testing.T) {
	consumer := &blockingConsumer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := signature.NewService(memstore.New(), &fakeTrigger{}, slog.Default())
	inv := invoker.New(svc, engine.NewRegistry(), slog.Default())
	c := New(consumer, inv, slog.Default())

	runDone := make(chan struct{})
	go func() {
		_ = c.Run(context.Background())
		close(runDone)
	}()
	<-consumer.started

	waitDone := make(chan struct{})
	go func() {
		c.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("Wait returned while the consume loop was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(consumer.release)
	<-runDone
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the consume loop stopped")
	}
}

// ── reconciler ───────────────────────────────────────────────────────────────

func newTestReconciler() (*Reconciler, *memstore.Store, *fakeTrigger) {
	store := memstore.New()
	trig := &fakeTrigger{}
	rec := NewReconciler(store, nil, trig, "test-instance", "@every 1s", slog.Default())
	return rec, store, trig
}

func saveSwarm(t *testing.T, store *memstore.Store, mutate func(*domain.SwarmSignature)) *domain.SwarmSignature {
	t.Helper()
	ctx := context.Background()

	ledger := domain.NewPublishState()
	require.NoError(t, store.Save(ctx, ledger))

	sw := &domain.SwarmSignature{
		TaskSignature:   *domain.NewTaskSignature("mageflow.swarm"),
		Config:          domain.SwarmConfig{MaxConcurrency: 2},
		PublishStateKey: ledger.Key,
		Started:         true,
	}
	sw.Key = domain.NewKey(domain.KindSwarm)
	if mutate != nil {
		mutate(sw)
	}
	require.NoError(t, store.Save(ctx, sw))
	require.NoError(t, store.AddActiveSwarm(ctx, sw.Key))
	return sw
}

func TestRefillJob_GoneSwarmDroppedFromIndex(t *testing.T) {
	rec, store, _ := newTestReconciler()
	ctx := context.Background()
	require.NoError(t, store.AddActiveSwarm(ctx, "Swarm:gone"))

	job, err := rec.refillJob(ctx, "Swarm:gone")
	require.NoError(t, err)
	assert.Nil(t, job)

	active, err := store.ActiveSwarms(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRefillJob_OpenUnstartedSwarm(t *testing.T) {
	rec, store, _ := newTestReconciler()
	sw := saveSwarm(t, store, func(sw *domain.SwarmSignature) { sw.Started = false })

	job, err := rec.refillJob(context.Background(), sw.Key)
	require.NoError(t, err)
	assert.Nil(t, job, "an open swarm is still accepting tasks, nothing to heal")
}

func TestRefillJob_ClosedButNeverStarted(t *testing.T) {
	rec, store, _ := newTestReconciler()
	sw := saveSwarm(t, store, func(sw *domain.SwarmSignature) {
		sw.Started = false
		sw.IsSwarmClosed = true
	})

	job, err := rec.refillJob(context.Background(), sw.Key)
	require.NoError(t, err)
	require.NotNil(t, job, "a lost start dispatch must be re-issued")
	assert.Equal(t, engine.TaskSwarmStart, job.TaskName)
	assert.Equal(t, sw.Key, job.Identifiers[engine.IdentSwarmKey])
}

func TestRefillJob_OwedLedgerEntries(t *testing.T) {
	rec, store, _ := newTestReconciler()
	ctx := context.Background()

	var ledgerKey string
	sw := saveSwarm(t, store, func(sw *domain.SwarmSignature) { ledgerKey = sw.PublishStateKey })
	require.NoError(t, store.AppendList(ctx, ledgerKey, redisstore.ListPublish, "BatchItem:stuck"))

	job, err := rec.refillJob(ctx, sw.Key)
	require.NoError(t, err)
	require.NotNil(t, job, "unconfirmed ledger entries mean a crashed fill")
	assert.Equal(t, engine.TaskSwarmFill, job.TaskName)
}

func TestRefillJob_QueuedWorkWithSpareCapacity(t *testing.T) {
	rec, store, _ := newTestReconciler()
	sw := saveSwarm(t, store, func(sw *domain.SwarmSignature) {
		sw.TasksLeftToRun = []string{"BatchItem:a"}
		sw.CurrentRunningTasks = 1
	})

	job, err := rec.refillJob(context.Background(), sw.Key)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, engine.TaskSwarmFill, job.TaskName)
}

func TestRefillJob_SaturatedSwarm(t *testing.T) {
	rec, store, _ := newTestReconciler()
	sw := saveSwarm(t, store, func(sw *domain.SwarmSignature) {
		sw.TasksLeftToRun = []string{"BatchItem:a"}
		sw.CurrentRunningTasks = 2
	})

	job, err := rec.refillJob(context.Background(), sw.Key)
	require.NoError(t, err)
	assert.Nil(t, job, "no free slot, nothing to dispatch")
}

func TestRefillJob_DrainedButUnpublished(t *testing.T) {
	rec, store, _ := newTestReconciler()
	sw := saveSwarm(t, store, func(sw *domain.SwarmSignature) {
		sw.IsSwarmClosed = true
	})

	job, err := rec.refillJob(context.Background(), sw.Key)
	require.NoError(t, err)
	require.NotNil(t, job, "completion check never published, fill resolves it")
	assert.Equal(t, engine.TaskSwarmFill, job.TaskName)
}

func TestRefillJob_CompletedSwarm(t *testing.T) {
	rec, store, _ := newTestReconciler()
	sw := saveSwarm(t, store, func(sw *domain.SwarmSignature) {
		sw.IsSwarmClosed = true
		sw.PublishedSuccess = true
	})

	job, err := rec.refillJob(context.Background(), sw.Key)
	require.NoError(t, err)
	assert.Nil(t, job)
}
