//go:build integration

// Package integration contains end-to-end tests that require real
// infrastructure (Kafka, Redis, PostgreSQL) provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginary-cherry/mageflow/internal/chain"
	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/invoker"
	"github.com/imaginary-cherry/mageflow/internal/kafka"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
	"github.com/imaginary-cherry/mageflow/internal/signature"
	"github.com/imaginary-cherry/mageflow/internal/swarm"
	"github.com/imaginary-cherry/mageflow/services/conductor"
)

var dispatchTopicOnce sync.Once

// e2eEnv is a full in-process conductor wired to the test containers. Each
// test gets its own consumer group; re-reading another test's already-settled
// jobs is harmless because delivery handling is idempotent.
type e2eEnv struct {
	store redisstore.SignatureStore
	sigs  *signature.Service
	chn   *chain.Chains
	swm   *swarm.Swarms
	reg   *engine.Registry
}

func newE2EEnv(t *testing.T, group string) *e2eEnv {
	t.Helper()
	logger := slog.Default()

	dispatchTopicOnce.Do(func() { createTopic(t, engine.TopicDispatch) })

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	store := redisstore.NewStore(client)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck
	trigger := engine.NewKafkaTrigger(producer)

	sigs := signature.NewService(store, trigger, logger)
	chn := chain.New(sigs, logger)
	swm := swarm.New(sigs, logger)

	reg := engine.NewRegistry()
	chn.RegisterHandlers(reg)
	swm.RegisterHandlers(reg)

	inv := invoker.New(sigs, reg, logger,
		invoker.WithRetries(1),
		invoker.WithBaseDelay(10*time.Millisecond),
	)
	inv.RegisterContainer(domain.KindChain, chn)

	consumer := kafka.NewConsumer(testKafkaBrokers, engine.TopicDispatch, group, logger)
	cond := conductor.New(consumer, inv, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	go cond.Run(runCtx) //nolint:errcheck
	t.Cleanup(func() {
		cancel()
		cond.Wait()
		consumer.Close() //nolint:errcheck
	})

	return &e2eEnv{store: store, sigs: sigs, chn: chn, swm: swm, reg: reg}
}

func (e *e2eEnv) signTask(t *testing.T, name string) *domain.TaskSignature {
	t.Helper()
	sig := domain.NewTaskSignature(name)
	require.NoError(t, e.sigs.Sign(context.Background(), sig))
	return sig
}

func waitForStatus(t *testing.T, store redisstore.SignatureStore, key string, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		sig, err := store.Get(context.Background(), key)
		if err != nil {
			return false
		}
		return sig.Base().Status == want
	}, 60*time.Second, 100*time.Millisecond, "signature %s never reached %s", key, want)
}

// TestE2E_ChainRunsInOrder drives a 3-task chain through Kafka and Redis:
// trigger, sequential execution with result piping, chain DONE.
func TestE2E_ChainRunsInOrder(t *testing.T) {
	env := newE2EEnv(t, "e2e-chain")
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	var pipedIntoB any

	env.reg.RegisterFunc("e2e.step", func(_ context.Context, job *engine.Job) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, job.SignatureKey)
		if len(order) == 2 {
			pipedIntoB = job.Kwargs[domain.DefaultResultField]
		}
		mu.Unlock()
		return json.Marshal(map[string]string{"from": job.SignatureKey})
	})

	a := env.signTask(t, "e2e.step")
	b := env.signTask(t, "e2e.step")
	c := env.signTask(t, "e2e.step")

	ch, err := env.chn.Create(ctx, []string{a.Key, b.Key, c.Key})
	require.NoError(t, err)

	require.NoError(t, env.sigs.TriggerSignature(ctx, ch.Key, map[string]any{"seed": "x"}))

	waitForStatus(t, env.store, ch.Key, domain.StatusDone)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{a.Key, b.Key, c.Key}, order, "chain must run strictly in order")

	piped, ok := pipedIntoB.(map[string]any)
	require.True(t, ok, "second step should receive the first step's result")
	assert.Equal(t, a.Key, piped["from"])
}

// TestE2E_SwarmBoundedFanOut drives a swarm of 4 tasks with concurrency 2 to
// completion and checks the aggregated results.
func TestE2E_SwarmBoundedFanOut(t *testing.T) {
	env := newE2EEnv(t, "e2e-swarm")
	ctx := context.Background()

	var mu sync.Mutex
	running, maxRunning, runs := 0, 0, 0

	env.reg.RegisterFunc("e2e.item", func(_ context.Context, job *engine.Job) (json.RawMessage, error) {
		mu.Lock()
		running++
		runs++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return json.Marshal(map[string]string{"item": job.SignatureKey})
	})

	sw, err := env.swm.Create(ctx, domain.SwarmConfig{MaxConcurrency: 2})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		task := env.signTask(t, "e2e.item")
		_, err := env.swm.AddTask(ctx, sw.Key, task.Key)
		require.NoError(t, err)
	}
	require.NoError(t, env.swm.CloseSwarm(ctx, sw.Key))

	waitForStatus(t, env.store, sw.Key, domain.StatusDone)

	mu.Lock()
	assert.Equal(t, 4, runs, "every task runs exactly once")
	assert.LessOrEqual(t, maxRunning, 2, "concurrency bound must hold")
	mu.Unlock()

	results, err := env.store.Results(ctx, sw.Key)
	require.NoError(t, err)
	assert.Len(t, results, 4, "aggregate result collects every item output")

	final, err := env.store.Get(ctx, sw.Key)
	require.NoError(t, err)
	assert.Zero(t, final.(*domain.SwarmSignature).CurrentRunningTasks)
}
