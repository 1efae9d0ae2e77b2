//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestRedisStore_SaveGet_RoundTrip(t *testing.T) {
	store := redisstore.NewStore(newRedisClient(t))
	ctx := context.Background()

	sw := &domain.SwarmSignature{
		TaskSignature:  *domain.NewTaskSignature("mageflow.swarm"),
		Config:         domain.SwarmConfig{MaxConcurrency: 4, MaxTaskAllowed: 10},
		Tasks:          []string{"BatchItem:a", "BatchItem:b"},
		TasksLeftToRun: []string{"BatchItem:a", "BatchItem:b"},
	}
	sw.Key = domain.NewKey(domain.KindSwarm)
	sw.Kwargs = map[string]any{"tenant": "acme"}
	sw.SuccessCallbacks = []string{"Task:done-cb"}
	require.NoError(t, store.Save(ctx, sw))

	got, err := store.Get(ctx, sw.Key)
	require.NoError(t, err)
	loaded, ok := got.(*domain.SwarmSignature)
	require.True(t, ok)
	assert.Equal(t, 4, loaded.Config.MaxConcurrency)
	assert.Equal(t, []string{"BatchItem:a", "BatchItem:b"}, loaded.Tasks)
	assert.Equal(t, []string{"BatchItem:a", "BatchItem:b"}, loaded.TasksLeftToRun)
	assert.Equal(t, []string{"Task:done-cb"}, loaded.SuccessCallbacks)
	assert.Equal(t, "acme", loaded.Kwargs["tenant"])
	assert.False(t, loaded.IsSwarmClosed)
}

func TestRedisStore_Get_NotFound(t *testing.T) {
	store := redisstore.NewStore(newRedisClient(t))

	_, err := store.Get(context.Background(), "Task:does-not-exist")
	require.Error(t, err)

	var notFound *domain.SignatureNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "Task:does-not-exist", notFound.Key)
}

func TestRedisStore_SetFlagOnce_SingleWinner(t *testing.T) {
	store := redisstore.NewStore(newRedisClient(t))
	ctx := context.Background()

	sig := domain.NewTaskSignature("billing.charge")
	require.NoError(t, store.Save(ctx, sig))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.SetFlagOnce(ctx, sig.Key, redisstore.FieldPublishedSuccess)
			if err == nil && won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "HSETNX must admit exactly one winner")
}

func TestRedisStore_ReserveSlots_Atomic(t *testing.T) {
	store := redisstore.NewStore(newRedisClient(t))
	ctx := context.Background()

	ledger := domain.NewPublishState()
	require.NoError(t, store.Save(ctx, ledger))

	items := make([]string, 3)
	for i := range items {
		item := &domain.BatchItemSignature{
			TaskSignature: *domain.NewTaskSignature("mageflow.swarm.item.run"),
		}
		item.Key = domain.NewKey(domain.KindBatchItem)
		require.NoError(t, store.Save(ctx, item))
		items[i] = item.Key
	}

	sw := &domain.SwarmSignature{
		TaskSignature:   *domain.NewTaskSignature("mageflow.swarm"),
		Config:          domain.SwarmConfig{MaxConcurrency: 2},
		Tasks:           items,
		TasksLeftToRun:  items,
		PublishStateKey: ledger.Key,
	}
	sw.Key = domain.NewKey(domain.KindSwarm)
	require.NoError(t, store.Save(ctx, sw))

	reserved, err := store.ReserveSlots(ctx, sw.Key, ledger.Key, sw.Config.MaxConcurrency)
	require.NoError(t, err)
	assert.Equal(t, items[:2], reserved, "reservation pops up to the free capacity")

	queue, err := store.ListRange(ctx, sw.Key, redisstore.ListQueue)
	require.NoError(t, err)
	assert.Equal(t, items[2:], queue, "reserved keys are popped off the queue")

	owed, err := store.ListRange(ctx, ledger.Key, redisstore.ListPublish)
	require.NoError(t, err)
	assert.Equal(t, items[:2], owed, "reserved keys land in the publish ledger")

	got, err := store.Get(ctx, sw.Key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.(*domain.SwarmSignature).CurrentRunningTasks)

	for _, key := range items[:2] {
		sig, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, sig.(*domain.BatchItemSignature).SlotReserved, "%s should be slot-reserved", key)
	}

	// Saturated: a second reservation reads zero capacity in the same step.
	reserved, err = store.ReserveSlots(ctx, sw.Key, ledger.Key, sw.Config.MaxConcurrency)
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

func TestRedisStore_ClaimSlot_RespectsCeiling(t *testing.T) {
	store := redisstore.NewStore(newRedisClient(t))
	ctx := context.Background()

	sw := &domain.SwarmSignature{
		TaskSignature: *domain.NewTaskSignature("mageflow.swarm"),
		Config:        domain.SwarmConfig{MaxConcurrency: 1},
	}
	sw.Key = domain.NewKey(domain.KindSwarm)
	require.NoError(t, store.Save(ctx, sw))

	item := &domain.BatchItemSignature{
		TaskSignature: *domain.NewTaskSignature("mageflow.swarm.item.run"),
	}
	item.Key = domain.NewKey(domain.KindBatchItem)
	require.NoError(t, store.Save(ctx, item))

	won, err := store.ClaimSlot(ctx, sw.Key, item.Key, sw.Config.MaxConcurrency)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := store.Get(ctx, item.Key)
	require.NoError(t, err)
	assert.True(t, got.(*domain.BatchItemSignature).SlotReserved)

	won, err = store.ClaimSlot(ctx, sw.Key, "BatchItem:late", sw.Config.MaxConcurrency)
	require.NoError(t, err)
	assert.False(t, won, "counter at the ceiling must reject the claim")
}

func TestRedisStore_SeedQueueOnce_SingleWinner(t *testing.T) {
	store := redisstore.NewStore(newRedisClient(t))
	ctx := context.Background()

	sw := &domain.SwarmSignature{
		TaskSignature: *domain.NewTaskSignature("mageflow.swarm"),
	}
	sw.Key = domain.NewKey(domain.KindSwarm)
	require.NoError(t, store.Save(ctx, sw))

	tasks := []string{"BatchItem:a", "BatchItem:b"}
	won, err := store.SeedQueueOnce(ctx, sw.Key, tasks)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.SeedQueueOnce(ctx, sw.Key, tasks)
	require.NoError(t, err)
	assert.False(t, won, "redelivered seed must lose")

	queue, err := store.ListRange(ctx, sw.Key, redisstore.ListQueue)
	require.NoError(t, err)
	assert.Equal(t, tasks, queue, "the queue is seeded exactly once")
}

func TestRedisStore_SoftDelete_GraceWindow(t *testing.T) {
	client := newRedisClient(t)
	store := redisstore.NewStore(client)
	ctx := context.Background()

	sig := domain.NewTaskSignature("billing.charge")
	require.NoError(t, store.Save(ctx, sig))
	require.NoError(t, store.SoftDelete(ctx, sig.Key))

	// A late duplicate read during the grace window still resolves.
	got, err := store.Get(ctx, sig.Key)
	require.NoError(t, err)
	assert.Equal(t, sig.Key, got.SignatureKey())

	ttl := client.TTL(ctx, "sig:"+sig.Key).Val()
	assert.Greater(t, ttl, time.Duration(0), "soft delete leaves a finite TTL")
	assert.LessOrEqual(t, ttl, 5*time.Minute)
}

func TestRedisStore_WithLock_MutualExclusion(t *testing.T) {
	client := newRedisClient(t)
	store := redisstore.NewStore(client)
	ctx := context.Background()

	// Non-atomic read-modify-write is only safe when the lock serializes it.
	const key = "Swarm:lock-test"
	const counter = "lock-test-counter"
	require.NoError(t, client.Set(ctx, counter, 0, 0).Err())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithLock(ctx, key, redisstore.LockActionDefault, func(ctx context.Context) error {
				n, err := client.Get(ctx, counter).Int()
				if err != nil {
					return err
				}
				time.Sleep(20 * time.Millisecond)
				return client.Set(ctx, counter, n+1, 0).Err()
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := client.Get(ctx, counter).Int()
	require.NoError(t, err)
	assert.Equal(t, 5, n, "lost updates mean the lock did not serialize")
}

func TestRedisStore_ActiveSwarmIndex(t *testing.T) {
	store := redisstore.NewStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.AddActiveSwarm(ctx, "Swarm:one"))
	require.NoError(t, store.AddActiveSwarm(ctx, "Swarm:two"))

	active, err := store.ActiveSwarms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Swarm:one", "Swarm:two"}, active)

	require.NoError(t, store.RemoveActiveSwarm(ctx, "Swarm:one"))
	active, err = store.ActiveSwarms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Swarm:two"}, active)
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 5, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(ctx, "within-limit")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "over-limit")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "over-limit")
	require.NoError(t, err)
	assert.False(t, ok, "4th request should be rate-limited")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	// Use a short window so the test doesn't take too long.
	window := 200 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "expiry-key")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.False(t, ok, "should be blocked within window")

	// After the window expires, the limit resets.
	time.Sleep(window + 50*time.Millisecond)

	ok, err = limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed after window expires")
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "key-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "key-a")
	require.NoError(t, err)
	assert.False(t, ok, "key-a should be limited")

	// key-b has its own independent window.
	ok, err = limiter.Allow(ctx, "key-b")
	require.NoError(t, err)
	assert.True(t, ok, "key-b should be independent of key-a")
}

// ── Benchmarks ───────────────────────────────────────────────────────────────

func newBenchStore(b *testing.B) redisstore.SignatureStore {
	b.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	b.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return redisstore.NewStore(client)
}

// BenchmarkStore_Save measures the pipelined hash + collections write.
func BenchmarkStore_Save(b *testing.B) {
	store := newBenchStore(b)
	ctx := context.Background()

	sig := domain.NewTaskSignature("bench.task")
	sig.Kwargs = map[string]any{"n": 1}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.Save(ctx, sig); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStore_Get measures a full record load including collections.
func BenchmarkStore_Get(b *testing.B) {
	store := newBenchStore(b)
	ctx := context.Background()

	sig := domain.NewTaskSignature("bench.task")
	sig.SuccessCallbacks = []string{"Task:cb-1", "Task:cb-2"}
	if err := store.Save(ctx, sig); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Get(ctx, sig.Key); err != nil {
			b.Fatal(err)
		}
	}
}
