package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

func TestSetFlagOnce_SingleWinner(t *testing.T) {
	s := New()
	key := domain.NewKey(domain.KindChain)

	won, err := s.SetFlagOnce(context.Background(), key, redisstore.FieldPublishedSuccess)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetFlagOnce(context.Background(), key, redisstore.FieldPublishedSuccess)
	require.NoError(t, err)
	assert.False(t, won, "second raise must lose")
}

func TestAddToSet_DuplicateGuard(t *testing.T) {
	s := New()
	key := domain.NewKey(domain.KindSwarm)

	added, err := s.AddToSet(context.Background(), key, redisstore.SetFinished, "BatchItem:a")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddToSet(context.Background(), key, redisstore.SetFinished, "BatchItem:a")
	require.NoError(t, err)
	assert.False(t, added)

	size, err := s.SetSize(context.Background(), key, redisstore.SetFinished)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestReserveSlots_PopsUpToFreeCapacity(t *testing.T) {
	s := New()
	ctx := context.Background()

	sw := &domain.SwarmSignature{
		TaskSignature:  *domain.NewTaskSignature("mageflow.swarm"),
		Config:         domain.SwarmConfig{MaxConcurrency: 2},
		TasksLeftToRun: []string{"BatchItem:a", "BatchItem:b", "BatchItem:c"},
	}
	sw.Key = domain.NewKey(domain.KindSwarm)
	require.NoError(t, s.Save(ctx, sw))

	ledger := domain.NewPublishState()
	require.NoError(t, s.Save(ctx, ledger))

	reserved, err := s.ReserveSlots(ctx, sw.Key, ledger.Key, sw.Config.MaxConcurrency)
	require.NoError(t, err)
	assert.Equal(t, []string{"BatchItem:a", "BatchItem:b"}, reserved)

	queue, err := s.ListRange(ctx, sw.Key, redisstore.ListQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{"BatchItem:c"}, queue)

	owed, err := s.ListRange(ctx, ledger.Key, redisstore.ListPublish)
	require.NoError(t, err)
	assert.Equal(t, []string{"BatchItem:a", "BatchItem:b"}, owed)

	got, err := s.Get(ctx, sw.Key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.(*domain.SwarmSignature).CurrentRunningTasks)

	// Saturated: nothing more comes off the queue.
	reserved, err = s.ReserveSlots(ctx, sw.Key, ledger.Key, sw.Config.MaxConcurrency)
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

func TestClaimSlot_RespectsCeiling(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := domain.NewKey(domain.KindSwarm)

	won, err := s.ClaimSlot(ctx, key, "BatchItem:a", 1)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimSlot(ctx, key, "BatchItem:b", 1)
	require.NoError(t, err)
	assert.False(t, won, "counter at the ceiling must reject the claim")
}

func TestSeedQueueOnce_SecondSeedIsNoOp(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := domain.NewKey(domain.KindSwarm)

	won, err := s.SeedQueueOnce(ctx, key, []string{"BatchItem:a", "BatchItem:b"})
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SeedQueueOnce(ctx, key, []string{"BatchItem:a", "BatchItem:b"})
	require.NoError(t, err)
	assert.False(t, won)

	queue, err := s.ListRange(ctx, key, redisstore.ListQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{"BatchItem:a", "BatchItem:b"}, queue, "redelivered seed must not duplicate")
}

func TestSave_GetRestoresCollections(t *testing.T) {
	s := New()
	ctx := context.Background()

	task := domain.NewTaskSignature("billing.charge")
	task.SuccessCallbacks = []string{"Task:cb1"}
	task.Kwargs = map[string]any{"amount": float64(5)}
	require.NoError(t, s.Save(ctx, task))

	got, err := s.Get(ctx, task.Key)
	require.NoError(t, err)
	base := got.Base()
	assert.Equal(t, []string{"Task:cb1"}, base.SuccessCallbacks)
	assert.Equal(t, float64(5), base.Kwargs["amount"])
}
