package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginary-cherry/mageflow/internal/domain"
)

func TestJob_EncodeDecode(t *testing.T) {
	job := NewJob("Task:abc", "billing.charge")
	job.Kwargs = map[string]any{"amount": float64(10)}
	job.Identifiers = map[string]string{IdentSwarmKey: "Swarm:x"}

	data, err := job.Encode()
	require.NoError(t, err)

	got, err := DecodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.SignatureKey, got.SignatureKey)
	assert.Equal(t, job.TaskName, got.TaskName)
	assert.Equal(t, job.WorkerTaskID, got.WorkerTaskID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, float64(10), got.Kwargs["amount"])
	assert.Equal(t, "Swarm:x", got.Identifiers[IdentSwarmKey])
}

func TestDecodeJob_Malformed(t *testing.T) {
	_, err := DecodeJob([]byte("not-json"))
	assert.Error(t, err)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("ghost")

	var unknown *domain.UnknownTaskError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.TaskName)
}

func TestRegistry_RegisterFunc(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("echo", func(_ context.Context, job *Job) (json.RawMessage, error) {
		return json.RawMessage(`"` + job.SignatureKey + `"`), nil
	})

	h, err := reg.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", h.TaskName())

	out, err := h.Handle(context.Background(), &Job{SignatureKey: "Task:1"})
	require.NoError(t, err)
	assert.JSONEq(t, `"Task:1"`, string(out))
}

func TestIsInternalTask(t *testing.T) {
	for _, name := range []string{
		TaskChainEnd, TaskChainError,
		TaskSwarmStart, TaskSwarmFill,
		TaskSwarmItemRun, TaskSwarmItemDone, TaskSwarmItemFailed,
	} {
		assert.True(t, IsInternalTask(name), name)
	}
	assert.False(t, IsInternalTask("billing.charge"))
	assert.False(t, IsInternalTask(""))
}
