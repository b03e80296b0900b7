package loader

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glaciate/snowfall/internal/mock"
)

func token(s string) json.RawMessage { return json.RawMessage(s) }

func TestCheckpointManagerImmediateEmit(t *testing.T) {
	var out bytes.Buffer
	ckpt := NewCheckpointManager(&out, nil)

	require.NoError(t, ckpt.Arrive(token(`{"pos":1}`)))
	assert.Equal(t, "{\"pos\":1}\n", out.String(), "nothing outstanding, emitted at once")
	assert.Equal(t, 0, ckpt.Pending())
	assert.Equal(t, 1, ckpt.Emitted())
}

func TestCheckpointManagerHeldUntilCommit(t *testing.T) {
	var out bytes.Buffer
	repo := mock.NewCheckpointRepo()
	ckpt := NewCheckpointManager(&out, repo)

	ckpt.BatchSealed("orders", 1)
	require.NoError(t, ckpt.Arrive(token(`{"pos":1}`)))
	assert.Empty(t, out.String(), "held behind the uncommitted batch")
	assert.Equal(t, 1, ckpt.Pending())

	require.NoError(t, ckpt.BatchCommitted("orders", 1))
	assert.Equal(t, "{\"pos\":1}\n", out.String())
	assert.Equal(t, 0, ckpt.Pending())
	assert.Equal(t, 1, repo.Saves)
}

func TestCheckpointManagerBarrierIsSnapshot(t *testing.T) {
	var out bytes.Buffer
	ckpt := NewCheckpointManager(&out, nil)

	ckpt.BatchSealed("orders", 1)
	require.NoError(t, ckpt.Arrive(token(`{"pos":1}`)))

	// Work sealed after arrival does not block this checkpoint.
	ckpt.BatchSealed("orders", 2)
	ckpt.BatchSealed("users", 1)

	require.NoError(t, ckpt.BatchCommitted("orders", 1))
	assert.Equal(t, "{\"pos\":1}\n", out.String())
}

func TestCheckpointManagerArrivalOrder(t *testing.T) {
	var out bytes.Buffer
	ckpt := NewCheckpointManager(&out, nil)

	ckpt.BatchSealed("orders", 1)
	require.NoError(t, ckpt.Arrive(token(`{"pos":1}`)))
	ckpt.BatchSealed("orders", 2)
	require.NoError(t, ckpt.Arrive(token(`{"pos":2}`)))
	require.NoError(t, ckpt.Arrive(token(`{"pos":3}`)))

	// Committing batch 2 satisfies every barrier; all three emit in
	// arrival order in one step.
	require.NoError(t, ckpt.BatchCommitted("orders", 2))
	assert.Equal(t, "{\"pos\":1}\n{\"pos\":2}\n{\"pos\":3}\n", out.String())
	assert.Equal(t, 3, ckpt.Emitted())
}

func TestCheckpointManagerLaterCommitDoesNotReorder(t *testing.T) {
	var out bytes.Buffer
	ckpt := NewCheckpointManager(&out, nil)

	ckpt.BatchSealed("orders", 1)
	ckpt.BatchSealed("users", 1)
	require.NoError(t, ckpt.Arrive(token(`{"pos":1}`)))

	// users commits first but the barrier also covers orders.
	require.NoError(t, ckpt.BatchCommitted("users", 1))
	assert.Empty(t, out.String())

	require.NoError(t, ckpt.BatchCommitted("orders", 1))
	assert.Equal(t, "{\"pos\":1}\n", out.String())
}
