package agentserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

func TestRegistry_RegisterReplacesPrior(t *testing.T) {
	r := NewRegistry()
	first := &Connection{RigID: "r1"}
	second := &Connection{RigID: "r1"}

	assert.Nil(t, r.Register(first))
	prev := r.Register(second)
	assert.Same(t, first, prev, "caller must receive the displaced connection")
	assert.Same(t, second, r.Get("r1"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RemoveOnlyCurrent(t *testing.T) {
	r := NewRegistry()
	first := &Connection{RigID: "r1"}
	second := &Connection{RigID: "r1"}
	r.Register(first)
	r.Register(second)

	assert.False(t, r.Remove("r1", first), "stale connection must not evict its successor")
	assert.Same(t, second, r.Get("r1"))

	assert.True(t, r.Remove("r1", second))
	assert.Nil(t, r.Get("r1"))
}

func TestRegistry_QueueFIFO(t *testing.T) {
	r := NewRegistry()
	first := models.NewCommand(models.CommandStartMiner, nil)
	second := models.NewCommand(models.CommandStopMiner, nil)
	r.Enqueue("r1", first)
	r.Enqueue("r1", second)
	require.Equal(t, 2, r.QueueDepth("r1"))

	drained := r.Drain("r1")
	require.Len(t, drained, 2)
	assert.Equal(t, first.ID, drained[0].ID)
	assert.Equal(t, second.ID, drained[1].ID)
	assert.Equal(t, 0, r.QueueDepth("r1"))
	assert.Empty(t, r.Drain("r1"))
}

func TestRegistry_Stale(t *testing.T) {
	r := NewRegistry()
	fresh := &Connection{RigID: "fresh", lastHeartbeat: time.Now()}
	stale := &Connection{RigID: "stale", lastHeartbeat: time.Now().Add(-2 * time.Minute)}
	r.Register(fresh)
	r.Register(stale)

	got := r.Stale(time.Minute)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].RigID)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(&Connection{RigID: "r1", ConnectedAt: time.Now(), lastHeartbeat: time.Now()})
	r.Enqueue("r2", models.NewCommand(models.CommandReboot, nil))

	snap := r.Snapshot()
	require.Len(t, snap.Connected, 1)
	assert.Equal(t, "r1", snap.Connected[0].RigID)
	assert.Equal(t, 1, snap.QueueDepths["r2"])
}
