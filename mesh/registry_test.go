package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addStartedModule(t *testing.T, r *Registry, id ModuleID, x int32, load float64) *Module {
	t.Helper()
	m := newTestModule(t, id, x, load)
	require.NoError(t, m.Start())
	require.NoError(t, r.Add(m))
	return m
}

func TestRegistryAddDuplicate(t *testing.T) {
	r := NewRegistry()
	addStartedModule(t, r, 1, 0, 0.5)

	dup := newTestModule(t, 1, 0, 0.5)
	err := r.Add(dup)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeAlreadyExists))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRemoveMissing(t *testing.T) {
	r := NewRegistry()
	err := r.Remove(42)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNotFound))
}

func TestRegistrySnapshotSortedIDs(t *testing.T) {
	r := NewRegistry()
	for _, id := range []ModuleID{5, 1, 3} {
		addStartedModule(t, r, id, int32(id), 0.5)
	}
	snap := r.Snapshot(0)
	assert.Equal(t, []ModuleID{1, 3, 5}, snap.IDs())
}

func TestRegistryAnnounceReachesAll(t *testing.T) {
	r := NewRegistry()
	a := addStartedModule(t, r, 1, 0, 0.5)
	b := addStartedModule(t, r, 2, 1, 0.5)
	c := addStartedModule(t, r, 3, 2, 0.5)

	assert.Equal(t, 2, r.Announce(1, 1, 0))
	assert.True(t, b.Topology().IsNeighbor(1))
	assert.True(t, c.Topology().IsNeighbor(1))
	assert.False(t, a.Topology().IsNeighbor(1))
}

func TestRegistryAnnounceDedup(t *testing.T) {
	r := NewRegistry()
	addStartedModule(t, r, 1, 0, 0.5)
	addStartedModule(t, r, 2, 1, 0.5)

	assert.Equal(t, 1, r.Announce(1, 7, 0))
	// Same (sender, sequence) round is dropped.
	assert.Equal(t, 0, r.Announce(1, 7, 0))
	// A new sequence goes through again.
	assert.Equal(t, 1, r.Announce(1, 8, 0))
}

func TestRegistryAnnounceUnknownSender(t *testing.T) {
	r := NewRegistry()
	addStartedModule(t, r, 1, 0, 0.5)
	assert.Equal(t, 0, r.Announce(99, 1, 0))
}

func fullyAnnounce(t *testing.T, r *Registry, ids []ModuleID) {
	t.Helper()
	for i, id := range ids {
		require.NotZero(t, r.Announce(id, uint32(i+1), 0))
	}
}

func TestRegistryTwoModuleConvergence(t *testing.T) {
	r := NewRegistry()
	a := addStartedModule(t, r, 1, 0, 0.8)
	b := addStartedModule(t, r, 2, 1, 0.2)
	fullyAnnounce(t, r, []ModuleID{1, 2})

	// First round just publishes; no neighbor fields exist yet.
	require.NoError(t, r.Tick(1000))
	assert.InDelta(t, 0.8, a.Load().Float(), 0.001)

	// Second round applies the first gradient step: -0.6 damped by 0.1.
	require.NoError(t, r.Tick(2000))
	assert.InDelta(t, 0.74, a.Load().Float(), 0.003)
	assert.InDelta(t, 0.26, b.Load().Float(), 0.003)

	for now := TimeMicros(3000); now <= 200_000; now += 1000 {
		require.NoError(t, r.Tick(now))
	}

	// Loads meet in the middle.
	diff := a.Load().Sub(b.Load()).Abs()
	assert.Less(t, diff.Float(), 0.01, "loads did not converge: %v vs %v", a.Load(), b.Load())
	assert.Equal(t, StateDegraded, a.State())
	assert.Equal(t, StateDegraded, b.State())
}

func TestRegistryClusterGoesActive(t *testing.T) {
	r := NewRegistry()
	modules := make([]*Module, 0, 4)
	for i := 1; i <= 4; i++ {
		modules = append(modules, addStartedModule(t, r, ModuleID(i), int32(i), 0.5))
	}
	fullyAnnounce(t, r, []ModuleID{1, 2, 3, 4})

	for now := TimeMicros(1000); now <= 30_000; now += 1000 {
		require.NoError(t, r.Tick(now))
	}

	// Everyone has 3 neighbors, which meets the k/2 bar.
	for _, m := range modules {
		assert.Equal(t, StateActive, m.State(), "module %d", m.ID())
	}
}

func TestRegistrySelfHealsAfterRemoval(t *testing.T) {
	r := NewRegistry()
	a := addStartedModule(t, r, 1, 0, 0.5)
	addStartedModule(t, r, 2, 1, 0.5)
	addStartedModule(t, r, 3, 2, 0.5)
	fullyAnnounce(t, r, []ModuleID{1, 2, 3})

	for now := TimeMicros(1000); now <= 10_000; now += 1000 {
		require.NoError(t, r.Tick(now))
	}
	require.True(t, a.Topology().IsNeighbor(3))

	// Module 3 disappears; the survivors prune it on their next round.
	require.NoError(t, r.Remove(3))
	require.NoError(t, r.Tick(11_000))

	assert.False(t, a.Topology().IsNeighbor(3))
	assert.Equal(t, StateDegraded, a.State())
	assert.Equal(t, 1, a.Topology().NeighborCount())
}

func TestRegistryBoardHoldsLatestFields(t *testing.T) {
	r := NewRegistry()
	addStartedModule(t, r, 1, 0, 0.3)
	require.NoError(t, r.Tick(1000))

	f, err := r.Board().Sample(1, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, f.Load.Float(), 0.001)
	assert.Equal(t, uint32(1), f.Sequence)
}

func TestRegistryDeterministicRounds(t *testing.T) {
	run := func() []Fixed {
		r := NewRegistry()
		loads := []float64{0.9, 0.1, 0.5, 0.7}
		for i, load := range loads {
			addStartedModule(t, r, ModuleID(i+1), int32(i), load)
		}
		fullyAnnounce(t, r, []ModuleID{1, 2, 3, 4})
		for now := TimeMicros(1000); now <= 50_000; now += 1000 {
			require.NoError(t, r.Tick(now))
		}
		out := make([]Fixed, 0, 4)
		for i := 1; i <= 4; i++ {
			m, ok := r.Module(ModuleID(i))
			require.True(t, ok)
			out = append(out, m.Load())
		}
		return out
	}

	assert.Equal(t, run(), run(), "identical inputs must give bit-identical loads")
}
