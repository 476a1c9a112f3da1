package mesh

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTopology(id ModuleID, x, y int32) *Topology {
	return NewTopology(id, Position{X: x, Y: y}, DefaultTopologyConfig())
}

func TestTopologyRejectsSelfAndInvalid(t *testing.T) {
	topo := newTestTopology(1, 0, 0)

	_, err := topo.OnDiscovery(1, Position{}, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidArg))

	_, err = topo.OnDiscovery(InvalidModuleID, Position{}, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidArg))

	assert.Equal(t, 0, topo.KnownCount())
}

func TestTopologyElectsNearestK(t *testing.T) {
	topo := newTestTopology(1, 0, 0)

	// 10 peers in a line; only the 7 nearest become neighbors.
	for i := 1; i <= 10; i++ {
		id := ModuleID(i + 1)
		_, err := topo.OnDiscovery(id, Position{X: int32(i * 10)}, 0)
		require.NoError(t, err)
	}

	assert.Equal(t, 10, topo.KnownCount())
	assert.Equal(t, KNeighbors, topo.NeighborCount())
	for i, n := range topo.Neighbors() {
		assert.Equal(t, ModuleID(i+2), n.ID, "neighbor %d", i)
	}
	assert.False(t, topo.IsNeighbor(9+2))
}

func TestTopologyElectionOrderIndependent(t *testing.T) {
	positions := make([]Position, 20)
	for i := range positions {
		positions[i] = Position{X: int32(rand.Intn(1000)), Y: int32(rand.Intn(1000))}
	}

	elect := func(order []int) []ModuleID {
		topo := newTestTopology(1, 500, 500)
		for _, i := range order {
			_, err := topo.OnDiscovery(ModuleID(i+2), positions[i], 0)
			require.NoError(t, err)
		}
		topo.Reelect(nil)
		ids := make([]ModuleID, 0, topo.NeighborCount())
		for _, n := range topo.Neighbors() {
			ids = append(ids, n.ID)
		}
		return ids
	}

	forward := make([]int, 20)
	for i := range forward {
		forward[i] = i
	}
	shuffled := append([]int(nil), forward...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	assert.Equal(t, elect(forward), elect(shuffled))
}

func TestTopologyTieBreaksByID(t *testing.T) {
	topo := newTestTopology(1, 0, 0)

	// All peers equidistant; election must fall back to id order.
	for _, id := range []ModuleID{9, 3, 7, 5, 2, 8, 6, 4, 10} {
		_, err := topo.OnDiscovery(id, Position{X: 100}, 0)
		require.NoError(t, err)
	}
	topo.Reelect(nil)

	require.Equal(t, KNeighbors, topo.NeighborCount())
	for i, n := range topo.Neighbors() {
		assert.Equal(t, ModuleID(i+2), n.ID)
	}
}

func TestTopologyNeighborLost(t *testing.T) {
	topo := newTestTopology(1, 0, 0)
	for i := 1; i <= 8; i++ {
		_, err := topo.OnDiscovery(ModuleID(i+1), Position{X: int32(i * 10)}, 0)
		require.NoError(t, err)
	}
	require.Equal(t, KNeighbors, topo.NeighborCount())
	require.False(t, topo.IsNeighbor(9))

	// Losing an elected neighbor promotes the nearest spare.
	require.NoError(t, topo.OnNeighborLost(2))
	assert.Equal(t, KNeighbors, topo.NeighborCount())
	assert.False(t, topo.IsNeighbor(2))
	assert.True(t, topo.IsNeighbor(9))
	// The lost module also left the known set.
	assert.Equal(t, 7, topo.KnownCount())
}

func TestTopologyNeighborLostUnknown(t *testing.T) {
	topo := newTestTopology(1, 0, 0)
	err := topo.OnNeighborLost(99)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNotFound))
}

func TestTopologyReelectLivenessFilter(t *testing.T) {
	topo := newTestTopology(1, 0, 0)
	for i := 1; i <= 5; i++ {
		_, err := topo.OnDiscovery(ModuleID(i+1), Position{X: int32(i * 10)}, 0)
		require.NoError(t, err)
	}

	n := topo.Reelect(func(id ModuleID) bool { return id%2 == 0 })
	assert.Equal(t, 3, n)
	for _, nb := range topo.Neighbors() {
		assert.Zero(t, nb.ID%2)
	}
}

func TestTopologyPrune(t *testing.T) {
	topo := newTestTopology(1, 0, 0)
	for i := 1; i <= 9; i++ {
		_, err := topo.OnDiscovery(ModuleID(i+1), Position{X: int32(i * 10)}, 0)
		require.NoError(t, err)
	}
	require.Equal(t, KNeighbors, topo.NeighborCount())

	dead := map[ModuleID]bool{3: true, 5: true}
	pruned := topo.Prune(func(id ModuleID) bool { return !dead[id] })
	assert.ElementsMatch(t, []ModuleID{3, 5}, pruned)

	// Self-healed back to K from the spare known modules.
	assert.Equal(t, KNeighbors, topo.NeighborCount())
	assert.True(t, topo.IsNeighbor(9))
	assert.True(t, topo.IsNeighbor(10))
	assert.False(t, topo.IsNeighbor(3))
	assert.False(t, topo.IsNeighbor(5))
}

func TestTopologyPruneNoop(t *testing.T) {
	topo := newTestTopology(1, 0, 0)
	_, err := topo.OnDiscovery(2, Position{X: 10}, 0)
	require.NoError(t, err)

	assert.Nil(t, topo.Prune(func(ModuleID) bool { return true }))
	assert.Nil(t, topo.Prune(nil))
	assert.Equal(t, 1, topo.NeighborCount())
}

func TestTopologyLogicalMetric(t *testing.T) {
	config := DefaultTopologyConfig()
	config.Metric = MetricLogical
	topo := NewTopology(100, Position{}, config)

	// Positions are ignored: id distance decides the election.
	for _, id := range []ModuleID{1, 90, 200, 101, 99} {
		_, err := topo.OnDiscovery(id, Position{X: 1_000_000}, 0)
		require.NoError(t, err)
	}
	topo.Reelect(nil)

	nb := topo.Neighbors()
	require.Len(t, nb, 5)
	assert.Equal(t, ModuleID(99), nb[0].ID)
	assert.Equal(t, ModuleID(101), nb[1].ID)
	assert.Equal(t, ModuleID(90), nb[2].ID)
}

func TestTopologyOnChangeCallback(t *testing.T) {
	topo := newTestTopology(1, 0, 0)
	calls := 0
	topo.SetOnChange(func(old, new []Neighbor) { calls++ })

	_, err := topo.OnDiscovery(2, Position{X: 10}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestTopologyAnnounceSchedule(t *testing.T) {
	topo := newTestTopology(1, 0, 0)
	period := DefaultTopologyConfig().DiscoveryPeriod

	assert.True(t, topo.ShouldAnnounce(period))
	topo.MarkAnnounced(period)
	assert.False(t, topo.ShouldAnnounce(period+period/2))
	assert.True(t, topo.ShouldAnnounce(2*period))
}
