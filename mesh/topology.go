package mesh

import (
	"log/slog"
	"sort"
)

// DistanceMetric selects how inter-module distance is measured for
// neighbor election.
type DistanceMetric int

const (
	// MetricPhysical uses squared Euclidean distance between positions.
	MetricPhysical DistanceMetric = iota
	// MetricLogical uses module id distance; useful on fabrics where
	// positions are not provisioned.
	MetricLogical
)

// DistanceMetricFromString parses a metric name, defaulting to physical.
func DistanceMetricFromString(s string) DistanceMetric {
	if s == "Logical" {
		return MetricLogical
	}
	return MetricPhysical
}

// TopologyConfig holds topology tuning. The neighbor count K is a
// protocol constant and deliberately not part of this struct.
type TopologyConfig struct {
	// Metric selects the distance measure.
	Metric DistanceMetric
	// DiscoveryPeriod is how often a module announces itself, in
	// microseconds.
	DiscoveryPeriod TimeMicros
}

// DefaultTopologyConfig returns production defaults.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		Metric:          MetricPhysical,
		DiscoveryPeriod: 1_000_000,
	}
}

// KnownModule is a discovered peer: id, last advertised position, and
// the distance computed when it was last heard from.
type KnownModule struct {
	ID       ModuleID
	Position Position
	Distance int64
	LastSeen TimeMicros
}

// Topology maintains one module's bounded neighbor set: every discovered
// peer is remembered in an unbounded known-module registry, and the K
// nearest of those are elected as active neighbors. The neighbor set is
// always rebuilt wholesale so an identical known set yields an identical
// neighbor list regardless of discovery order.
type Topology struct {
	id       ModuleID
	position Position

	neighbors []Neighbor
	known     map[ModuleID]KnownModule

	lastDiscovery TimeMicros
	config        TopologyConfig
	logger        *slog.Logger

	onChange func(old, new []Neighbor)
}

// NewTopology creates topology state for one module.
func NewTopology(id ModuleID, position Position, config TopologyConfig) *Topology {
	return &Topology{
		id:       id,
		position: position,
		known:    make(map[ModuleID]KnownModule),
		config:   config,
		logger:   slog.Default().With("component", "topology", "module", uint32(id)),
	}
}

// ID returns this module's id.
func (t *Topology) ID() ModuleID { return t.id }

// Position returns this module's position.
func (t *Topology) Position() Position { return t.position }

// NeighborCount returns the current neighbor count.
func (t *Topology) NeighborCount() int { return len(t.neighbors) }

// Neighbors returns the elected neighbor set, nearest first. The slice
// is owned by the topology; callers must not retain it across ticks.
func (t *Topology) Neighbors() []Neighbor { return t.neighbors }

// IsNeighbor reports whether id is currently elected.
func (t *Topology) IsNeighbor(id ModuleID) bool {
	for _, n := range t.neighbors {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Neighbor returns the elected neighbor with the given id.
func (t *Topology) Neighbor(id ModuleID) (*Neighbor, bool) {
	for i := range t.neighbors {
		if t.neighbors[i].ID == id {
			return &t.neighbors[i], true
		}
	}
	return nil, false
}

// KnownCount returns the number of discovered peers.
func (t *Topology) KnownCount() int { return len(t.known) }

// OnDiscovery processes a discovery announcement from a peer: the peer
// is upserted into the known set and, if the neighbor set is still
// under-provisioned, a re-election runs. Self-discovery and the invalid
// id are rejected. Returns whether the topology changed.
func (t *Topology) OnDiscovery(senderID ModuleID, senderPos Position, now TimeMicros) (bool, error) {
	if senderID == t.id || senderID == InvalidModuleID {
		return false, errInvalidArg("discovery from self or invalid module id")
	}

	t.known[senderID] = KnownModule{
		ID:       senderID,
		Position: senderPos,
		Distance: t.distanceTo(senderID, senderPos),
		LastSeen: now,
	}

	if !t.IsNeighbor(senderID) && len(t.neighbors) < KNeighbors {
		t.Reelect(nil)
		return true, nil
	}
	return false, nil
}

// OnNeighborLost removes a neighbor and re-elects a replacement from
// the known set. The lost peer also leaves the known set so it cannot
// be immediately re-elected.
func (t *Topology) OnNeighborLost(lostID ModuleID) error {
	if !t.IsNeighbor(lostID) {
		return errNotFound("neighbor", lostID)
	}
	delete(t.known, lostID)
	t.Reelect(nil)
	return nil
}

// Reelect rebuilds the neighbor set from scratch: known modules are
// sorted by (distance ascending, id ascending) and the first K that
// pass the liveness filter become the new neighbors. The id tie-break
// makes the election deterministic when distances collide. A nil filter
// treats every known module as live. Returns the new neighbor count.
func (t *Topology) Reelect(alive func(ModuleID) bool) int {
	old := t.neighbors

	sorted := make([]KnownModule, 0, len(t.known))
	for _, km := range t.known {
		sorted = append(sorted, km)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Distance != sorted[j].Distance {
			return sorted[i].Distance < sorted[j].Distance
		}
		return sorted[i].ID < sorted[j].ID
	})

	fresh := make([]Neighbor, 0, KNeighbors)
	for _, km := range sorted {
		if len(fresh) >= KNeighbors {
			break
		}
		if km.ID == t.id || km.ID == InvalidModuleID {
			continue
		}
		if alive != nil && !alive(km.ID) {
			continue
		}
		fresh = append(fresh, Neighbor{
			ID:       km.ID,
			Health:   HealthAlive,
			LastSeen: km.LastSeen,
			Distance: km.Distance,
		})
	}
	t.neighbors = fresh

	if t.onChange != nil {
		t.onChange(old, t.neighbors)
	}
	return len(t.neighbors)
}

// Prune drops neighbors that fail the liveness filter, building the
// replacement set into a fresh slice and swapping it in atomically.
// Any pruning triggers a re-election so the neighbor set self-heals
// without external intervention. Returns the ids pruned.
func (t *Topology) Prune(alive func(ModuleID) bool) []ModuleID {
	if alive == nil {
		return nil
	}

	var pruned []ModuleID
	kept := make([]Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		if alive(n.ID) {
			kept = append(kept, n)
		} else {
			pruned = append(pruned, n.ID)
			delete(t.known, n.ID)
		}
	}
	if len(pruned) == 0 {
		return nil
	}

	t.neighbors = kept
	t.logger.Debug("pruned dead neighbors", "count", len(pruned))
	t.Reelect(alive)
	return pruned
}

// Clear forgets every known module and drops the neighbor set, as at
// the start of a mesh reformation.
func (t *Topology) Clear() {
	old := t.neighbors
	t.neighbors = nil
	t.known = make(map[ModuleID]KnownModule)
	if t.onChange != nil {
		t.onChange(old, nil)
	}
}

// ShouldAnnounce reports whether a discovery announcement is due.
func (t *Topology) ShouldAnnounce(now TimeMicros) bool {
	return now-t.lastDiscovery >= t.config.DiscoveryPeriod
}

// MarkAnnounced records that an announcement went out at now.
func (t *Topology) MarkAnnounced(now TimeMicros) {
	t.lastDiscovery = now
}

// SetOnChange installs a callback fired after every re-election with
// the old and new neighbor sets.
func (t *Topology) SetOnChange(fn func(old, new []Neighbor)) {
	t.onChange = fn
}

func (t *Topology) distanceTo(id ModuleID, pos Position) int64 {
	if t.config.Metric == MetricLogical {
		d := int64(t.id) - int64(id)
		if d < 0 {
			d = -d
		}
		return d
	}
	return t.position.DistanceSquared(pos)
}
