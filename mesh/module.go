package mesh

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// View is a read-only snapshot of the mesh visible to one module during
// a tick. A module never mutates shared state directly: it reads the
// view, updates itself, and exposes its new field for the next round.
type View interface {
	// Contains reports whether a module is present in the snapshot.
	Contains(id ModuleID) bool
	// Field returns a module's last published field, undecayed.
	Field(id ModuleID) (Field, bool)
	// Position returns a module's position.
	Position(id ModuleID) (Position, bool)
}

// ModuleConfig holds per-module tuning.
type ModuleConfig struct {
	// Position in the mesh coordinate space.
	Position Position
	// InitialLoad seeds the load component on start.
	InitialLoad Fixed
	// Thermal is published as-is; the coordination loop does not
	// adjust it.
	Thermal Fixed
	// Damping scales the gradient step each tick.
	Damping Fixed
	// BreakerTrip is the consecutive sample failure count that opens a
	// neighbor's circuit breaker.
	BreakerTrip uint32
	// BreakerReset is the wall-clock cool-down before a tripped
	// breaker admits a probe sample.
	BreakerReset time.Duration

	Topology  TopologyConfig
	Heartbeat HeartbeatConfig
	Consensus ConsensusConfig
}

// DefaultModuleConfig returns production defaults.
func DefaultModuleConfig() ModuleConfig {
	return ModuleConfig{
		InitialLoad:  FixedHalf,
		Damping:      FixedFromFloat(0.1),
		BreakerTrip:  3,
		BreakerReset: 5 * time.Second,
		Topology:     DefaultTopologyConfig(),
		Heartbeat:    DefaultHeartbeatConfig(),
		Consensus:    DefaultConsensusConfig(),
	}
}

// Module is one autonomous mesh participant. It owns a topology, a
// health monitor and a ballot engine, and advances them together in a
// fixed-order tick so that identical inputs always produce identical
// outputs.
type Module struct {
	id    ModuleID
	state ModuleState

	topology  *Topology
	health    *HealthMonitor
	consensus *Consensus

	load     Fixed
	lastTick TimeMicros
	field    Field

	breakers map[ModuleID]*gobreaker.CircuitBreaker
	config   ModuleConfig
	logger   *slog.Logger
}

// NewModule creates a module in the Init state.
func NewModule(id ModuleID, config ModuleConfig) (*Module, error) {
	if id == InvalidModuleID {
		return nil, errInvalidArg("module id must be non-zero")
	}
	m := &Module{
		id:        id,
		state:     StateInit,
		topology:  NewTopology(id, config.Position, config.Topology),
		health:    NewHealthMonitor(id, config.Heartbeat),
		consensus: NewConsensus(id, config.Consensus),
		load:      config.InitialLoad,
		breakers:  make(map[ModuleID]*gobreaker.CircuitBreaker),
		config:    config,
		logger:    slog.Default().With("component", "module", "module", uint32(id)),
	}
	m.consensus.SetOnComplete(func(b *Ballot, result VoteResult) {
		if b.Type == ProposalReformation && result == VoteApproved {
			m.Reform()
		}
	})
	return m, nil
}

// ID returns the module's identifier.
func (m *Module) ID() ModuleID { return m.id }

// State returns the module's lifecycle state.
func (m *Module) State() ModuleState { return m.state }

// Load returns the current load component.
func (m *Module) Load() Fixed { return m.load }

// PublishedField returns the field built by the last tick.
func (m *Module) PublishedField() Field { return m.field }

// Topology exposes the neighbor table.
func (m *Module) Topology() *Topology { return m.topology }

// Health exposes the heartbeat monitor.
func (m *Module) Health() *HealthMonitor { return m.health }

// Consensus exposes the ballot engine.
func (m *Module) Consensus() *Consensus { return m.consensus }

// Start moves the module from Init to Discovering. Starting from any
// other state is an error.
func (m *Module) Start() error {
	if m.state != StateInit {
		return errInvalidArg("start from non-init state").
			WithContext("state", m.state.String())
	}
	m.state = StateDiscovering
	m.logger.Info("module started")
	return nil
}

// Stop moves the module to Shutdown. Idempotent.
func (m *Module) Stop() {
	if m.state == StateShutdown {
		return
	}
	m.state = StateShutdown
	m.logger.Info("module stopped")
}

// OnDiscovery feeds a peer announcement into the topology. Newly
// elected neighbors are tracked for heartbeats.
func (m *Module) OnDiscovery(senderID ModuleID, senderPos Position, now TimeMicros) error {
	if m.state == StateShutdown || m.state == StateInit {
		return errInvalidArg("module not running")
	}
	changed, err := m.topology.OnDiscovery(senderID, senderPos, now)
	if err != nil {
		return err
	}
	if changed {
		m.syncHeartbeatTracking(now)
	}
	return nil
}

// Reform drops all topology and health state and restarts discovery
// from scratch. Runs when a Reformation ballot is approved; the module
// re-elects neighbors from subsequent announcements.
func (m *Module) Reform() {
	if m.state == StateShutdown || m.state == StateInit {
		return
	}
	m.topology.Clear()
	m.health.Reset()
	m.breakers = make(map[ModuleID]*gobreaker.CircuitBreaker)
	m.state = StateReforming
	m.logger.Info("mesh reformation started")
}

// OnHeartbeat feeds a peer heartbeat into the health monitor.
func (m *Module) OnHeartbeat(senderID ModuleID, sequence uint32, now TimeMicros) error {
	return m.health.Received(senderID, sequence, now)
}

// Tick advances the module by one coordination round against a mesh
// snapshot. The steps always run in the same order: prune dead
// neighbors, sample surviving neighbor fields, compute the load
// gradient, apply the damped adjustment, publish the new field, and
// recompute the lifecycle state.
func (m *Module) Tick(now TimeMicros, view View) error {
	if m.state == StateShutdown || m.state == StateInit {
		return errInvalidArg("module not running")
	}
	m.lastTick = now

	// Expire any ballots whose vote window has closed.
	m.consensus.Tick(now)

	// 1. Prune: heartbeat-dead peers first, then anything the snapshot
	// no longer contains.
	m.health.Tick(now)
	for _, n := range m.topology.Neighbors() {
		if m.health.Health(n.ID) == HealthDead {
			if err := m.topology.OnNeighborLost(n.ID); err == nil {
				m.logger.Debug("neighbor dead", "peer", uint32(n.ID))
			}
		}
	}
	pruned := m.topology.Prune(view.Contains)
	for _, id := range pruned {
		m.health.Forget(id)
		delete(m.breakers, id)
	}
	m.syncHeartbeatTracking(now)

	// 2. Sample neighbor fields, decayed to this instant.
	var sum Fixed
	sampled := 0
	for _, n := range m.topology.Neighbors() {
		field, ok := m.sampleNeighbor(n.ID, now, view)
		if !ok {
			continue
		}
		sum = sum.Add(field.Load)
		sampled++
	}

	// 3-4. Gradient toward the neighborhood average, damped.
	if sampled > 0 {
		avg, err := sum.Div(FixedFromInt(sampled))
		if err == nil {
			gradient := avg.Sub(m.load)
			m.load = m.load.Add(gradient.Mul(m.config.Damping)).
				Clamp(FixedZero, FixedOne)
		}
	}

	// 5. Publish.
	m.field = NewField(m.load, m.config.Thermal, m.load.Mul(FixedFromFloat(0.8)))
	m.field.Timestamp = now
	m.field.Source = m.id
	m.field.Sequence++

	// 6. State from the live neighbor count.
	m.recomputeState()
	return nil
}

// sampleNeighbor reads one neighbor's field from the snapshot through
// that neighbor's circuit breaker and decays it to now. Repeated
// failures open the breaker and the neighbor is skipped until it
// cools down.
func (m *Module) sampleNeighbor(id ModuleID, now TimeMicros, view View) (Field, bool) {
	result, err := m.breaker(id).Execute(func() (interface{}, error) {
		raw, ok := view.Field(id)
		if !ok {
			return Field{}, errNotFound("field", id)
		}
		if elapsed := now - raw.Timestamp; elapsed > FieldMaxAgeMicros {
			return Field{}, errFieldExpired(id, elapsed)
		}
		return raw.Decay(now), nil
	})
	if err != nil {
		return Field{}, false
	}
	return result.(Field), true
}

func (m *Module) breaker(id ModuleID) *gobreaker.CircuitBreaker {
	if cb, ok := m.breakers[id]; ok {
		return cb
	}
	trip := m.config.BreakerTrip
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sample",
		Timeout: m.config.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
	})
	m.breakers[id] = cb
	return cb
}

// syncHeartbeatTracking aligns the health monitor's peer set with the
// current neighbor set.
func (m *Module) syncHeartbeatTracking(now TimeMicros) {
	for _, n := range m.topology.Neighbors() {
		if m.health.Health(n.ID) == HealthUnknown {
			if err := m.health.Track(n.ID); err == nil {
				m.health.Received(n.ID, 0, now)
			}
		}
	}
}

// recomputeState derives the lifecycle state from the neighbor count.
// Shutdown and Init are terminal for this computation; the running
// states are interchangeable as connectivity changes.
func (m *Module) recomputeState() {
	count := m.topology.NeighborCount()
	var next ModuleState
	switch {
	case count >= KNeighbors/2:
		next = StateActive
	case count > 0:
		next = StateDegraded
	default:
		next = StateIsolated
	}
	if next != m.state {
		m.logger.Debug("state change",
			"from", m.state.String(), "to", next.String(),
			"neighbors", count)
		m.state = next
	}
}
