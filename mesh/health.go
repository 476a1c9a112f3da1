package mesh

import "log/slog"

// HealthTransition is the pure heartbeat state machine. It computes the
// next health state from elapsed time and receipt alone, with no hidden
// memory: re-evaluating the thresholds from scratch on every call is
// what makes Suspect fall through to Dead without state-dependent rules.
//
// A just-received heartbeat unconditionally yields Alive, including from
// Dead (fastest possible recovery). Otherwise silence past
// period*timeoutCount yields Dead, silence past two periods yields
// Suspect, Unknown stays Unknown until the first heartbeat, and any
// other state holds.
func HealthTransition(current HealthState, elapsed, period TimeMicros, timeoutCount int, received bool) HealthState {
	if received {
		return HealthAlive
	}
	if elapsed > period*TimeMicros(timeoutCount) {
		return HealthDead
	}
	if elapsed > period*2 {
		return HealthSuspect
	}
	if current == HealthUnknown {
		return HealthUnknown
	}
	return current
}

// HeartbeatConfig holds heartbeat timing. Defaults are the protocol
// constants; deployments tune these only cluster-wide, never per module.
type HeartbeatConfig struct {
	// Period between outgoing heartbeats, in microseconds.
	Period TimeMicros
	// TimeoutCount is how many silent periods mean Dead.
	TimeoutCount int
}

// DefaultHeartbeatConfig returns the protocol timing: 10ms period,
// Dead after 5 missed periods, Suspect after 2.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Period:       HeartbeatPeriodMicros,
		TimeoutCount: HeartbeatTimeoutCount,
	}
}

// heartbeatPeer is per-neighbor tracking state.
type heartbeatPeer struct {
	id          ModuleID
	health      HealthState
	lastSeen    TimeMicros
	missedCount int
	sequence    uint32
}

// HealthMonitor tracks heartbeat liveness for one module's neighbors.
// Timeouts are enforced by the caller driving Tick; the monitor itself
// never blocks or sleeps.
type HealthMonitor struct {
	id       ModuleID
	peers    []heartbeatPeer
	lastSend TimeMicros
	sendSeq  uint32
	config   HeartbeatConfig
	logger   *slog.Logger

	onAlive   func(ModuleID)
	onSuspect func(ModuleID)
	onDead    func(ModuleID)
}

// NewHealthMonitor creates a monitor for the given module.
func NewHealthMonitor(id ModuleID, config HeartbeatConfig) *HealthMonitor {
	return &HealthMonitor{
		id:     id,
		config: config,
		logger: slog.Default().With("component", "health", "module", uint32(id)),
	}
}

// Track starts monitoring a neighbor in the Unknown state.
func (m *HealthMonitor) Track(id ModuleID) error {
	if id == m.id || id == InvalidModuleID {
		return errInvalidArg("cannot track self or the invalid module id")
	}
	for _, p := range m.peers {
		if p.id == id {
			return NewError(ErrCodeAlreadyExists, "neighbor already tracked").WithContext("id", id)
		}
	}
	m.peers = append(m.peers, heartbeatPeer{id: id, health: HealthUnknown})
	return nil
}

// Forget stops monitoring a neighbor.
func (m *HealthMonitor) Forget(id ModuleID) error {
	for i := range m.peers {
		if m.peers[i].id == id {
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			return nil
		}
	}
	return errNotFound("neighbor", id)
}

// Reset drops every tracked peer. Send scheduling and the outgoing
// sequence survive, so peers on the other side see no heartbeat gap.
func (m *HealthMonitor) Reset() {
	m.peers = nil
}

// Received processes a heartbeat from a neighbor: the peer goes Alive
// immediately, from any state including Dead.
func (m *HealthMonitor) Received(senderID ModuleID, sequence uint32, now TimeMicros) error {
	for i := range m.peers {
		p := &m.peers[i]
		if p.id != senderID {
			continue
		}
		old := p.health
		p.lastSeen = now
		p.missedCount = 0
		p.sequence = sequence
		p.health = HealthTransition(old, 0, m.config.Period, m.config.TimeoutCount, true)

		if old != HealthAlive && m.onAlive != nil {
			m.onAlive(senderID)
		}
		return nil
	}
	return errNotFound("neighbor", senderID)
}

// Tick sweeps every tracked neighbor through the pure transition with
// received=false and fires state-change callbacks. Returns how many
// neighbors changed state.
func (m *HealthMonitor) Tick(now TimeMicros) int {
	changed := 0
	for i := range m.peers {
		p := &m.peers[i]
		if p.health == HealthDead {
			continue
		}

		elapsed := now - p.lastSeen
		next := HealthTransition(p.health, elapsed, m.config.Period, m.config.TimeoutCount, false)
		if next == p.health {
			continue
		}

		p.health = next
		changed++
		switch next {
		case HealthSuspect:
			p.missedCount = int(elapsed / m.config.Period)
			if m.onSuspect != nil {
				m.onSuspect(p.id)
			}
		case HealthDead:
			p.missedCount = m.config.TimeoutCount
			m.logger.Debug("neighbor declared dead", "id", uint32(p.id), "elapsed_us", int64(elapsed))
			if m.onDead != nil {
				m.onDead(p.id)
			}
		}
	}
	return changed
}

// Health returns the tracked state of a neighbor, Unknown if untracked.
func (m *HealthMonitor) Health(id ModuleID) HealthState {
	for _, p := range m.peers {
		if p.id == id {
			return p.health
		}
	}
	return HealthUnknown
}

// TimeSince returns the silence duration for a neighbor.
func (m *HealthMonitor) TimeSince(id ModuleID, now TimeMicros) (TimeMicros, bool) {
	for _, p := range m.peers {
		if p.id == id {
			return now - p.lastSeen, true
		}
	}
	return 0, false
}

// ShouldSend reports whether an outgoing heartbeat is due.
func (m *HealthMonitor) ShouldSend(now TimeMicros) bool {
	return now-m.lastSend >= m.config.Period
}

// MarkSent records an outgoing heartbeat and bumps the sequence.
func (m *HealthMonitor) MarkSent(now TimeMicros) {
	m.lastSend = now
	m.sendSeq++
}

// Sequence returns the outgoing heartbeat sequence number.
func (m *HealthMonitor) Sequence() uint32 {
	return m.sendSeq
}

// SetCallbacks installs state-change callbacks. Any of them may be nil.
func (m *HealthMonitor) SetCallbacks(onAlive, onSuspect, onDead func(ModuleID)) {
	m.onAlive = onAlive
	m.onSuspect = onSuspect
	m.onDead = onDead
}
