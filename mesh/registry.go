package mesh

import (
	"encoding/binary"
	"log/slog"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Snapshot is an immutable copy of the mesh taken between rounds. Every
// module in a round reads the same snapshot, so tick results do not
// depend on module iteration order.
type Snapshot struct {
	fields    map[ModuleID]Field
	positions map[ModuleID]Position
}

// Contains reports whether a module is present in the snapshot.
func (s *Snapshot) Contains(id ModuleID) bool {
	_, ok := s.positions[id]
	return ok
}

// Field returns a module's last published field, undecayed.
func (s *Snapshot) Field(id ModuleID) (Field, bool) {
	f, ok := s.fields[id]
	return f, ok
}

// Position returns a module's position.
func (s *Snapshot) Position(id ModuleID) (Position, bool) {
	p, ok := s.positions[id]
	return p, ok
}

// IDs returns the snapshot's module ids in ascending order.
func (s *Snapshot) IDs() []ModuleID {
	ids := make([]ModuleID, 0, len(s.positions))
	for id := range s.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Registry hosts a set of modules sharing one field board and drives
// them in lockstep rounds. Modules tick in ascending id order against a
// snapshot taken at the start of the round, so a full round is a pure
// function of the previous round's state.
type Registry struct {
	mu      sync.RWMutex
	modules map[ModuleID]*Module
	board   *Board
	seen    *bloom.BloomFilter
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[ModuleID]*Module),
		board:   NewBoard(),
		seen:    bloom.NewWithEstimates(100_000, 0.01),
		logger:  slog.Default().With("component", "registry"),
	}
}

// Board exposes the shared field board.
func (r *Registry) Board() *Board { return r.board }

// Add registers a module. Ids must be unique.
func (r *Registry) Add(m *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.modules[m.ID()]; dup {
		return NewError(ErrCodeAlreadyExists, "module already registered").
			WithContext("id", m.ID())
	}
	r.modules[m.ID()] = m
	return nil
}

// Remove deregisters a module and drops its board entry. The remaining
// modules notice the loss on their next prune.
func (r *Registry) Remove(id ModuleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[id]; !ok {
		return errNotFound("module", id)
	}
	delete(r.modules, id)
	r.board.Remove(id)
	r.logger.Info("module removed", "id", uint32(id))
	return nil
}

// Module returns a registered module.
func (r *Registry) Module(id ModuleID) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Snapshot copies the current mesh state. Only running modules appear.
func (r *Registry) Snapshot(now TimeMicros) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := &Snapshot{
		fields:    make(map[ModuleID]Field, len(r.modules)),
		positions: make(map[ModuleID]Position, len(r.modules)),
	}
	for id, m := range r.modules {
		if m.State() == StateShutdown || m.State() == StateInit {
			continue
		}
		snap.positions[id] = m.Topology().Position()
		if f, ok := r.board.Get(id); ok && now-f.Timestamp <= FieldMaxAgeMicros {
			snap.fields[id] = f
		}
	}
	return snap
}

// Announce disseminates one module's presence to every other running
// module. A bloom filter keyed on (sender, sequence) drops repeats of
// the same announcement round.
func (r *Registry) Announce(senderID ModuleID, sequence uint32, now TimeMicros) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.announceLocked(senderID, sequence, now)
}

func (r *Registry) announceLocked(senderID ModuleID, sequence uint32, now TimeMicros) int {
	sender, ok := r.modules[senderID]
	if !ok {
		return 0
	}
	var key [8]byte
	binary.BigEndian.PutUint32(key[:4], uint32(senderID))
	binary.BigEndian.PutUint32(key[4:], sequence)
	if r.seen.TestAndAdd(key[:]) {
		return 0
	}

	pos := sender.Topology().Position()
	delivered := 0
	for id, m := range r.modules {
		if id == senderID {
			continue
		}
		if err := m.OnDiscovery(senderID, pos, now); err == nil {
			delivered++
		}
	}
	return delivered
}

// Tick runs one coordination round: snapshot, announcements and
// heartbeats, then every module's tick in ascending id order, then the
// publication of each module's new field onto the board.
func (r *Registry) Tick(now TimeMicros) error {
	snap := r.Snapshot(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]ModuleID, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m := r.modules[id]
		if m.State() == StateShutdown || m.State() == StateInit {
			continue
		}
		if m.Topology().ShouldAnnounce(now) {
			m.Topology().MarkAnnounced(now)
			r.announceLocked(id, m.Health().Sequence(), now)
		}
		if m.Health().ShouldSend(now) {
			m.Health().MarkSent(now)
			seq := m.Health().Sequence()
			for _, other := range ids {
				if other == id {
					continue
				}
				r.modules[other].OnHeartbeat(id, seq, now)
			}
		}
	}

	for _, id := range ids {
		m := r.modules[id]
		if m.State() == StateShutdown || m.State() == StateInit {
			continue
		}
		if err := m.Tick(now, snap); err != nil {
			return err
		}
		if err := r.board.Publish(id, m.PublishedField(), now); err != nil {
			return err
		}
	}
	return nil
}
