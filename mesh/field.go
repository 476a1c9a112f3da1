package mesh

import (
	"sort"
	"sync"
)

// Field component names. Components are addressed symbolically so that
// firmware versions with diverging schemas can still exchange fields:
// an unknown component reads as zero instead of failing.
const (
	ComponentLoad    = "load"
	ComponentThermal = "thermal"
	ComponentPower   = "power"
	ComponentCustom0 = "custom0"
	ComponentCustom1 = "custom1"
)

// Field is the decaying signal vector a module publishes about itself.
// It is a value type: each module owns exactly one current Field and
// holds copies of the latest Field advertised by each neighbor.
type Field struct {
	Load    Fixed `json:"load"`
	Thermal Fixed `json:"thermal"`
	Power   Fixed `json:"power"`
	Custom0 Fixed `json:"custom0"`
	Custom1 Fixed `json:"custom1"`

	// Timestamp is when the field was published, in microseconds.
	Timestamp TimeMicros `json:"timestamp"`
	// Source is the publishing module.
	Source ModuleID `json:"source"`
	// Sequence increases monotonically per publisher.
	Sequence uint32 `json:"sequence"`
}

// NewField creates a field with load, thermal and power values set.
func NewField(load, thermal, power Fixed) Field {
	return Field{Load: load, Thermal: thermal, Power: power}
}

// Get returns the named component, or zero for an unrecognized name.
// Tolerating unknown names lets old and new firmware coexist.
func (f Field) Get(component string) Fixed {
	switch component {
	case ComponentLoad:
		return f.Load
	case ComponentThermal:
		return f.Thermal
	case ComponentPower:
		return f.Power
	case ComponentCustom0:
		return f.Custom0
	case ComponentCustom1:
		return f.Custom1
	default:
		return FixedZero
	}
}

// Set assigns the named component. Unrecognized names are ignored.
func (f *Field) Set(component string, value Fixed) {
	switch component {
	case ComponentLoad:
		f.Load = value
	case ComponentThermal:
		f.Thermal = value
	case ComponentPower:
		f.Power = value
	case ComponentCustom0:
		f.Custom0 = value
	case ComponentCustom1:
		f.Custom1 = value
	}
}

// DecayFactor returns the decay multiplier for a field of the given age,
// a 5-segment piecewise-linear approximation of exp(-elapsed/tau) with
// tau = FieldDecayTauMicros. The factor is always in [0, 1], so decayed
// magnitudes never exceed pre-decay magnitudes. Negative elapsed is a
// caller error from clock skew and clamps to no decay.
func DecayFactor(elapsed TimeMicros) Fixed {
	if elapsed <= 0 {
		return FixedOne
	}

	t := float64(elapsed)
	const tau = float64(FieldDecayTauMicros)

	var factor float64
	switch {
	case t < tau:
		factor = 1.0 - t/tau*0.632 // exp(-1) ~ 0.368
	case t < tau*2:
		factor = 0.368 - (t-tau)/tau*0.233 // exp(-2) ~ 0.135
	case t < tau*3:
		factor = 0.135 - (t-tau*2)/tau*0.086 // exp(-3) ~ 0.049
	case t < tau*5:
		factor = 0.049 * (1.0 - (t-tau*3)/(tau*2))
	default:
		factor = 0.0
	}

	if factor < 0 {
		factor = 0
	}
	return FixedFromFloat(factor)
}

// Decay returns a snapshot of f as seen at time now: every component is
// multiplied by the decay factor for its age. Timestamp, source and
// sequence pass through unchanged; decay produces a view, not a new
// publication.
func (f Field) Decay(now TimeMicros) Field {
	factor := DecayFactor(now - f.Timestamp)
	return f.Scale(factor)
}

// Gradient returns theirs[component] - mine[component]: positive means
// the neighbor reports a higher value than self. Unknown component
// names contribute zero on both sides.
func Gradient(mine, theirs Field, component string) Fixed {
	return theirs.Get(component).Sub(mine.Get(component))
}

// Add returns the component-wise sum of f and other, keeping f's
// timestamp, source and sequence.
func (f Field) Add(other Field) Field {
	out := f
	out.Load = f.Load.Add(other.Load)
	out.Thermal = f.Thermal.Add(other.Thermal)
	out.Power = f.Power.Add(other.Power)
	out.Custom0 = f.Custom0.Add(other.Custom0)
	out.Custom1 = f.Custom1.Add(other.Custom1)
	return out
}

// Scale multiplies every component of f by factor.
func (f Field) Scale(factor Fixed) Field {
	out := f
	out.Load = f.Load.Mul(factor)
	out.Thermal = f.Thermal.Mul(factor)
	out.Power = f.Power.Mul(factor)
	out.Custom0 = f.Custom0.Mul(factor)
	out.Custom1 = f.Custom1.Mul(factor)
	return out
}

// Lerp interpolates between f and other: f*(1-t) + other*t.
func (f Field) Lerp(other Field, t Fixed) Field {
	return f.Scale(FixedOne.Sub(t)).Add(other.Scale(t))
}

// FieldMaxAgeMicros is the age past which a sampled field is expired:
// 5 tau, where the decay factor reaches exactly zero.
const FieldMaxAgeMicros = 5 * FieldDecayTauMicros

// Board is the published-field store: the environment through which
// modules coordinate. In a deployment each module's transport keeps its
// own copy; here a single board stands in for the message fabric.
type Board struct {
	mu     sync.RWMutex
	fields map[ModuleID]Field
	seqs   map[ModuleID]uint32
}

// NewBoard creates an empty field board.
func NewBoard() *Board {
	return &Board{
		fields: make(map[ModuleID]Field),
		seqs:   make(map[ModuleID]uint32),
	}
}

// Publish stores a module's field stamped with now and the next
// per-module sequence number.
func (b *Board) Publish(id ModuleID, field Field, now TimeMicros) error {
	if id == InvalidModuleID {
		return errInvalidArg("cannot publish for the invalid module id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[id]++
	field.Timestamp = now
	field.Source = id
	field.Sequence = b.seqs[id]
	b.fields[id] = field
	return nil
}

// Get returns a module's published field as stored, without decay.
func (b *Board) Get(id ModuleID) (Field, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	field, ok := b.fields[id]
	return field, ok
}

// Sample returns the decayed view of a module's published field.
// A field older than 5 tau fails with FIELD_EXPIRED; both that and a
// missing field are recoverable conditions the caller skips over.
func (b *Board) Sample(id ModuleID, now TimeMicros) (Field, error) {
	b.mu.RLock()
	field, ok := b.fields[id]
	b.mu.RUnlock()

	if !ok {
		return Field{}, errNotFound("field", id)
	}

	elapsed := now - field.Timestamp
	if elapsed > FieldMaxAgeMicros {
		return Field{}, errFieldExpired(id, elapsed)
	}
	return field.Decay(now), nil
}

// Remove deletes a module's published field and sequence counter.
func (b *Board) Remove(id ModuleID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fields, id)
	delete(b.seqs, id)
}

// IDs returns the publishing module ids in ascending order.
func (b *Board) IDs() []ModuleID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]ModuleID, 0, len(b.fields))
	for id := range b.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SampleNeighbors returns the weighted average of the neighbors' decayed
// fields. Weights combine health (Alive 1.0, Suspect 0.5, others skipped)
// with proximity (1 / (1 + distance/256)). Unreadable fields are skipped;
// an empty electorate yields the zero field.
func (b *Board) SampleNeighbors(neighbors []Neighbor, now TimeMicros) Field {
	var aggregate Field
	totalWeight := FixedZero

	for _, n := range neighbors {
		var healthWeight Fixed
		switch n.Health {
		case HealthAlive:
			healthWeight = FixedOne
		case HealthSuspect:
			healthWeight = FixedHalf
		default:
			continue
		}

		field, err := b.Sample(n.ID, now)
		if err != nil {
			continue
		}

		weight := healthWeight
		if n.Distance > 0 {
			distScaled := FixedFromFloat(float64(n.Distance) / 256.0)
			proximity, err := FixedOne.Div(FixedOne.Add(distScaled))
			if err != nil {
				continue
			}
			weight = healthWeight.Mul(proximity)
		}
		if weight <= FixedZero {
			continue
		}

		aggregate = aggregate.Add(field.Scale(weight))
		totalWeight = totalWeight.Add(weight)
	}

	if totalWeight > FixedZero {
		for _, component := range []string{
			ComponentLoad, ComponentThermal, ComponentPower,
			ComponentCustom0, ComponentCustom1,
		} {
			normalized, err := aggregate.Get(component).Div(totalWeight)
			if err == nil {
				aggregate.Set(component, normalized)
			}
		}
	}
	return aggregate
}
