// Package mesh implements the deterministic coordination core: Q16.16
// fixed-point arithmetic, decaying potential fields, k-nearest topology
// maintenance, heartbeat health tracking, and quorum consensus.
//
// Every module is an independent actor. There is no central coordinator:
// modules publish decaying fields, sample their k nearest neighbors,
// and adjust local state along the resulting gradient. All protocol-visible
// arithmetic is fixed point so that independently built implementations
// produce bit-identical results.
package mesh

// Protocol constants. These are fixed by the wire protocol, not
// configuration: every implementation must use the same values or
// cross-implementation runs diverge.
const (
	// KNeighbors is the target neighbor count per module (k=7).
	KNeighbors = 7

	// FieldDecayTauMicros is the field decay time constant (100ms).
	FieldDecayTauMicros = 100_000

	// HeartbeatPeriodMicros is the heartbeat send period (10ms).
	HeartbeatPeriodMicros = 10_000

	// HeartbeatTimeoutCount is the number of missed periods before a
	// neighbor is declared dead (5 x 10ms = 50ms of silence).
	HeartbeatTimeoutCount = 5

	// VoteTimeoutMicros bounds vote collection for a ballot (50ms).
	VoteTimeoutMicros = 50_000

	// MaxBallots bounds concurrent ballots per module.
	MaxBallots = 4
)

// ModuleID identifies a module in the mesh. Zero is invalid.
type ModuleID uint32

// InvalidModuleID is the zero ModuleID.
const InvalidModuleID ModuleID = 0

// BallotID identifies a consensus round. Zero is invalid.
type BallotID uint32

// InvalidBallotID is the zero BallotID.
const InvalidBallotID BallotID = 0

// TimeMicros is a timestamp or duration in microseconds. Signed so that
// clock skew at the edge produces a clampable negative elapsed rather
// than an unsigned wraparound.
type TimeMicros int64

// ModuleState is the operational state of a module.
type ModuleState int

const (
	// StateInit: created, not yet started.
	StateInit ModuleState = iota
	// StateDiscovering: started, looking for neighbors.
	StateDiscovering
	// StateActive: at least k/2 neighbors.
	StateActive
	// StateDegraded: some neighbors, fewer than k/2.
	StateDegraded
	// StateIsolated: no neighbors reachable.
	StateIsolated
	// StateReforming: mesh reformation in progress (lifecycle-driven).
	StateReforming
	// StateShutdown: graceful shutdown (lifecycle-driven).
	StateShutdown
)

// String implements fmt.Stringer.
func (s ModuleState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateDiscovering:
		return "Discovering"
	case StateActive:
		return "Active"
	case StateDegraded:
		return "Degraded"
	case StateIsolated:
		return "Isolated"
	case StateReforming:
		return "Reforming"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Invalid"
	}
}

// HealthState is the believed liveness of a neighbor, inferred purely
// from heartbeat timing.
type HealthState int

const (
	// HealthUnknown: never heard from.
	HealthUnknown HealthState = iota
	// HealthAlive: recent heartbeat received.
	HealthAlive
	// HealthSuspect: missed more than 2 periods.
	HealthSuspect
	// HealthDead: silent past the timeout threshold.
	HealthDead
)

// String implements fmt.Stringer.
func (h HealthState) String() string {
	switch h {
	case HealthUnknown:
		return "Unknown"
	case HealthAlive:
		return "Alive"
	case HealthSuspect:
		return "Suspect"
	case HealthDead:
		return "Dead"
	default:
		return "Invalid"
	}
}

// HealthStateFromString parses a health state name; unknown names map
// to Unknown.
func HealthStateFromString(s string) HealthState {
	switch s {
	case "Alive":
		return HealthAlive
	case "Suspect":
		return HealthSuspect
	case "Dead":
		return HealthDead
	default:
		return HealthUnknown
	}
}

// VoteValue is a single voter's position on a proposal.
type VoteValue int

const (
	// VoteAbstain: no position; excluded from the yes count.
	VoteAbstain VoteValue = iota
	// VoteYes approves the proposal.
	VoteYes
	// VoteNo rejects the proposal.
	VoteNo
	// VoteInhibit blocks a competing proposal, cancelling the ballot.
	VoteInhibit
)

// String implements fmt.Stringer.
func (v VoteValue) String() string {
	switch v {
	case VoteAbstain:
		return "Abstain"
	case VoteYes:
		return "Yes"
	case VoteNo:
		return "No"
	case VoteInhibit:
		return "Inhibit"
	default:
		return "Invalid"
	}
}

// VoteValueFromString parses a vote name. Unrecognized names abstain,
// matching the tolerant parsing of the external harness contract.
func VoteValueFromString(s string) VoteValue {
	switch s {
	case "Yes":
		return VoteYes
	case "No":
		return VoteNo
	case "Inhibit":
		return VoteInhibit
	default:
		return VoteAbstain
	}
}

// VoteResult is the outcome of a ballot. Only Approved and Rejected are
// computed by the quorum check itself; Pending, Timeout and Cancelled
// are lifecycle states driven by the ballot engine.
type VoteResult int

const (
	// VotePending: voting in progress.
	VotePending VoteResult = iota
	// VoteApproved: yes ratio reached the threshold.
	VoteApproved
	// VoteRejected: threshold unreachable or empty electorate.
	VoteRejected
	// VoteTimeout: deadline passed without quorum.
	VoteTimeout
	// VoteCancelled: inhibited by a competing proposal.
	VoteCancelled
)

// String implements fmt.Stringer.
func (r VoteResult) String() string {
	switch r {
	case VotePending:
		return "Pending"
	case VoteApproved:
		return "Approved"
	case VoteRejected:
		return "Rejected"
	case VoteTimeout:
		return "Timeout"
	case VoteCancelled:
		return "Cancelled"
	default:
		return "Invalid"
	}
}

// ProposalType classifies what a ballot decides.
type ProposalType int

const (
	// ProposalModeChange switches the cluster operational mode.
	ProposalModeChange ProposalType = iota
	// ProposalPowerLimit sets a cluster power cap.
	ProposalPowerLimit
	// ProposalShutdown requests graceful cluster shutdown.
	ProposalShutdown
	// ProposalReformation triggers mesh reformation.
	ProposalReformation
	// ProposalCustom is application defined.
	ProposalCustom
)

// String implements fmt.Stringer.
func (p ProposalType) String() string {
	switch p {
	case ProposalModeChange:
		return "ModeChange"
	case ProposalPowerLimit:
		return "PowerLimit"
	case ProposalShutdown:
		return "Shutdown"
	case ProposalReformation:
		return "Reformation"
	case ProposalCustom:
		return "Custom"
	default:
		return "Invalid"
	}
}

// ProposalTypeFromString parses a proposal type name; unknown names map
// to ProposalCustom.
func ProposalTypeFromString(s string) ProposalType {
	switch s {
	case "ModeChange":
		return ProposalModeChange
	case "PowerLimit":
		return ProposalPowerLimit
	case "Shutdown":
		return ProposalShutdown
	case "Reformation":
		return ProposalReformation
	default:
		return ProposalCustom
	}
}

// Position is a module's physical location. Immutable once the module
// is created. Only squared distances are ever computed from it: no
// square root keeps the metric exact and cheap.
type Position struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

// DistanceSquared returns the integer squared Euclidean distance.
func (p Position) DistanceSquared(o Position) int64 {
	dx := int64(p.X) - int64(o.X)
	dy := int64(p.Y) - int64(o.Y)
	dz := int64(p.Z) - int64(o.Z)
	return dx*dx + dy*dy + dz*dz
}

// Neighbor is one module's cached view of a peer. It is owned by exactly
// one module's neighbor set; it never reaches across module boundaries.
type Neighbor struct {
	// ID of the peer module.
	ID ModuleID
	// Health as inferred from heartbeat timing.
	Health HealthState
	// LastSeen is the timestamp of the last heartbeat.
	LastSeen TimeMicros
	// Distance is the squared distance used for k-selection.
	Distance int64
}
