package harness

import (
	"fmt"
	"log/slog"

	"github.com/modmesh/modmesh/mesh"
)

// State is the engine state a vector file runs against. It is reset
// between files so vectors stay independent.
type State struct {
	board     *mesh.Board
	topology  *mesh.Topology
	consensus *mesh.Consensus
	monitor   *mesh.HealthMonitor
	logger    *slog.Logger
}

// NewState creates fresh engine state.
func NewState() *State {
	return &State{
		board:  mesh.NewBoard(),
		logger: slog.Default().With("component", "harness"),
	}
}

// Reset drops all engine state.
func (s *State) Reset() {
	s.board = mesh.NewBoard()
	s.topology = nil
	s.consensus = nil
	s.monitor = nil
}

// RunFile loads one vector file and executes it against the state.
func RunFile(path string, state *State) Result {
	vector, err := LoadVector(path)
	if err != nil {
		return Result{
			ID:       path,
			Module:   "harness",
			Function: "load",
			Error:    err.Error(),
		}
	}
	return Run(vector, state)
}

// Run executes one vector: apply its setup, dispatch the function under
// test, and compare the actual result against the expectation.
func Run(vector *Vector, state *State) Result {
	result := Result{
		ID:       vector.ID,
		Module:   vector.Module,
		Function: vector.Function,
	}

	if vector.Setup != nil {
		if err := applySetup(vector.Setup, state); err != nil {
			result.Error = fmt.Sprintf("setup failed: %v", err)
			return result
		}
	}

	actual, err := dispatch(vector, state)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	if compareResults(vector.Expected, actual) {
		result.Passed = true
	} else {
		result.Error = "result mismatch"
		result.Actual = actual
		state.logger.Debug("vector failed",
			"id", vector.ID,
			"function", vector.Module+"."+vector.Function)
	}
	return result
}

func dispatch(vector *Vector, state *State) (map[string]any, error) {
	key := vector.Module + "." + vector.Function
	switch key {
	case "field.field_publish":
		return runFieldPublish(vector, state)
	case "field.field_sample":
		return runFieldSample(vector, state)
	case "field.field_gradient":
		return runFieldGradient(vector)
	case "field.field_sample_neighbors":
		return runFieldSampleNeighbors(vector, state)
	case "topology.topology_on_discovery":
		return runTopologyOnDiscovery(vector, state)
	case "topology.topology_reelect":
		return runTopologyReelect(state)
	case "topology.topology_on_neighbor_lost":
		return runTopologyOnNeighborLost(vector, state)
	case "consensus.consensus_propose":
		return runConsensusPropose(vector, state)
	case "consensus.consensus_vote":
		return runConsensusVote(vector, state)
	case "consensus.consensus_inhibit":
		return runConsensusInhibit(vector, state)
	case "consensus.consensus_tick":
		return runConsensusTick(vector, state)
	case "heartbeat.heartbeat_received":
		return runHeartbeatReceived(vector, state)
	case "heartbeat.heartbeat_tick":
		return runHeartbeatTick(vector, state)
	case "types.q15_convert":
		return runFixedConvert(vector)
	default:
		return nil, fmt.Errorf("no handler for %s", key)
	}
}

// applySetup builds engine state from a vector's setup block: topology
// init and discoveries, heartbeat neighbor tracking, and consensus
// engine creation. Function-specific setup (publish, propose) is
// handled by the individual handlers.
func applySetup(setup map[string]any, state *State) error {
	if init, ok := setup["init"].(map[string]any); ok {
		myID := mesh.ModuleID(numOr(init, "my_id", 1))
		pos := parsePosition(init["my_position"])

		config := mesh.DefaultTopologyConfig()
		config.Metric = mesh.MetricLogical
		if s, ok := init["metric"].(string); ok && s == "Physical" {
			config.Metric = mesh.MetricPhysical
		}
		state.topology = mesh.NewTopology(myID, pos, config)
	}

	if discoveries, ok := setup["discoveries"].([]any); ok {
		if state.topology == nil {
			config := mesh.DefaultTopologyConfig()
			config.Metric = mesh.MetricLogical
			state.topology = mesh.NewTopology(1, mesh.Position{}, config)
		}
		for _, raw := range discoveries {
			disc, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			senderID := mesh.ModuleID(numOr(disc, "sender_id", 0))
			pos := parsePosition(disc["sender_position"])
			now := mesh.TimeMicros(numOr(disc, "now", 1_000_000))
			state.topology.OnDiscovery(senderID, pos, now)
		}
	}

	if add, ok := setup["add_neighbor"].(map[string]any); ok {
		myID := mesh.ModuleID(numOr(add, "my_id", 1))
		if state.monitor == nil {
			state.monitor = mesh.NewHealthMonitor(myID, mesh.DefaultHeartbeatConfig())
		}
		if neighbors, ok := add["neighbors"].([]any); ok {
			for _, raw := range neighbors {
				if id, ok := toFloat(raw); ok {
					state.monitor.Track(mesh.ModuleID(id))
				}
			}
		}
	}

	if cons, ok := setup["consensus"].(map[string]any); ok {
		myID := mesh.ModuleID(numOr(cons, "my_id", 1))
		state.consensus = mesh.NewConsensus(myID, mesh.DefaultConsensusConfig())
	}

	return nil
}

// errorReturn renders a mesh error as a harness result object.
func errorReturn(err error) map[string]any {
	if merr, ok := err.(*mesh.Error); ok {
		return map[string]any{"return": merr.Code}
	}
	return map[string]any{"return": err.Error()}
}

func numOr(m map[string]any, key string, fallback float64) float64 {
	if v, ok := m[key]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return fallback
}

func parsePosition(raw any) mesh.Position {
	pos, ok := raw.(map[string]any)
	if !ok {
		return mesh.Position{}
	}
	return mesh.Position{
		X: int32(numOr(pos, "x", 0)),
		Y: int32(numOr(pos, "y", 0)),
		Z: int32(numOr(pos, "z", 0)),
	}
}

func parseField(raw any) mesh.Field {
	obj, ok := raw.(map[string]any)
	if !ok {
		return mesh.Field{}
	}
	return mesh.NewField(
		mesh.FixedFromFloat(numOr(obj, "load", 0)),
		mesh.FixedFromFloat(numOr(obj, "thermal", 0)),
		mesh.FixedFromFloat(numOr(obj, "power", 0)),
	)
}
