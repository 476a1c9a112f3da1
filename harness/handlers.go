package harness

import (
	"fmt"

	"github.com/modmesh/modmesh/mesh"
)

func runFieldPublish(vector *Vector, state *State) (map[string]any, error) {
	input := vector.Input
	idNum, ok := toFloat(input["module_id"])
	if !ok {
		return nil, fmt.Errorf("missing module_id")
	}
	moduleID := mesh.ModuleID(idNum)

	field := parseField(input["field"])
	timestamp := mesh.TimeMicros(numOr(input, "timestamp", 0))

	if err := state.board.Publish(moduleID, field, timestamp); err != nil {
		return errorReturn(err), nil
	}

	stored, ok := state.board.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("field not stored")
	}
	prefix := fmt.Sprintf("fields[%d]", moduleID)
	return map[string]any{
		"return": "OK",
		"region_state": map[string]any{
			prefix + ".source":        uint32(stored.Source),
			prefix + ".timestamp":     int64(stored.Timestamp),
			prefix + ".components[0]": stored.Load.Bits(),
			prefix + ".components[1]": stored.Thermal.Bits(),
			prefix + ".components[2]": stored.Power.Bits(),
			prefix + ".sequence":      stored.Sequence,
		},
	}, nil
}

func runFieldSample(vector *Vector, state *State) (map[string]any, error) {
	input := vector.Input

	idRaw, ok := input["module_id"]
	if !ok {
		idRaw, ok = input["target_id"]
	}
	idNum, numOK := toFloat(idRaw)
	if !ok || !numOK {
		return nil, fmt.Errorf("missing module_id or target_id")
	}
	moduleID := mesh.ModuleID(idNum)
	now := mesh.TimeMicros(numOr(input, "now", 0))

	// The field under test may be provided inline by the vector.
	if publish, ok := vector.Setup["publish"].(map[string]any); ok {
		pubID := mesh.ModuleID(numOr(publish, "module_id", float64(moduleID)))
		pubTime := mesh.TimeMicros(numOr(publish, "timestamp", 0))
		if err := state.board.Publish(pubID, parseField(publish["field"]), pubTime); err != nil {
			return nil, fmt.Errorf("setup publish failed: %w", err)
		}
	}

	field, err := state.board.Sample(moduleID, now)
	if err != nil {
		return errorReturn(err), nil
	}
	return map[string]any{
		"return": "OK",
		"field": map[string]any{
			"load":      field.Load.Float(),
			"thermal":   field.Thermal.Float(),
			"power":     field.Power.Float(),
			"source":    uint32(field.Source),
			"timestamp": int64(field.Timestamp),
		},
	}, nil
}

func runFieldGradient(vector *Vector) (map[string]any, error) {
	input := vector.Input

	myRaw, ok := input["my_field"]
	if !ok {
		return nil, fmt.Errorf("missing my_field")
	}
	theirRaw, ok := input["neighbor_field"]
	if !ok {
		theirRaw, ok = input["neighbor_aggregate"]
	}
	if !ok {
		return nil, fmt.Errorf("missing neighbor_field or neighbor_aggregate")
	}

	mine := parseField(myRaw)
	theirs := parseField(theirRaw)

	component := mesh.ComponentLoad
	if s, ok := input["component"].(string); ok {
		switch s {
		case "Thermal", "thermal":
			component = mesh.ComponentThermal
		case "Power", "power":
			component = mesh.ComponentPower
		}
	}

	return map[string]any{
		"return":   "OK",
		"gradient": mesh.Gradient(mine, theirs, component).Float(),
	}, nil
}

func runFieldSampleNeighbors(vector *Vector, state *State) (map[string]any, error) {
	input := vector.Input
	now := mesh.TimeMicros(numOr(input, "now", 0))

	neighborsRaw, ok := input["neighbors"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing neighbors")
	}
	neighbors := make([]mesh.Neighbor, 0, len(neighborsRaw))
	for _, raw := range neighborsRaw {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		health := mesh.HealthAlive
		if s, ok := obj["health"].(string); ok {
			health = mesh.HealthStateFromString(s)
		}
		neighbors = append(neighbors, mesh.Neighbor{
			ID:       mesh.ModuleID(numOr(obj, "id", 0)),
			Health:   health,
			Distance: int64(numOr(obj, "distance", 0)),
		})
	}

	agg := state.board.SampleNeighbors(neighbors, now)
	return map[string]any{
		"return": "OK",
		"aggregate": map[string]any{
			"load":    agg.Load.Float(),
			"thermal": agg.Thermal.Float(),
			"power":   agg.Power.Float(),
		},
	}, nil
}

func (s *State) ensureTopology() *mesh.Topology {
	if s.topology == nil {
		config := mesh.DefaultTopologyConfig()
		config.Metric = mesh.MetricLogical
		s.topology = mesh.NewTopology(1, mesh.Position{}, config)
	}
	return s.topology
}

func neighborList(topo *mesh.Topology) []any {
	out := make([]any, 0, topo.NeighborCount())
	for _, n := range topo.Neighbors() {
		out = append(out, map[string]any{
			"id":               uint32(n.ID),
			"logical_distance": n.Distance,
		})
	}
	return out
}

func runTopologyOnDiscovery(vector *Vector, state *State) (map[string]any, error) {
	input := vector.Input
	idNum, ok := toFloat(input["sender_id"])
	if !ok {
		return nil, fmt.Errorf("missing sender_id")
	}
	pos := parsePosition(input["sender_position"])
	now := mesh.TimeMicros(numOr(input, "now", 1_000_000))

	topo := state.ensureTopology()
	changed, err := topo.OnDiscovery(mesh.ModuleID(idNum), pos, now)
	if err != nil {
		return errorReturn(err), nil
	}
	return map[string]any{
		"return":           "OK",
		"topology_changed": changed,
		"neighbor_count":   topo.NeighborCount(),
		"neighbors":        neighborList(topo),
	}, nil
}

func runTopologyReelect(state *State) (map[string]any, error) {
	if state.topology == nil {
		return nil, fmt.Errorf("topology not initialized")
	}
	count := state.topology.Reelect(nil)
	return map[string]any{
		"return":         "OK",
		"neighbor_count": count,
		"neighbors":      neighborList(state.topology),
	}, nil
}

func runTopologyOnNeighborLost(vector *Vector, state *State) (map[string]any, error) {
	idNum, ok := toFloat(vector.Input["lost_id"])
	if !ok {
		return nil, fmt.Errorf("missing lost_id")
	}
	if state.topology == nil {
		return nil, fmt.Errorf("topology not initialized")
	}
	if err := state.topology.OnNeighborLost(mesh.ModuleID(idNum)); err != nil {
		return errorReturn(err), nil
	}
	return map[string]any{
		"return":         "OK",
		"neighbor_count": state.topology.NeighborCount(),
	}, nil
}

func (s *State) ensureConsensus(id mesh.ModuleID) *mesh.Consensus {
	if s.consensus == nil {
		s.consensus = mesh.NewConsensus(id, mesh.DefaultConsensusConfig())
	}
	return s.consensus
}

func runConsensusPropose(vector *Vector, state *State) (map[string]any, error) {
	input := vector.Input
	myID := mesh.ModuleID(numOr(input, "my_id", 1))

	ptype := mesh.ProposalModeChange
	if s, ok := input["proposal_type"].(string); ok {
		ptype = mesh.ProposalTypeFromString(s)
	}
	data := uint32(numOr(input, "data", 0))
	threshold := mesh.SimpleMajority
	if f, ok := toFloat(input["threshold"]); ok {
		threshold = mesh.FixedFromFloat(f)
	}
	now := mesh.TimeMicros(numOr(input, "now", 1_000_000))

	cons := state.ensureConsensus(myID)
	ballotID, err := cons.Propose(ptype, data, threshold, now)
	if err != nil {
		return errorReturn(err), nil
	}
	return map[string]any{
		"return":    "OK",
		"ballot_id": uint32(ballotID),
		"result":    cons.Result(ballotID).String(),
	}, nil
}

func runConsensusVote(vector *Vector, state *State) (map[string]any, error) {
	input := vector.Input

	if propose, ok := vector.Setup["propose"].(map[string]any); ok {
		myID := mesh.ModuleID(numOr(propose, "my_id", 1))
		cons := state.ensureConsensus(myID)
		cons.Propose(
			mesh.ProposalModeChange,
			uint32(numOr(propose, "data", 0)),
			mesh.FixedFromFloat(numOr(propose, "threshold", 0.5)),
			mesh.TimeMicros(numOr(propose, "now", 1_000_000)),
		)
	}

	idNum, ok := toFloat(input["ballot_id"])
	if !ok {
		return nil, fmt.Errorf("missing ballot_id")
	}
	ballotID := mesh.BallotID(idNum)

	votes, ok := input["votes"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing votes")
	}
	totalVoters := int(numOr(input, "total_voters", float64(len(votes))))

	if state.consensus == nil {
		return nil, fmt.Errorf("consensus not initialized")
	}
	for _, raw := range votes {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		voterID := mesh.ModuleID(numOr(obj, "voter_id", 0))
		vote := mesh.VoteAbstain
		if s, ok := obj["vote"].(string); ok {
			vote = mesh.VoteValueFromString(s)
		}
		state.consensus.OnVote(voterID, ballotID, vote, totalVoters)
	}

	return map[string]any{
		"return": "OK",
		"result": state.consensus.Result(ballotID).String(),
	}, nil
}

func runConsensusInhibit(vector *Vector, state *State) (map[string]any, error) {
	idNum, ok := toFloat(vector.Input["ballot_id"])
	if !ok {
		return nil, fmt.Errorf("missing ballot_id")
	}
	now := mesh.TimeMicros(numOr(vector.Input, "now", 1_000_000))

	if state.consensus == nil {
		return nil, fmt.Errorf("consensus not initialized")
	}
	ballotID := mesh.BallotID(idNum)
	if err := state.consensus.Inhibit(ballotID, now); err != nil {
		return errorReturn(err), nil
	}
	return map[string]any{
		"return": "OK",
		"result": state.consensus.Result(ballotID).String(),
	}, nil
}

func runConsensusTick(vector *Vector, state *State) (map[string]any, error) {
	nowNum, ok := toFloat(vector.Input["now"])
	if !ok {
		return nil, fmt.Errorf("missing now")
	}
	ballotID := mesh.BallotID(numOr(vector.Input, "ballot_id", 1))

	if state.consensus == nil {
		return nil, fmt.Errorf("consensus not initialized")
	}
	completed := state.consensus.Tick(mesh.TimeMicros(nowNum))
	return map[string]any{
		"return":    "OK",
		"completed": completed,
		"result":    state.consensus.Result(ballotID).String(),
	}, nil
}

func runHeartbeatReceived(vector *Vector, state *State) (map[string]any, error) {
	input := vector.Input
	idNum, ok := toFloat(input["sender_id"])
	if !ok {
		return nil, fmt.Errorf("missing sender_id")
	}
	senderID := mesh.ModuleID(idNum)
	sequence := uint32(numOr(input, "sequence", 0))
	now := mesh.TimeMicros(numOr(input, "now", 1_000_000))

	if state.monitor == nil {
		state.monitor = mesh.NewHealthMonitor(1, mesh.DefaultHeartbeatConfig())
	}
	state.monitor.Track(senderID)

	if err := state.monitor.Received(senderID, sequence, now); err != nil {
		return errorReturn(err), nil
	}
	return map[string]any{
		"return": "OK",
		"health": state.monitor.Health(senderID).String(),
	}, nil
}

func runHeartbeatTick(vector *Vector, state *State) (map[string]any, error) {
	nowNum, ok := toFloat(vector.Input["now"])
	if !ok {
		return nil, fmt.Errorf("missing now")
	}
	neighborID := mesh.ModuleID(numOr(vector.Input, "neighbor_id", 2))

	if state.monitor == nil {
		return nil, fmt.Errorf("heartbeat not initialized")
	}
	changed := state.monitor.Tick(mesh.TimeMicros(nowNum))
	return map[string]any{
		"return":  "OK",
		"changed": changed,
		"health":  state.monitor.Health(neighborID).String(),
	}, nil
}

func runFixedConvert(vector *Vector) (map[string]any, error) {
	f, ok := toFloat(vector.Input["float"])
	if !ok {
		return nil, fmt.Errorf("missing float")
	}
	fixed := mesh.FixedFromFloat(f)
	return map[string]any{
		"return":     "OK",
		"fixed_bits": fixed.Bits(),
		"round_trip": fixed.Float(),
	}, nil
}
