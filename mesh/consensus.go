package mesh

import "log/slog"

// Consensus thresholds.
var (
	// SimpleMajority is a 50% approval threshold.
	SimpleMajority = FixedHalf
	// Supermajority is a two-thirds approval threshold.
	Supermajority = FixedFromBits(0xAAAB)
	// Unanimous requires every eligible voter.
	Unanimous = FixedOne
)

// QuorumCheck evaluates whether yesCount out of totalVoters reaches the
// approval threshold. The boundary is inclusive: a proposal exactly at
// threshold passes. An empty electorate is Rejected, never Approved.
// The comparison is exact integer arithmetic on Q16.16 bits, so every
// implementation agrees on boundary cases.
//
// Abstentions reduce neither totalVoters nor yesCount; how votes are
// collected is the caller's concern. QuorumCheck never returns Timeout
// or Cancelled: those are lifecycle outcomes assigned by the caller.
func QuorumCheck(yesCount, totalVoters int, threshold Fixed) VoteResult {
	if totalVoters <= 0 {
		return VoteRejected
	}
	// yes/total >= threshold  <=>  yes<<16 >= threshold.bits * total
	if int64(yesCount)<<FracBits >= int64(threshold.Bits())*int64(totalVoters) {
		return VoteApproved
	}
	return VoteRejected
}

// ThresholdVotes returns ceil(totalVoters * threshold): the minimum yes
// count that approves. Callers use it to short-circuit a ballot once
// enough yes votes arrive without waiting for every voter.
func ThresholdVotes(totalVoters int, threshold Fixed) int {
	if totalVoters <= 0 {
		return 0
	}
	product := int64(totalVoters) * int64(threshold.Bits())
	return int((product + FixedScale - 1) >> FracBits)
}

// ConsensusConfig holds ballot engine tuning.
type ConsensusConfig struct {
	// VoteTimeout bounds vote collection, in microseconds.
	VoteTimeout TimeMicros
	// InhibitDuration is how long an inhibition shadows a ballot id.
	InhibitDuration TimeMicros
}

// DefaultConsensusConfig returns production defaults.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		VoteTimeout:     VoteTimeoutMicros,
		InhibitDuration: 100_000,
	}
}

// Ballot is one voting round on a proposal.
type Ballot struct {
	ID        BallotID
	Type      ProposalType
	Proposer  ModuleID
	Data      uint32
	Threshold Fixed
	Deadline  TimeMicros

	votes    map[ModuleID]VoteValue
	YesCount int
	NoCount  int

	Result    VoteResult
	Completed bool
}

// NewBallot creates a pending ballot.
func NewBallot(id BallotID, ptype ProposalType, proposer ModuleID, data uint32, threshold Fixed, deadline TimeMicros) *Ballot {
	return &Ballot{
		ID:        id,
		Type:      ptype,
		Proposer:  proposer,
		Data:      data,
		Threshold: threshold,
		Deadline:  deadline,
		votes:     make(map[ModuleID]VoteValue),
		Result:    VotePending,
	}
}

// RecordVote registers one voter's vote. A voter's first vote is final:
// repeats are ignored and reported as false. An Inhibit vote cancels
// the ballot outright.
func (b *Ballot) RecordVote(voterID ModuleID, vote VoteValue) bool {
	if _, dup := b.votes[voterID]; dup {
		return false
	}
	b.votes[voterID] = vote

	switch vote {
	case VoteYes:
		b.YesCount++
	case VoteNo:
		b.NoCount++
	case VoteInhibit:
		b.Result = VoteCancelled
		b.Completed = true
	}
	return true
}

// VoteCount returns how many voters have responded.
func (b *Ballot) VoteCount() int {
	return len(b.votes)
}

// CheckThreshold settles the ballot if it can be settled: Approved as
// soon as the yes count reaches quorum, Rejected once every eligible
// voter has responded without reaching it. Otherwise it stays Pending.
func (b *Ballot) CheckThreshold(totalVoters int) {
	if b.Completed {
		return
	}
	if QuorumCheck(b.YesCount, totalVoters, b.Threshold) == VoteApproved {
		b.Result = VoteApproved
		b.Completed = true
		return
	}
	if len(b.votes) >= totalVoters {
		b.Result = VoteRejected
		b.Completed = true
	}
}

type inhibition struct {
	ballotID BallotID
	until    TimeMicros
}

// Consensus is one module's ballot engine: it originates proposals,
// collects votes with per-voter deduplication, applies the quorum rule,
// and expires ballots whose deadline passes.
type Consensus struct {
	id           ModuleID
	ballots      []*Ballot
	inhibited    []inhibition
	nextBallotID BallotID
	config       ConsensusConfig
	logger       *slog.Logger

	onDecide   func(*Ballot) VoteValue
	onComplete func(*Ballot, VoteResult)
}

// NewConsensus creates a ballot engine for the given module.
func NewConsensus(id ModuleID, config ConsensusConfig) *Consensus {
	return &Consensus{
		id:           id,
		nextBallotID: 1,
		config:       config,
		logger:       slog.Default().With("component", "consensus", "module", uint32(id)),
	}
}

// Propose opens a ballot for a new proposal and returns its id. Fails
// with BUSY when MaxBallots rounds are already in flight.
func (c *Consensus) Propose(ptype ProposalType, data uint32, threshold Fixed, now TimeMicros) (BallotID, error) {
	if len(c.ballots) >= MaxBallots {
		return InvalidBallotID, NewError(ErrCodeBusy, "ballot table full")
	}

	id := c.nextBallotID
	c.nextBallotID++
	if c.nextBallotID == InvalidBallotID {
		c.nextBallotID = 1
	}

	ballot := NewBallot(id, ptype, c.id, data, threshold, now+c.config.VoteTimeout)
	c.ballots = append(c.ballots, ballot)
	c.logger.Debug("proposal opened", "ballot", uint32(id), "type", ptype.String())
	return id, nil
}

// OnProposal registers a ballot proposed by a peer and returns this
// module's vote on it (via the decide callback, or Yes by default).
func (c *Consensus) OnProposal(proposerID ModuleID, ballotID BallotID, ptype ProposalType, data uint32, threshold Fixed, now TimeMicros) (VoteValue, error) {
	if c.isInhibited(ballotID) {
		return VoteAbstain, NewError(ErrCodeInhibited, "ballot inhibited").WithContext("ballot", ballotID)
	}

	ballot := NewBallot(ballotID, ptype, proposerID, data, threshold, now+c.config.VoteTimeout)
	if len(c.ballots) < MaxBallots {
		c.ballots = append(c.ballots, ballot)
	}

	if c.onDecide != nil {
		return c.onDecide(ballot), nil
	}
	return VoteYes, nil
}

// OnVote feeds a peer's vote into a ballot and re-evaluates the quorum.
// Duplicate votes are ignored without error.
func (c *Consensus) OnVote(voterID ModuleID, ballotID BallotID, vote VoteValue, totalVoters int) error {
	ballot := c.find(ballotID)
	if ballot == nil {
		return NewError(ErrCodeNotFound, "ballot not found").WithContext("ballot", ballotID)
	}
	if !ballot.RecordVote(voterID, vote) {
		return nil
	}
	ballot.CheckThreshold(totalVoters)
	if ballot.Completed && c.onComplete != nil {
		c.onComplete(ballot, ballot.Result)
	}
	return nil
}

// Inhibit cancels a ballot and shadows its id so late arrivals of the
// same proposal are refused.
func (c *Consensus) Inhibit(ballotID BallotID, now TimeMicros) error {
	c.inhibited = append(c.inhibited, inhibition{
		ballotID: ballotID,
		until:    now + c.config.InhibitDuration,
	})
	if ballot := c.find(ballotID); ballot != nil {
		ballot.Result = VoteCancelled
		ballot.Completed = true
	}
	return nil
}

// Result returns a ballot's outcome, Pending if unknown.
func (c *Consensus) Result(ballotID BallotID) VoteResult {
	if ballot := c.find(ballotID); ballot != nil {
		return ballot.Result
	}
	return VotePending
}

// Tick expires ballots past their deadline (mapping them to Timeout, as
// the quorum check itself never does), drops stale inhibitions, and
// garbage-collects completed ballots down to half the table. Returns
// how many ballots completed this tick.
func (c *Consensus) Tick(now TimeMicros) int {
	completed := 0
	for _, ballot := range c.ballots {
		if !ballot.Completed && now >= ballot.Deadline {
			ballot.Result = VoteTimeout
			ballot.Completed = true
			completed++
			if c.onComplete != nil {
				c.onComplete(ballot, ballot.Result)
			}
		}
	}

	kept := c.inhibited[:0]
	for _, inh := range c.inhibited {
		if inh.until > now {
			kept = append(kept, inh)
		}
	}
	c.inhibited = kept

	for len(c.ballots) > MaxBallots/2 {
		idx := -1
		for i, ballot := range c.ballots {
			if ballot.Completed {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		c.ballots = append(c.ballots[:idx], c.ballots[idx+1:]...)
	}

	return completed
}

// ActiveBallots returns the number of ballots still pending.
func (c *Consensus) ActiveBallots() int {
	n := 0
	for _, ballot := range c.ballots {
		if !ballot.Completed {
			n++
		}
	}
	return n
}

// SetOnDecide installs the callback that decides this module's vote on
// incoming proposals.
func (c *Consensus) SetOnDecide(fn func(*Ballot) VoteValue) {
	c.onDecide = fn
}

// SetOnComplete installs the ballot completion callback.
func (c *Consensus) SetOnComplete(fn func(*Ballot, VoteResult)) {
	c.onComplete = fn
}

func (c *Consensus) find(id BallotID) *Ballot {
	for _, ballot := range c.ballots {
		if ballot.ID == id {
			return ballot
		}
	}
	return nil
}

func (c *Consensus) isInhibited(id BallotID) bool {
	for _, inh := range c.inhibited {
		if inh.ballotID == id {
			return true
		}
	}
	return false
}
