package voting

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/clock"
	cerrors "github.com/ruvnet/swarmbft/internal/errors"
)

// Registry owns the voters and proposals known to this node and is the
// entry point for casting and finalising votes. It does not itself reach
// consensus on proposal outcomes across nodes; the façade wraps a Registry
// per node and calls it directly, so casts are recorded on the local node
// only and are not ordered through the consensus engine, the same way the teacher's coordinator wraps a
// detector and event bus around plain in-memory state.
type Registry struct {
	mu sync.RWMutex

	logger *zap.Logger
	clock  clock.Clock

	voters    map[VoterID]*Voter
	proposals map[string]*Proposal
}

// New constructs an empty voting registry.
func New(logger *zap.Logger, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		logger:    logger.Named("voting"),
		clock:     clk,
		voters:    make(map[VoterID]*Voter),
		proposals: make(map[string]*Proposal),
	}
}

// RegisterVoter adds or replaces a voter's standing.
func (r *Registry) RegisterVoter(v *Voter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.Delegates == nil {
		v.Delegates = make(map[VoterID]struct{})
	}
	if v.Stakes == nil {
		v.Stakes = make(map[string]float64)
	}
	r.voters[v.ID] = v
}

// CreateProposal opens a new proposal for voting.
func (r *Registry) CreateProposal(p *Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.proposals[p.ID]; exists {
		return cerrors.Validation(fmt.Sprintf("proposal %s already exists", p.ID))
	}
	p.Status = StatusOpen
	p.votes = make(map[VoterID]*Vote)
	r.proposals[p.ID] = p
	return nil
}

// Delegate makes `from` delegate its vote to `to`. Cycles are rejected by
// walking the delegatedTo chain starting at `to` looking for `from`.
func (r *Registry) Delegate(from, to VoterID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fromVoter, ok := r.voters[from]
	if !ok {
		return cerrors.Validation(fmt.Sprintf("unknown voter %s", from))
	}
	if _, ok := r.voters[to]; !ok {
		return cerrors.Validation(fmt.Sprintf("unknown delegate target %s", to))
	}
	if from == to {
		return cerrors.Validation("a voter cannot delegate to itself")
	}

	for cur := to; cur != ""; {
		if cur == from {
			return cerrors.Validation(fmt.Sprintf("delegation from %s to %s would create a cycle", from, to))
		}
		next, ok := r.voters[cur]
		if !ok {
			break
		}
		cur = next.DelegatedTo
	}

	if prior := fromVoter.DelegatedTo; prior != "" {
		if priorVoter, ok := r.voters[prior]; ok {
			delete(priorVoter.Delegates, from)
		}
	}
	fromVoter.DelegatedTo = to
	r.voters[to].Delegates[from] = struct{}{}
	return nil
}

// CastVote validates and records a vote under the proposal's rule, then
// propagates it to any liquid-democracy delegates of the voter.
func (r *Registry) CastVote(proposalID string, voterID VoterID, decision Decision, strength int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proposals[proposalID]
	if !ok {
		return cerrors.Validation(fmt.Sprintf("unknown proposal %s", proposalID))
	}
	if p.Status != StatusOpen {
		return cerrors.Validation(fmt.Sprintf("proposal %s is not open", proposalID))
	}
	if !p.Deadline.IsZero() && !r.clock.Now().Before(p.Deadline) {
		return cerrors.Validation(fmt.Sprintf("proposal %s voting deadline has passed", proposalID))
	}
	voter, ok := r.voters[voterID]
	if !ok {
		return cerrors.Validation(fmt.Sprintf("unknown voter %s", voterID))
	}
	if _, already := p.votes[voterID]; already {
		return cerrors.Validation(fmt.Sprintf("voter %s has already voted on proposal %s", voterID, proposalID))
	}

	weight, err := r.weighVote(p, voter, strength)
	if err != nil {
		return err
	}

	vote := &Vote{VoterID: voterID, Decision: decision, Weight: weight, Strength: strength, Timestamp: r.clock.Now()}
	r.recordVote(p, vote)

	if p.Rule == LiquidDemocracy {
		for delegateID := range voter.Delegates {
			if _, already := p.votes[delegateID]; already {
				continue
			}
			delegate := r.voters[delegateID]
			delegateVote := &Vote{VoterID: delegateID, Decision: decision, Weight: delegate.Weight, Timestamp: r.clock.Now()}
			r.recordVote(p, delegateVote)
		}
	}

	return nil
}

// weighVote applies the proposal rule's validation and returns the
// effective weight of the vote.
func (r *Registry) weighVote(p *Proposal, voter *Voter, strength int) (float64, error) {
	switch p.Rule {
	case SimpleMajority, Approval:
		return 1, nil
	case Weighted:
		return voter.Weight, nil
	case StakeWeighted:
		stake := voter.Stakes[p.ID]
		if stake <= 0 {
			return 0, cerrors.Validation(fmt.Sprintf("voter %s has no stake on proposal %s", voter.ID, p.ID))
		}
		return stake, nil
	case Quadratic:
		cost := float64(strength * strength)
		if cost > voter.VoiceCredits {
			return 0, cerrors.Validation(fmt.Sprintf("voter %s lacks voice credits for strength %d", voter.ID, strength))
		}
		return float64(strength), nil
	case LiquidDemocracy:
		if voter.DelegatedTo != "" {
			return 0, cerrors.Validation(fmt.Sprintf("voter %s has delegated and cannot vote directly", voter.ID))
		}
		return voter.Weight, nil
	default:
		return 0, cerrors.Validation(fmt.Sprintf("unknown voting rule %q", p.Rule))
	}
}

// recordVote must be called with r.mu held.
func (r *Registry) recordVote(p *Proposal, v *Vote) {
	p.votes[v.VoterID] = v
	switch v.Decision {
	case Approve:
		p.approveWt += v.Weight
	case Reject:
		p.rejectWt += v.Weight
	}
}

// FinalizeResult is the outcome of finalising a proposal.
type FinalizeResult struct {
	Status            Status
	ParticipationRate float64
	ApproveWeight     float64
	RejectWeight      float64
}

// Finalize closes a proposal, deducting quadratic voice credits and
// deciding pass/fail. Callable at the proposal's deadline or on demand.
func (r *Registry) Finalize(proposalID string) (*FinalizeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proposals[proposalID]
	if !ok {
		return nil, cerrors.Validation(fmt.Sprintf("unknown proposal %s", proposalID))
	}
	if p.Status != StatusOpen {
		return nil, cerrors.Validation(fmt.Sprintf("proposal %s already finalized", proposalID))
	}

	eligible := len(r.voters)
	participation := 0.0
	if eligible > 0 {
		participation = float64(len(p.votes)) / float64(eligible)
	}

	total := p.approveWt + p.rejectWt
	ratio := 0.0
	if total > 0 {
		ratio = p.approveWt / total
	}

	if participation >= p.MinParticipation && ratio >= p.PassingThreshold {
		p.Status = StatusPassed
	} else {
		p.Status = StatusRejected
	}

	if p.Rule == Quadratic {
		for _, v := range p.votes {
			if voter, ok := r.voters[v.VoterID]; ok {
				voter.VoiceCredits -= float64(v.Strength * v.Strength)
			}
		}
	}

	return &FinalizeResult{
		Status:            p.Status,
		ParticipationRate: participation,
		ApproveWeight:     p.approveWt,
		RejectWeight:      p.rejectWt,
	}, nil
}

// DetectAnomalies scans a proposal's recorded votes for coordinated
// voting, extreme approve/reject ratios, and single-voter dominance.
func (r *Registry) DetectAnomalies(proposalID string) ([]AnomalyFlag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.proposals[proposalID]
	if !ok {
		return nil, cerrors.Validation(fmt.Sprintf("unknown proposal %s", proposalID))
	}

	var flags []AnomalyFlag

	ordered := make([]*Vote, 0, len(p.votes))
	for _, v := range p.votes {
		ordered = append(ordered, v)
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Timestamp.Sub(ordered[i].Timestamp) < time.Second &&
				ordered[i].Timestamp.Sub(ordered[j].Timestamp) < time.Second {
				flags = append(flags, AnomalyFlag{ProposalID: p.ID, Kind: "coordinated-voting", VoterID: ordered[j].VoterID, Detail: "successive votes under 1s apart"})
			}
		}
	}

	if p.rejectWt > 0 {
		if ratio := p.approveWt / p.rejectWt; ratio > 10 || ratio < 0.1 {
			flags = append(flags, AnomalyFlag{ProposalID: p.ID, Kind: "extreme-ratio", Detail: fmt.Sprintf("approve/reject ratio %.3f", ratio)})
		}
	}

	total := p.approveWt + p.rejectWt
	if total > 0 {
		for _, v := range ordered {
			if v.Weight/total > 0.1 {
				flags = append(flags, AnomalyFlag{ProposalID: p.ID, Kind: "single-voter-dominance", VoterID: v.VoterID, Detail: fmt.Sprintf("%.1f%% of total weight", 100*v.Weight/total)})
			}
		}
	}

	return flags, nil
}

// Proposal returns a copy of a proposal's current tally state, or false if
// the proposal is unknown.
func (r *Registry) Proposal(proposalID string) (Proposal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.proposals[proposalID]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}
