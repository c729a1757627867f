// Package voting implements the multi-rule voting subsystem: proposals,
// weighted/quadratic/stake-weighted/liquid-democracy ballots, delegation,
// finalisation, and coordinated-voting anomaly detection. It is an
// independent coordination primitive reused by the integration façade
// rather than a consumer of the consensus engines.
package voting

import "time"

// Rule selects how a proposal's votes are validated and tallied.
type Rule string

const (
	SimpleMajority   Rule = "simple-majority"
	Weighted         Rule = "weighted"
	Quadratic        Rule = "quadratic"
	Approval         Rule = "approval"
	LiquidDemocracy  Rule = "liquid-democracy"
	StakeWeighted    Rule = "stake-weighted"
)

// Status tracks a proposal's lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPassed   Status = "passed"
	StatusRejected Status = "rejected"
)

// Decision is the direction of a cast vote.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Proposal is a single item under vote.
type Proposal struct {
	ID                string
	Title             string
	Content           string
	ProposerID        VoterID
	Deadline          time.Time
	Rule              Rule
	MinParticipation  float64
	PassingThreshold  float64
	Status            Status

	votes       map[VoterID]*Vote
	approveWt   float64
	rejectWt    float64
	eligibleWt  float64
}

// Vote is one voter's ballot on a proposal.
type Vote struct {
	VoterID   VoterID
	Decision  Decision
	Weight    float64
	Strength  int // quadratic voting: raw strength before squaring
	Timestamp time.Time
}

// VoterID identifies a voter/agent.
type VoterID string

// Voter is a participant's standing in the voting subsystem.
type Voter struct {
	ID           VoterID
	Weight       float64
	Reputation   float64
	VoiceCredits float64
	Delegates    map[VoterID]struct{} // voters who have delegated to this voter
	DelegatedTo  VoterID               // empty if this voter has not delegated
	Stakes       map[string]float64    // proposalID -> staked amount
}

// AnomalyFlag describes a detected voting irregularity.
type AnomalyFlag struct {
	ProposalID string
	Kind       string
	VoterID    VoterID
	Detail     string
}
