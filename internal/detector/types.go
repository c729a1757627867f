// Package detector watches agent behaviour for the malicious patterns a
// Byzantine participant can exhibit, scores reputation, and quarantines
// agents whose trust has collapsed. It satisfies the bft package's
// Membership and ThreatSink capability interfaces so the consensus engine
// can both report raw observations to it and ask it who is still trusted.
package detector

import (
	"time"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

// RuleKind names one of the built-in detection rules.
type RuleKind string

const (
	DoubleVoting        RuleKind = "double-voting"
	ConflictingMessages RuleKind = "conflicting-messages"
	TimingManipulation  RuleKind = "timing-manipulation"
	SpamFlooding        RuleKind = "spam-flooding"
	Collusion           RuleKind = "collusion"
	ViewChangeAbuse     RuleKind = "view-change-abuse"
)

// namedRuleKinds lets ObserveMessage recognize a kind string that already
// names a rule (the caller has pre-classified the trigger, e.g. PBFT's own
// conflicting-digest and invalid view-change signature checks) versus a raw message kind
// that still needs to be run through the sliding-window rules below.
var namedRuleKinds = map[string]RuleKind{
	string(DoubleVoting):        DoubleVoting,
	string(ConflictingMessages): ConflictingMessages,
	string(TimingManipulation):  TimingManipulation,
	string(SpamFlooding):        SpamFlooding,
	string(Collusion):           Collusion,
	string(ViewChangeAbuse):     ViewChangeAbuse,
}

// TrustLevel buckets an agent's reputation score.
type TrustLevel string

const (
	TrustVerified  TrustLevel = "verified"
	TrustHigh      TrustLevel = "high"
	TrustMedium    TrustLevel = "medium"
	TrustLow       TrustLevel = "low"
	TrustUntrusted TrustLevel = "untrusted"
)

// TrustLevelFor buckets a reputation score per the spec's thresholds.
func TrustLevelFor(reputation float64) TrustLevel {
	switch {
	case reputation >= 0.9:
		return TrustVerified
	case reputation >= 0.7:
		return TrustHigh
	case reputation >= 0.5:
		return TrustMedium
	case reputation >= 0.3:
		return TrustLow
	default:
		return TrustUntrusted
	}
}

// QuarantineThreshold is the reputation floor below which an agent is
// removed from active sets.
const QuarantineThreshold = 0.3

// RehabilitationBoost is the reputation increase granted by an explicit
// Rehabilitate call.
const RehabilitationBoost = 0.2

// messageEvent is one observed protocol message within an agent's window.
type messageEvent struct {
	Kind   string
	View   uint64
	Seq    uint64
	Digest string
	At     time.Time
}

// voteEvent is one observed cast vote within an agent's window.
type voteEvent struct {
	ProposalID string
	Decision   string
	Weight     float64
	At         time.Time
}

// BehaviorEvent is a recorded rule trigger with its scored consequences.
type BehaviorEvent struct {
	NodeID     consensus.NodeID
	Rule       RuleKind
	Severity   float64
	Confidence float64
	Penalty    float64
	At         time.Time
	Detail     string
}

// basePenalties is the per-rule base reputation penalty before confidence
// and severity scaling.
var basePenalties = map[RuleKind]float64{
	DoubleVoting:        0.3,
	ConflictingMessages: 0.4,
	TimingManipulation:  0.15,
	SpamFlooding:        0.2,
	Collusion:           0.35,
	ViewChangeAbuse:     0.25,
}

// severityMultipliers scales a rule's base penalty by how dangerous the
// behaviour is relative to the others.
var severityMultipliers = map[RuleKind]float64{
	DoubleVoting:        1.5,
	ConflictingMessages: 2.0,
	TimingManipulation:  1.0,
	SpamFlooding:        1.0,
	Collusion:           1.75,
	ViewChangeAbuse:     1.25,
}
