package bft

import (
	"time"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

// PrePrepareMessage is phase 1 of PBFT: the primary assigns a sequence
// number to a proposal and broadcasts it to all backups.
type PrePrepareMessage struct {
	View        uint64             `json:"view"`
	SequenceNum uint64             `json:"sequence_num"`
	Digest      string             `json:"digest"`
	Proposal    *consensus.Proposal `json:"proposal"`
	SenderID    consensus.NodeID   `json:"sender_id"`
	Signature   string             `json:"signature"`
}

// PrepareMessage is phase 2: a backup confirms it saw a matching
// pre-prepare.
type PrepareMessage struct {
	View        uint64           `json:"view"`
	SequenceNum uint64           `json:"sequence_num"`
	Digest      string           `json:"digest"`
	NodeID      consensus.NodeID `json:"node_id"`
	Signature   string           `json:"signature"`
}

// CommitMessage is phase 3: a node has collected 2f prepares and is ready
// to commit.
type CommitMessage struct {
	View        uint64           `json:"view"`
	SequenceNum uint64           `json:"sequence_num"`
	Digest      string           `json:"digest"`
	NodeID      consensus.NodeID `json:"node_id"`
	Signature   string           `json:"signature"`
}

// CheckpointMessage attests that a node's state hash at SequenceNum is
// Digest; a Byzantine quorum (consensus.ByzantineQuorum) of checkpoints
// with matching Digest makes the checkpoint stable.
type CheckpointMessage struct {
	SequenceNum uint64           `json:"sequence_num"`
	Digest      string           `json:"digest"`
	NodeID      consensus.NodeID `json:"node_id"`
	Signature   string           `json:"signature"`
}

// PreparedProof bundles a pre-prepare with the prepares that justify it, for
// inclusion in a view-change message.
type PreparedProof struct {
	PrePrepare *PrePrepareMessage                        `json:"pre_prepare"`
	Prepares   map[consensus.NodeID]*PrepareMessage       `json:"prepares"`
}

// ViewChangeMessage requests a move to a new view, carrying proof of the
// last stable checkpoint and every proposal this node prepared but never
// saw committed in the old view.
type ViewChangeMessage struct {
	View            uint64                                   `json:"view"`
	LastCheckpoint  uint64                                   `json:"last_checkpoint"`
	CheckpointProof map[consensus.NodeID]*CheckpointMessage  `json:"checkpoint_proof"`
	PreparedSet     map[string]*PreparedProof                `json:"prepared_set"` // keyed by digest
	NodeID          consensus.NodeID                         `json:"node_id"`
	Reason          string                                   `json:"reason"`
	Signature       string                                   `json:"signature"`
}

// NewViewMessage is broadcast by the elected leader of view `View` once it
// has collected 2f+1 valid view-change messages; it reconstructs
// pre-prepares for every proposal that was prepared-but-not-committed.
type NewViewMessage struct {
	View               uint64                                     `json:"view"`
	ViewChanges        map[consensus.NodeID]*ViewChangeMessage     `json:"view_changes"`
	PrePrepares        []*PrePrepareMessage                        `json:"pre_prepares"`
	NodeID             consensus.NodeID                            `json:"node_id"`
	Signature          string                                      `json:"signature"`
}

// LeaderPolicy selects the leader for a PBFT view. Five policies are
// pluggable per spec §4.3.
type LeaderPolicy string

const (
	RoundRobin     LeaderPolicy = "round-robin"
	Reputation     LeaderPolicy = "reputation"
	StakeWeighted  LeaderPolicy = "stake-weighted"
	Performance    LeaderPolicy = "performance"
	Hybrid         LeaderPolicy = "hybrid"
)

// CandidateMetrics carries the caller-provided telemetry used by the
// reputation/stake/performance/hybrid leader-selection policies. Per spec
// §9 Open Questions, the source of these values is caller-provided
// telemetry; the engine does not compute them itself.
type CandidateMetrics struct {
	Reputation       float64
	Availability     float64
	Performance      float64
	Stake            float64
	ConsecutiveTerms int
}

// Verifier authenticates PBFT protocol messages. It is satisfied by an
// adapter over the security manager's signing keys (see internal/security).
type Verifier interface {
	Sign(data []byte) (string, error)
	Verify(nodeID consensus.NodeID, data []byte, signature string) bool
}

// Membership reports which agents currently participate in consensus and
// which have been quarantined by the detector.
type Membership interface {
	ActiveAgents() []consensus.NodeID
	IsMalicious(nodeID consensus.NodeID) bool
}

// EventSink receives named, structured events emitted by the engine (spec
// §6 Events: consensus-reached, view-changed, leader-elected, ...).
type EventSink interface {
	Emit(name string, payload map[string]interface{})
}

// ThreatSink receives malicious-behaviour observations so the detector can
// evaluate its rule set (conflicting-messages, view-change-abuse, ...).
type ThreatSink interface {
	ObserveMessage(nodeID consensus.NodeID, kind string, view, seq uint64, digest string, at time.Time)
}

// noopEventSink/noopThreatSink let PBFT run standalone (e.g. in unit tests)
// without a wired façade.
type noopEventSink struct{}

func (noopEventSink) Emit(string, map[string]interface{}) {}

type noopThreatSink struct{}

func (noopThreatSink) ObserveMessage(consensus.NodeID, string, uint64, uint64, string, time.Time) {}

type allowAllMembership struct{ nodes []consensus.NodeID }

func (m allowAllMembership) ActiveAgents() []consensus.NodeID    { return m.nodes }
func (m allowAllMembership) IsMalicious(consensus.NodeID) bool   { return false }
