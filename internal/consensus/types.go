// Package consensus defines the shared vocabulary (identifiers, message
// envelopes, and pluggable interfaces) that both the PBFT and Raft engines
// build on. Concrete engines live in the bft and raft subpackages; wire
// transports live in the transport subpackage.
package consensus

import (
	"context"
	"time"
)

// NodeID uniquely identifies a consensus participant.
type NodeID string

// Term represents a logical epoch: a PBFT view or a Raft term.
type Term uint64

// LogIndex represents a position in an ordered log.
type LogIndex uint64

// ConsensusMessage is the generic wire envelope exchanged between engines.
// Payload encoding is left to the engine (PBFT and Raft each define their
// own typed sub-messages and marshal them into Data).
type ConsensusMessage struct {
	Type      MessageType `json:"type"`
	Term      Term        `json:"term"`
	From      NodeID      `json:"from"`
	To        NodeID      `json:"to"`
	Data      []byte      `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// MessageType enumerates every wire message the substrate can emit.
type MessageType int

const (
	// Raft messages
	RequestVoteMsg MessageType = iota
	RequestVoteResponseMsg
	AppendEntriesMsg
	AppendEntriesResponseMsg

	// PBFT messages
	PrePrepareMsg
	PrepareMsg
	CommitMsg
	CheckpointMsg
	ViewChangeMsg
	NewViewMsg

	// ReplicateBatchMsg is a best-effort push of a coalesced batch of state
	// operations to a peer outside of consensus replication, used by the
	// replicationFactor facility: perfopt's Batcher groups committed
	// operations and this message carries the group as a JSON array of
	// individual operation payloads. A push may fail or race with an
	// operation arriving through the normal committed log, and either order
	// is acceptable since StateMachine.Apply is idempotent per operation ID.
	ReplicateBatchMsg
)

// ConsensusState represents the current role of a node within its engine.
type ConsensusState int

const (
	Follower ConsensusState = iota
	Candidate
	Leader
	Primary
	Backup
	ViewChanging
)

func (s ConsensusState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Primary:
		return "primary"
	case Backup:
		return "backup"
	case ViewChanging:
		return "view-changing"
	default:
		return "unknown"
	}
}

// LogEntry is a Raft log entry. (index, term) identifies it uniquely;
// committed entries are never overwritten.
type LogEntry struct {
	Index     LogIndex  `json:"index"`
	Term      Term      `json:"term"`
	Command   []byte    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	Committed bool      `json:"committed"`
}

// Proposal is an immutable, content-addressed consensus proposal submitted
// to the PBFT engine.
type Proposal struct {
	ID          string    `json:"id"`
	Content     []byte    `json:"content"`
	ProposerID  NodeID    `json:"proposer_id"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash"`
}

// Outcome is the result of startConsensus(proposal).
type Outcome int

const (
	Committed Outcome = iota
	Aborted
)

func (o Outcome) String() string {
	if o == Committed {
		return "committed"
	}
	return "aborted"
}

// Engine is the interface shared by the PBFT and Raft implementations.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	Propose(ctx context.Context, data []byte) error
	GetState() ConsensusState
	GetLeader() NodeID
	IsLeader() bool
	GetTerm() Term
	AddNode(nodeID NodeID, address string) error
	RemoveNode(nodeID NodeID) error
}

// StateMachine is implemented by the replicated state machine so any
// consensus engine can apply committed entries to it uniformly.
type StateMachine interface {
	Apply(entry *LogEntry) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
	GetState() interface{}
}

// Transport is the pluggable wire-transport interface. The substrate never
// defines an on-wire byte layout; concrete transports (RPC, WebSocket,
// in-memory) implement this.
type Transport interface {
	Send(nodeID NodeID, msg *ConsensusMessage) error
	Broadcast(msg *ConsensusMessage) error
	Receive() <-chan *ConsensusMessage
	Start() error
	Stop() error
	GetAddress(nodeID NodeID) string
}

// Storage is the optional durable-persistence hook described in spec §6.
type Storage interface {
	SaveState(state interface{}) error
	LoadState(state interface{}) error
	SaveLog(entries []*LogEntry) error
	LoadLog(startIndex, endIndex LogIndex) ([]*LogEntry, error)
	SaveSnapshot(snapshot []byte) error
	LoadSnapshot() ([]byte, error)
	Close() error
}

// Config configures a single consensus engine instance (PBFT or Raft).
type Config struct {
	NodeID               NodeID
	Nodes                []string
	ElectionTimeoutMin   time.Duration
	ElectionTimeoutMax   time.Duration
	HeartbeatInterval    time.Duration
	ConsensusTimeout     time.Duration
	MaxOperationHistory  int
	CheckpointInterval   int
	MaxRetainedSnapshots int
	MaxConsecutiveTerms  int
	ReplicationFactor    int
	Byzantine            bool
}

// Metrics is a point-in-time snapshot of engine counters, independent of the
// Prometheus series exported by pkg/metrics (which is cumulative and
// scrape-friendly); this is the programmatic introspection surface used by
// the integration façade and tests.
type Metrics struct {
	CurrentTerm      Term
	VotesReceived    int
	LastLogIndex     LogIndex
	CommitIndex      LogIndex
	MessagesSent     uint64
	MessagesReceived uint64
	Latency          time.Duration
	Throughput       float64
}

// FaultTolerance returns f = floor((n-1)/3), the maximum tolerated Byzantine
// agents for a cluster of size n.
func FaultTolerance(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// ByzantineQuorum returns floor(2n/3)+1, the minimum quorum size PBFT must
// observe agreement from.
func ByzantineQuorum(n int) int {
	return (2*n)/3 + 1
}

// RaftMajority returns floor(n/2)+1, the minimum vote/replication count Raft
// needs to make progress.
func RaftMajority(n int) int {
	return n/2 + 1
}

// MinClusterSize returns the smallest n for which f Byzantine agents can be
// tolerated, i.e. the boundary n = 3f+1.
func MinClusterSize(f int) int {
	return 3*f + 1
}
