// Package statemachine implements the replicated key/value state machine
// applied by both the PBFT and Raft engines: create/update/delete/execute
// operations, conflict detection and resolution, and snapshot/restore. It
// records the operations applied since the last restore but does not replay
// them: Restore only replaces the store.
package statemachine

import (
	"time"

	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/crdt"
)

// OpType enumerates the operations the state machine accepts.
type OpType string

const (
	OpCreate  OpType = "create"
	OpUpdate  OpType = "update"
	OpDelete  OpType = "delete"
	OpExecute OpType = "execute" // whitelisted function (increment, append, merge); result stored under Key
)

// Operation is one committed state transition, carrying enough causality
// metadata (VectorClock) for the vector-clock conflict policy, enough
// identity (ProposerID, doubling as the executor identity) for
// last-writer-wins and consensus-based policies, and a Dependencies list
// that must be applied before this operation becomes eligible (see
// StateMachine.eligibleLocked).
type Operation struct {
	ID           string           `json:"id"`
	Type         OpType           `json:"type"`
	Key          string           `json:"key"`
	Value        []byte           `json:"value,omitempty"`
	ProposerID   consensus.NodeID `json:"proposer_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Seq          uint64           `json:"seq"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Signature    []byte           `json:"signature,omitempty"`
	VectorClock  crdt.VectorClock `json:"vector_clock"`
}

// ConflictPolicy selects how concurrent writes to the same key are
// resolved.
type ConflictPolicy string

const (
	LastWriterWins ConflictPolicy = "last-writer-wins"
	VectorClockPolicy ConflictPolicy = "vector-clock"
	ConsensusBased    ConflictPolicy = "consensus-based"
)

// ConflictOutcome classifies how a key conflicted with concurrent writes
// before resolution.
type ConflictOutcome int

const (
	NoConflict ConflictOutcome = iota
	// ConcurrentWrite: two operations on the same key with no causal
	// ordering between their vector clocks.
	ConcurrentWrite
	// StaleWrite: the incoming operation's vector clock is dominated by
	// the key's current version, so it is a no-op replay.
	StaleWrite
	// CausalOverwrite: the incoming operation's vector clock strictly
	// dominates the key's current version, so it applies cleanly.
	CausalOverwrite
)

// versionedEntry is a stored key's current value plus the causality and
// identity metadata needed to resolve the next conflicting write.
type versionedEntry struct {
	Value       []byte
	ProposerID  consensus.NodeID
	Timestamp   time.Time
	VectorClock crdt.VectorClock
	Deleted     bool
}
