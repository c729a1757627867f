// Package events is the in-process pub/sub bus that the PBFT engine and
// the façade publish onto. When a NATS URL is configured, the façade also
// subscribes a NATS relay that re-publishes a fixed subset of events
// externally.
package events

import "time"

// Name enumerates the event types named by the spec's event catalogue
// (consensus-reached, view-changed, leader-elected, vote-finalized,
// agent-quarantined, ...). Components are free to publish names outside
// this list; it only documents the well-known ones.
type Name string

const (
	ConsensusReached     Name = "consensus-reached"
	ViewChanged          Name = "view-changed"
	LeaderElected        Name = "leader-elected"
	CheckpointStabilized Name = "checkpoint-stabilized"
	VoteFinalized        Name = "vote-finalized"
	AgentQuarantined     Name = "agent-quarantined"
	AgentRehabilitated   Name = "agent-rehabilitated"
	SessionEstablished   Name = "session-established"
	KeyRotated           Name = "key-rotated"
)

// Event is one published occurrence: a name, an opaque payload, and the
// time it was published.
type Event struct {
	Name      string
	Payload   map[string]interface{}
	Published time.Time
}

// Config tunes the bus's buffering and history retention.
type Config struct {
	BufferSize       int
	MaxSubscriptions int
	EnableHistory    bool
	MaxHistorySize   int
	HistoryRetention time.Duration
}

// DefaultConfig mirrors the teacher's event-bus defaults, scaled down
// for a single-process consensus substrate rather than a multi-tenant
// service mesh.
func DefaultConfig() Config {
	return Config{
		BufferSize:       100,
		MaxSubscriptions: 1000,
		EnableHistory:    true,
		MaxHistorySize:   10_000,
		HistoryRetention: time.Hour,
	}
}

// Handler receives a delivered event. A returned error is logged, never
// propagated back to the publisher.
type Handler func(Event) error
