// Package facade is the integration layer that wires the security
// manager, the consensus engines (PBFT or Raft), the voting registry,
// the state machine, the malicious-behaviour detector, and the event
// bus together behind a small set of higher-level operations. Every
// component below it holds only the narrow capability interface it
// needs (bft.Verifier, bft.Membership, bft.EventSink, bft.ThreatSink);
// the façade owns the full wiring graph, mirroring how the teacher's
// MessagingCoordinator owns broker/queue/eventbus/rate-limiter/storage
// construction and wiring in one place.
package facade

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ruvnet/swarmbft/internal/security"
)

// Engine selects which consensus protocol a registered agent's proposals
// run under.
type Engine string

const (
	EngineBFT  Engine = "bft"
	EngineRaft Engine = "raft"
)

// AgentRegistration is the result of registerConsensusAgent: the agent's
// security identity plus the session established for it.
type AgentRegistration struct {
	Identity *security.AgentIdentity
	Session  *security.Session
}

// ephemeralExchangeKey generates a throwaway ECDH key standing in for the
// caller's side of session establishment, the same shape the security
// package's own tests use to simulate a peer.
func ephemeralExchangeKey() (*ecdh.PublicKey, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("facade: generating ephemeral exchange key: %w", err)
	}
	return priv.PublicKey(), nil
}

// auditDetail is the payload shape every façade-emitted audit event
// carries, on top of operation-specific fields.
type auditDetail struct {
	Operation string    `json:"operation"`
	AgentID   string    `json:"agent_id"`
	At        time.Time `json:"at"`
}

func (d auditDetail) toPayload(extra map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"operation": d.Operation,
		"agent_id":  d.AgentID,
		"at":        d.At,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}
