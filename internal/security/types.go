// Package security implements the agent-to-agent security manager: agent
// identity and certificates, ECDH session establishment with HKDF key
// derivation, signed and optionally AES-GCM encrypted messaging, replay
// and rate-limit protection, a per-agent circuit breaker, and periodic
// key rotation and trust re-verification.
package security

import "time"

// TrustLevel is an agent's standing with the security manager. It only
// ever moves down automatically; re-promotion is an explicit call.
type TrustLevel string

const (
	Untrusted TrustLevel = "untrusted"
	Basic     TrustLevel = "basic"
	Verified  TrustLevel = "verified"
	Trusted   TrustLevel = "trusted"
)

// capabilityMatrix lists which capabilities each trust level grants, on
// top of every level below it.
var capabilityMatrix = map[TrustLevel][]string{
	Untrusted: {},
	Basic:     {"read", "status"},
	Verified:  {"execute", "query"},
	Trusted:   {"admin", "configure"},
}

var trustOrder = []TrustLevel{Untrusted, Basic, Verified, Trusted}

// Capabilities returns every capability an agent at this trust level
// holds, including those granted by lower levels.
func (t TrustLevel) Capabilities() []string {
	var caps []string
	for _, level := range trustOrder {
		caps = append(caps, capabilityMatrix[level]...)
		if level == t {
			break
		}
	}
	return caps
}

// Permits reports whether this trust level grants capability.
func (t TrustLevel) Permits(capability string) bool {
	for _, c := range t.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}

// stepDown returns the next lower trust level, clamped at Untrusted.
func (t TrustLevel) stepDown() TrustLevel {
	for i, level := range trustOrder {
		if level == t && i > 0 {
			return trustOrder[i-1]
		}
	}
	return Untrusted
}

// rank returns t's position in trustOrder, higher meaning more trusted.
// Used to sort agents by trust level when picking replication targets.
func (t TrustLevel) rank() int {
	for i, level := range trustOrder {
		if level == t {
			return i
		}
	}
	return -1
}

// Certificates bundles an agent's three certificate roles. Only the
// presence and expiry are modeled; certificate chain validation is out of
// scope for this substrate.
type Certificates struct {
	Identity  []byte
	TLS       []byte
	Signing   []byte
	ExpiresAt time.Time
}

// Valid reports whether the certificate bundle has not yet expired.
func (c Certificates) Valid(now time.Time) bool {
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// AgentIdentity is a registered agent's standing with the security
// manager.
type AgentIdentity struct {
	AgentID      string
	AgentType    string
	PublicKey    []byte
	Certificates Certificates
	Capabilities []string
	TrustLevel   TrustLevel
	CreatedAt    time.Time
	LastVerified time.Time
	Version      string
	SwarmID      string

	signingPriv *signingKeyPair
	exchangePriv *exchangeKeyPair
	revoked      bool
}

// Session is one established secure channel with an agent.
type Session struct {
	SessionID      string
	AgentID        string
	EstablishedAt  time.Time
	LastActivity   time.Time
	EncryptionKey  []byte
	MACKey         []byte
	SequenceNumber uint64
	Capabilities   []string
	TrustScore     float64
	Active         bool
}

// MessageKind enumerates the kinds an AuthenticatedMessage may carry.
type MessageKind string

const (
	Request    MessageKind = "request"
	Response   MessageKind = "response"
	Broadcast  MessageKind = "broadcast"
	Gossip     MessageKind = "gossip"
	Consensus  MessageKind = "consensus"
)

// AuthenticatedMessage is the signed, optionally encrypted envelope every
// agent-to-agent call travels in.
type AuthenticatedMessage struct {
	ID           string
	From         string
	To           []string
	Kind         MessageKind
	Payload      []byte
	Timestamp    time.Time
	Nonce        []byte
	Signature    string
	Capabilities []string
	Priority     int
	TTL          time.Duration
	ReplyTo      string
	CorrelationID string

	encrypted bool
}

// AnomalyFlag names a per-message anomaly detected on receipt.
type AnomalyFlag string

const (
	Oversized            AnomalyFlag = "oversized"
	ExcessiveCapabilities AnomalyFlag = "excessive_capabilities"
)

// ReceiveResult is what receiveSecureMessage returns to the caller.
type ReceiveResult struct {
	Valid      bool
	Payload    []byte
	Anomalies  []AnomalyFlag
	TrustScore float64
}

const (
	// MaxPayloadBytes is the threshold past which a payload is flagged
	// oversized rather than rejected outright.
	MaxPayloadBytes = 1 << 20
	// NonceSize is the length, in bytes, of every message nonce.
	NonceSize = 16
)
