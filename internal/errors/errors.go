// Package errors defines the error taxonomy for the consensus substrate and
// the utilities for constructing and inspecting them.
package errors

import (
	"fmt"
	"time"
)

// Kind identifies which row of the error taxonomy an error belongs to.
type Kind string

const (
	// AuthError covers unknown sender, invalid signature, invalid
	// certificate, or capability denied.
	AuthError Kind = "AUTH_ERROR"
	// ProtocolError covers malformed messages, view mismatch, or
	// out-of-window sequence numbers.
	ProtocolError Kind = "PROTOCOL_ERROR"
	// QuorumError covers insufficient active non-malicious agents or a
	// consensus timeout.
	QuorumError Kind = "QUORUM_ERROR"
	// ReplayError covers a previously seen nonce.
	ReplayError Kind = "REPLAY_ERROR"
	// RateLimitError covers a caller throttled by the rate limiter.
	RateLimitError Kind = "RATE_LIMIT_ERROR"
	// CircuitOpenError covers a caller blocked by an open circuit breaker.
	CircuitOpenError Kind = "CIRCUIT_OPEN"
	// ConflictError covers a state operation that lost conflict
	// resolution.
	ConflictError Kind = "CONFLICT_ERROR"
	// ValidationError covers a malformed request, never retried.
	ValidationError Kind = "VALIDATION_ERROR"
	// FatalError covers crypto subsystem unavailability, key rotation
	// failure, or unrecoverable state corruption.
	FatalError Kind = "FATAL_ERROR"
)

// Retryable reports whether errors of this kind are transient and should be
// retried by the caller's bounded retry policy (see spec §7 Propagation).
func (k Kind) Retryable() bool {
	switch k {
	case QuorumError, RateLimitError, CircuitOpenError:
		return true
	default:
		return false
	}
}

// SubstrateError is the structured error returned by every public operation
// in this module. It carries a stable code and human-readable message so
// callers can branch on Kind without string matching.
type SubstrateError struct {
	Kind      Kind                   `json:"kind"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *SubstrateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap allows errors.Is/As to reach the wrapped cause.
func (e *SubstrateError) Unwrap() error { return e.Cause }

// WithMetadata attaches diagnostic metadata and returns the receiver for
// chaining.
func (e *SubstrateError) WithMetadata(key string, value interface{}) *SubstrateError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithCause attaches an underlying error and returns the receiver.
func (e *SubstrateError) WithCause(err error) *SubstrateError {
	e.Cause = err
	return e
}

// New constructs a SubstrateError of the given kind.
func New(kind Kind, code, message string) *SubstrateError {
	return &SubstrateError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an arbitrary error as a SubstrateError of the given kind.
func Wrap(err error, kind Kind, code, message string) *SubstrateError {
	return New(kind, code, message).WithCause(err)
}

// As reports whether err is a *SubstrateError and returns it.
func As(err error) (*SubstrateError, bool) {
	se, ok := err.(*SubstrateError)
	return se, ok
}

// Common constructors used throughout the substrate.

func NotLeader(nodeID string) *SubstrateError {
	return New(ProtocolError, "NOT_LEADER", fmt.Sprintf("%s is not the current leader", nodeID))
}

func NoQuorum(have, need int) *SubstrateError {
	return New(QuorumError, "NO_QUORUM", fmt.Sprintf("have %d active non-malicious agents, need %d", have, need)).
		WithMetadata("have", have).WithMetadata("need", need)
}

func ConsensusTimeout(view uint64, seq uint64) *SubstrateError {
	return New(QuorumError, "CONSENSUS_TIMEOUT", "commit quorum not reached before timeout").
		WithMetadata("view", view).WithMetadata("seq", seq)
}

func InvalidSignature(senderID string) *SubstrateError {
	return New(AuthError, "INVALID_SIGNATURE", fmt.Sprintf("signature verification failed for %s", senderID))
}

func UnknownSender(senderID string) *SubstrateError {
	return New(AuthError, "UNKNOWN_SENDER", fmt.Sprintf("sender %s is not a registered agent", senderID))
}

func CapabilityDenied(agentID, capability string) *SubstrateError {
	return New(AuthError, "CAPABILITY_DENIED", fmt.Sprintf("agent %s lacks capability %q", agentID, capability))
}

func NonceReplay(nonce string) *SubstrateError {
	return New(ReplayError, "NONCE_REPLAY", "nonce has already been used").WithMetadata("nonce", nonce)
}

func RateLimited(agentID string) *SubstrateError {
	return New(RateLimitError, "RATE_LIMITED", fmt.Sprintf("agent %s exceeded its rate limit", agentID))
}

func CircuitOpen(agentID string) *SubstrateError {
	return New(CircuitOpenError, "CIRCUIT_OPEN", fmt.Sprintf("circuit breaker open for agent %s", agentID))
}

func ConflictLost(target string) *SubstrateError {
	return New(ConflictError, "CONFLICT_LOST", fmt.Sprintf("operation on %q lost conflict resolution", target))
}

func Validation(message string) *SubstrateError {
	return New(ValidationError, "VALIDATION_FAILED", message)
}

func AlreadyExists(target string) *SubstrateError {
	return New(ValidationError, "ALREADY_EXISTS", fmt.Sprintf("%q already exists", target))
}

func NotFound(target string) *SubstrateError {
	return New(ValidationError, "NOT_FOUND", fmt.Sprintf("%q not found", target))
}

func Fatal(message string) *SubstrateError {
	return New(FatalError, "FATAL", message)
}
