package security

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ruvnet/swarmbft/internal/consensus"
	cerrors "github.com/ruvnet/swarmbft/internal/errors"
)

// Config tunes the security manager's policy knobs.
type Config struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	CircuitFailureMax  int
	CircuitRecovery    time.Duration
	KeyRotationInterval time.Duration
	NonceCacheSize     int
	DefaultTTL         time.Duration
	RequireEncryption  bool
}

// DefaultConfig returns conservative defaults for the security manager.
func DefaultConfig() Config {
	return Config{
		RateLimitPerSecond:   50,
		RateLimitBurst:       100,
		CircuitFailureMax:    5,
		CircuitRecovery:      30 * time.Second,
		KeyRotationInterval:  24 * time.Hour,
		NonceCacheSize:       100_000,
		DefaultTTL:           30 * time.Second,
		RequireEncryption:    false,
	}
}

// circuitState tracks a per-agent breaker that opens after CircuitFailureMax
// consecutive send failures and blocks sends until CircuitRecovery elapses.
type circuitState struct {
	failures  int
	openUntil time.Time
}

// retiredKey is a previous root signing key kept around so signatures it
// made remain verifiable until it expires.
type retiredKey struct {
	pub       *ecdsa.PublicKey
	retiredAt time.Time
}

// Manager is the security manager (A2A): agent registration, session
// establishment, signed/encrypted messaging, replay and rate-limit
// protection, and key rotation.
type Manager struct {
	mu sync.RWMutex

	logger *zap.Logger
	cfg    Config

	identities map[string]*AgentIdentity
	sessions   map[string]*Session
	exchangeKeys map[string]*exchangeKeyPair

	rootKey     *signingKeyPair
	retiredKeys []retiredKey

	limiters map[string]*rate.Limiter
	circuits map[string]*circuitState
	nonces   *lru.Cache[string, time.Time]
}

// New constructs a security manager with a freshly generated root signing
// key.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	root, err := newSigningKeyPair()
	if err != nil {
		return nil, err
	}
	nonces, err := lru.New[string, time.Time](cfg.NonceCacheSize)
	if err != nil {
		return nil, cerrors.Fatal("failed to allocate nonce cache").WithCause(err)
	}
	return &Manager{
		logger:       logger.Named("security"),
		cfg:          cfg,
		identities:   make(map[string]*AgentIdentity),
		sessions:     make(map[string]*Session),
		exchangeKeys: make(map[string]*exchangeKeyPair),
		rootKey:      root,
		limiters:     make(map[string]*rate.Limiter),
		circuits:     make(map[string]*circuitState),
		nonces:       nonces,
	}, nil
}

// RegisterAgent onboards a new agent at Basic trust, generating it a
// dedicated exchange keypair for session establishment.
func (m *Manager) RegisterAgent(agentID, agentType string, certs Certificates) (*AgentIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.identities[agentID]; exists {
		return nil, cerrors.Validation(fmt.Sprintf("agent %s already registered", agentID))
	}

	exch, err := newExchangeKeyPair()
	if err != nil {
		return nil, err
	}

	identity := &AgentIdentity{
		AgentID:      agentID,
		AgentType:    agentType,
		Certificates: certs,
		Capabilities: Basic.Capabilities(),
		TrustLevel:   Basic,
		CreatedAt:    time.Now(),
		LastVerified: time.Now(),
		exchangePriv: exch,
	}
	identity.PublicKey = marshalPublicKey(&m.rootKey.priv.PublicKey)

	m.identities[agentID] = identity
	m.exchangeKeys[agentID] = exch
	m.limiters[agentID] = rate.NewLimiter(rate.Limit(m.cfg.RateLimitPerSecond), m.cfg.RateLimitBurst)

	return identity, nil
}

// RevokeAgent closes all of an agent's sessions and removes its identity.
func (m *Manager) RevokeAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.identities, agentID)
	delete(m.exchangeKeys, agentID)
	delete(m.limiters, agentID)
	delete(m.circuits, agentID)
	for id, s := range m.sessions {
		if s.AgentID == agentID {
			delete(m.sessions, id)
		}
	}
}

// EstablishSession authorises the requested capabilities against the
// agent's trust level, runs ECDH against the agent's exchange public key,
// and derives session keys via HKDF.
func (m *Manager) EstablishSession(agentID string, peerPublic *ecdh.PublicKey, requestedCapabilities []string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[agentID]
	if !ok {
		return nil, cerrors.UnknownSender(agentID)
	}
	for _, capability := range requestedCapabilities {
		if !identity.TrustLevel.Permits(capability) {
			return nil, cerrors.CapabilityDenied(agentID, capability)
		}
	}

	exch := m.exchangeKeys[agentID]
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, cerrors.Fatal("failed to generate session salt").WithCause(err)
	}
	encKey, macKey, err := deriveSharedKeys(exch, peerPublic, salt)
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:      uuid.NewString(),
		AgentID:        agentID,
		EstablishedAt:  time.Now(),
		LastActivity:   time.Now(),
		EncryptionKey:  encKey,
		MACKey:         macKey,
		Capabilities:   requestedCapabilities,
		TrustScore:     1.0,
		Active:         true,
	}
	m.sessions[session.SessionID] = session
	return session, nil
}

// SendSecureMessage signs (and, when required, encrypts) a message on
// behalf of `from`, subject to the rate limiter and circuit breaker.
func (m *Manager) SendSecureMessage(from string, to []string, kind MessageKind, payload []byte, sessionID string) (*AuthenticatedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[from]; !ok {
		return nil, cerrors.UnknownSender(from)
	}

	if cs, ok := m.circuits[from]; ok && time.Now().Before(cs.openUntil) {
		return nil, cerrors.CircuitOpen(from)
	}

	limiter := m.limiters[from]
	if limiter != nil && !limiter.Allow() {
		m.recordFailureLocked(from)
		return nil, cerrors.RateLimited(from)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, cerrors.Fatal("failed to generate nonce").WithCause(err)
	}

	msg := &AuthenticatedMessage{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
		Nonce:     nonce,
	}

	if m.cfg.RequireEncryption && sessionID == "" {
		return nil, cerrors.Validation("encryption is required but no session was supplied")
	}

	if sessionID != "" {
		session, ok := m.sessions[sessionID]
		if !ok || !session.Active {
			return nil, cerrors.Validation(fmt.Sprintf("no active session %s", sessionID))
		}
		sealed, err := encryptPayload(session.EncryptionKey, payload)
		if err != nil {
			m.recordFailureLocked(from)
			return nil, err
		}
		msg.Payload = sealed
		msg.encrypted = true
		session.SequenceNumber++
		session.LastActivity = time.Now()
	}

	data, err := canonicalBytes(msg)
	if err != nil {
		m.recordFailureLocked(from)
		return nil, err
	}
	sig, err := m.rootKey.sign(data)
	if err != nil {
		m.recordFailureLocked(from)
		return nil, err
	}
	msg.Signature = sig

	m.resetCircuitLocked(from)
	return msg, nil
}

// ReceiveSecureMessage validates an inbound message's freshness, sender,
// and signature, decrypts its payload if it was encrypted, and flags
// per-message anomalies.
func (m *Manager) ReceiveSecureMessage(msg *AuthenticatedMessage, sessionID string, ttl time.Duration) *ReceiveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	if _, seen := m.nonces.Get(string(msg.Nonce)); seen {
		return &ReceiveResult{Valid: false}
	}
	if time.Since(msg.Timestamp) > ttl {
		return &ReceiveResult{Valid: false}
	}
	identity, ok := m.identities[msg.From]
	if !ok {
		return &ReceiveResult{Valid: false}
	}

	data, err := canonicalBytes(msg)
	if err != nil {
		return &ReceiveResult{Valid: false}
	}
	if !verifySignature(&m.rootKey.priv.PublicKey, data, msg.Signature) && !m.verifyAgainstRetiredLocked(data, msg.Signature) {
		return &ReceiveResult{Valid: false}
	}

	payload := msg.Payload
	if msg.encrypted {
		session, ok := m.sessions[sessionID]
		if !ok {
			return &ReceiveResult{Valid: false}
		}
		decrypted, err := decryptPayload(session.EncryptionKey, msg.Payload)
		if err != nil {
			return &ReceiveResult{Valid: false}
		}
		payload = decrypted
	}

	var anomalies []AnomalyFlag
	if len(msg.Payload) > MaxPayloadBytes {
		anomalies = append(anomalies, Oversized)
	}
	for _, c := range msg.Capabilities {
		if !identity.TrustLevel.Permits(c) {
			anomalies = append(anomalies, ExcessiveCapabilities)
			break
		}
	}

	m.nonces.Add(string(msg.Nonce), msg.Timestamp)

	return &ReceiveResult{
		Valid:      true,
		Payload:    payload,
		Anomalies:  anomalies,
		TrustScore: trustScoreFor(identity.TrustLevel),
	}
}

func trustScoreFor(level TrustLevel) float64 {
	switch level {
	case Trusted:
		return 1.0
	case Verified:
		return 0.8
	case Basic:
		return 0.5
	default:
		return 0.1
	}
}

// recordFailureLocked must be called with m.mu held.
func (m *Manager) recordFailureLocked(agentID string) {
	cs, ok := m.circuits[agentID]
	if !ok {
		cs = &circuitState{}
		m.circuits[agentID] = cs
	}
	cs.failures++
	if cs.failures >= m.cfg.CircuitFailureMax {
		cs.openUntil = time.Now().Add(m.cfg.CircuitRecovery)
	}
}

// resetCircuitLocked must be called with m.mu held.
func (m *Manager) resetCircuitLocked(agentID string) {
	if cs, ok := m.circuits[agentID]; ok {
		cs.failures = 0
		cs.openUntil = time.Time{}
	}
}

// verifyAgainstRetiredLocked checks a signature against every retired root
// key still within its verification window. Caller holds m.mu.
func (m *Manager) verifyAgainstRetiredLocked(data []byte, signature string) bool {
	for _, rk := range m.retiredKeys {
		if verifySignature(rk.pub, data, signature) {
			return true
		}
	}
	return false
}

// ContinuousVerification re-checks every registered agent's certificates
// and behaviour score, stepping down trust when the score drops, and
// revoking on an expired certificate.
func (m *Manager) ContinuousVerification(behaviourScores map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for agentID, identity := range m.identities {
		if !identity.Certificates.Valid(now) {
			m.logger.Warn("certificate expired, revoking agent", zap.String("agent", agentID))
			delete(m.identities, agentID)
			for id, s := range m.sessions {
				if s.AgentID == agentID {
					delete(m.sessions, id)
				}
			}
			continue
		}
		if score, ok := behaviourScores[agentID]; ok && score < 0.5 {
			identity.TrustLevel = identity.TrustLevel.stepDown()
			identity.Capabilities = identity.TrustLevel.Capabilities()
		}
		identity.LastVerified = now
	}
}

// RotateKeys generates a new root signing keypair, retiring the previous
// one for as long as retentionWindow so its signatures remain verifiable.
func (m *Manager) RotateKeys(retentionWindow time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newRoot, err := newSigningKeyPair()
	if err != nil {
		return err
	}

	retired := retiredKey{pub: &m.rootKey.priv.PublicKey, retiredAt: time.Now()}
	m.retiredKeys = append(m.retiredKeys, retired)

	cutoff := time.Now().Add(-retentionWindow)
	kept := m.retiredKeys[:0]
	for _, rk := range m.retiredKeys {
		if rk.retiredAt.After(cutoff) {
			kept = append(kept, rk)
		}
	}
	m.retiredKeys = kept

	m.rootKey = newRoot
	m.logger.Info("root signing key rotated", zap.Int("retained_keys", len(m.retiredKeys)))
	return nil
}

// Sign satisfies bft.Verifier.
func (m *Manager) Sign(data []byte) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rootKey.sign(data)
}

// Verify satisfies bft.Verifier. nodeID is accepted for interface
// compatibility; every agent's message is currently verified against this
// manager's own root public key plus any still-valid retired keys, since
// the consensus engine's nodes are themselves agents of this security
// manager sharing one root of trust.
func (m *Manager) Verify(_ consensus.NodeID, data []byte, signature string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return verifySignature(&m.rootKey.priv.PublicKey, data, signature) || m.verifyAgainstRetiredLocked(data, signature)
}

// Identity returns a copy of an agent's current identity, if registered.
func (m *Manager) Identity(agentID string) (AgentIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[agentID]
	if !ok {
		return AgentIdentity{}, false
	}
	return *identity, true
}

// Identities returns every registered agent's identity, ordered by trust
// level descending (ties broken by agent ID for determinism). Used by the
// replicationFactor push to pick the highest-trust peers first.
func (m *Manager) Identities() []AgentIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentIdentity, 0, len(m.identities))
	for _, identity := range m.identities {
		out = append(out, *identity)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].TrustLevel.rank(), out[j].TrustLevel.rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
