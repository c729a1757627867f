package security

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func peerExchangeKey(t *testing.T) *ecdh.PublicKey {
	t.Helper()
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv.PublicKey()
}

func TestRegisterAgent_StartsAtBasicTrust(t *testing.T) {
	m := newTestManager(t)
	identity, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)
	assert.Equal(t, Basic, identity.TrustLevel)
	assert.Contains(t, identity.Capabilities, "read")
}

func TestEstablishSession_DeniesCapabilityAboveTrustLevel(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	_, err = m.EstablishSession("agent-1", peerExchangeKey(t), []string{"admin"})
	require.Error(t, err, "basic trust does not grant the admin capability")
}

func TestEstablishSession_GrantsPermittedCapability(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	session, err := m.EstablishSession("agent-1", peerExchangeKey(t), []string{"read"})
	require.NoError(t, err)
	assert.Len(t, session.EncryptionKey, 32)
	assert.Len(t, session.MACKey, 32)
	assert.NotEqual(t, session.EncryptionKey, session.MACKey)
}

func TestSendThenReceive_RoundTripsPlaintext(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	msg, err := m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("hello"), "")
	require.NoError(t, err)

	result := m.ReceiveSecureMessage(msg, "", time.Minute)
	assert.True(t, result.Valid)
	assert.Equal(t, []byte("hello"), result.Payload)
}

func TestSendThenReceive_RoundTripsEncryptedPayload(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)
	session, err := m.EstablishSession("agent-1", peerExchangeKey(t), []string{"read"})
	require.NoError(t, err)

	msg, err := m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("secret"), session.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret"), msg.Payload, "payload should be sealed on the wire")

	result := m.ReceiveSecureMessage(msg, session.SessionID, time.Minute)
	assert.True(t, result.Valid)
	assert.Equal(t, []byte("secret"), result.Payload)
}

func TestReceiveSecureMessage_RejectsReplayedNonce(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	msg, err := m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("hello"), "")
	require.NoError(t, err)

	first := m.ReceiveSecureMessage(msg, "", time.Minute)
	require.True(t, first.Valid)

	replay := m.ReceiveSecureMessage(msg, "", time.Minute)
	assert.False(t, replay.Valid, "the same nonce must not validate twice")
}

func TestReceiveSecureMessage_RejectsExpiredTTL(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	msg, err := m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("hello"), "")
	require.NoError(t, err)
	msg.Timestamp = time.Now().Add(-time.Hour)

	result := m.ReceiveSecureMessage(msg, "", time.Second)
	assert.False(t, result.Valid)
}

func TestReceiveSecureMessage_FlagsOversizedPayload(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	big := make([]byte, MaxPayloadBytes+1)
	msg, err := m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, big, "")
	require.NoError(t, err)

	result := m.ReceiveSecureMessage(msg, "", time.Minute)
	require.True(t, result.Valid)
	assert.Contains(t, result.Anomalies, Oversized)
}

func TestSendSecureMessage_RateLimitsAfterBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 1
	cfg.RateLimitBurst = 1
	m, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	_, err = m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("1"), "")
	require.NoError(t, err)

	_, err = m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("2"), "")
	require.Error(t, err, "burst of 1 should exhaust the token bucket immediately")
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 0
	cfg.RateLimitBurst = 0
	cfg.CircuitFailureMax = 2
	m, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("x"), "")
		require.Error(t, err)
	}

	_, err = m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("x"), "")
	se, ok := err.(interface{ Error() string })
	require.True(t, ok)
	assert.Contains(t, se.Error(), "CIRCUIT_OPEN")
}

func TestContinuousVerification_StepsDownTrustOnLowScore(t *testing.T) {
	m := newTestManager(t)
	identity, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)
	identity.TrustLevel = Trusted

	m.ContinuousVerification(map[string]float64{"agent-1": 0.2})

	got, ok := m.Identity("agent-1")
	require.True(t, ok)
	assert.Equal(t, Verified, got.TrustLevel)
}

func TestRotateKeys_OldSignaturesStillVerify(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterAgent("agent-1", "worker", Certificates{})
	require.NoError(t, err)

	msg, err := m.SendSecureMessage("agent-1", []string{"agent-2"}, Request, []byte("hello"), "")
	require.NoError(t, err)

	require.NoError(t, m.RotateKeys(time.Hour))

	result := m.ReceiveSecureMessage(msg, "", time.Minute)
	assert.True(t, result.Valid, "a signature made under the retired key should still verify within the retention window")
}

func TestTrustLevel_PermitsGrantsCumulativeCapabilities(t *testing.T) {
	assert.True(t, Trusted.Permits("read"))
	assert.True(t, Trusted.Permits("admin"))
	assert.False(t, Basic.Permits("admin"))
	assert.False(t, Untrusted.Permits("read"))
}
