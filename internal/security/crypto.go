package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"golang.org/x/crypto/hkdf"

	cerrors "github.com/ruvnet/swarmbft/internal/errors"
)

// signingKeyPair is an agent's ECDSA P-384 identity key, used to sign and
// verify AuthenticatedMessage envelopes.
type signingKeyPair struct {
	priv *ecdsa.PrivateKey
}

func newSigningKeyPair() (*signingKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, cerrors.Fatal("failed to generate signing key").WithCause(err)
	}
	return &signingKeyPair{priv: priv}, nil
}

// exchangeKeyPair is an agent's ECDH P-384 key exchange key, used once per
// session to derive a shared secret with the session's peer.
type exchangeKeyPair struct {
	priv *ecdh.PrivateKey
}

func newExchangeKeyPair() (*exchangeKeyPair, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, cerrors.Fatal("failed to generate exchange key").WithCause(err)
	}
	return &exchangeKeyPair{priv: priv}, nil
}

// deriveSharedKeys runs ECDH between our exchange key and the peer's
// public exchange key, then splits the shared secret into an encryption
// key and a MAC key via HKDF-SHA256 with the given per-session salt.
func deriveSharedKeys(ours *exchangeKeyPair, peerPublic *ecdh.PublicKey, salt []byte) (encKey, macKey []byte, err error) {
	shared, err := ours.priv.ECDH(peerPublic)
	if err != nil {
		return nil, nil, cerrors.Fatal("ECDH key agreement failed").WithCause(err)
	}

	reader := hkdf.New(sha256.New, shared, salt, []byte("swarmbft-session-keys"))
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err := io.ReadFull(reader, encKey); err != nil {
		return nil, nil, cerrors.Fatal("HKDF encryption key derivation failed").WithCause(err)
	}
	if _, err := io.ReadFull(reader, macKey); err != nil {
		return nil, nil, cerrors.Fatal("HKDF MAC key derivation failed").WithCause(err)
	}
	return encKey, macKey, nil
}

// encryptPayload seals plaintext under AES-256-GCM using key, prepending
// the random nonce to the ciphertext.
func encryptPayload(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cerrors.Fatal("AES cipher init failed").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cerrors.Fatal("GCM init failed").WithCause(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, cerrors.Fatal("failed to generate GCM nonce").WithCause(err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptPayload reverses encryptPayload.
func decryptPayload(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cerrors.Fatal("AES cipher init failed").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cerrors.Fatal("GCM init failed").WithCause(err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, cerrors.Validation("ciphertext shorter than GCM nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, cerrors.Validation("AES-GCM authentication failed").WithCause(err)
	}
	return plaintext, nil
}

// signingFields is the stable, field-order canonicalisation of an
// AuthenticatedMessage that signatures are computed over. Verifiers must
// reproduce this exact serialisation.
type signingFields struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        []string    `json:"to"`
	Kind      MessageKind `json:"kind"`
	Payload   []byte      `json:"payload"`
	Timestamp int64       `json:"timestamp"`
	Nonce     []byte      `json:"nonce"`
}

func canonicalBytes(msg *AuthenticatedMessage) ([]byte, error) {
	fields := signingFields{
		ID:        msg.ID,
		From:      msg.From,
		To:        msg.To,
		Kind:      msg.Kind,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp.UnixNano(),
		Nonce:     msg.Nonce,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, cerrors.Fatal("failed to canonicalise message for signing").WithCause(err)
	}
	return data, nil
}

// sign produces a hex-encoded ASN.1 DER ECDSA signature over the SHA-256
// digest of data.
func (k *signingKeyPair) sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, k.priv, digest[:])
	if err != nil {
		return "", cerrors.Fatal("ECDSA signing failed").WithCause(err)
	}
	return hex.EncodeToString(sig), nil
}

// verifySignature checks a hex-encoded ASN.1 DER ECDSA signature against
// data's SHA-256 digest under pub.
func verifySignature(pub *ecdsa.PublicKey, data []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

func marshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)
}

func digestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
