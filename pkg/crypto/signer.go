// Package crypto provides the hashing and signature operations VAR events
// depend on: SHA-256 digests over canonical bytes, deterministic Ed25519
// signing, and rotation-aware verification through a KeyRing.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/openvar/varledger/pkg/canonical"
)

// Signature is one signer's signature over the canonical bytes of an event.
// Multiple signers over the same payload produce independent entries.
type Signature struct {
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}

// SignatureError reports a signing or verification failure. It is surfaced to
// the caller, never silently dropped.
type SignatureError struct {
	KeyID  string
	Reason string
}

func (e *SignatureError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("signature error (key %s): %s", e.KeyID, e.Reason)
	}
	return fmt.Sprintf("signature error: %s", e.Reason)
}

// Signer signs canonical bytes under a stable key identity.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKeyHex() string
}

// Ed25519Signer signs with an Ed25519 private key. Ed25519 signatures are
// deterministic: no caller-supplied randomness enters the signing operation.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates a fresh keypair bound to keyID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte Ed25519 seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, &SignatureError{KeyID: keyID, Reason: fmt.Sprintf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
	}, nil
}

// DeriveSigner derives a keyID-bound signer from a master seed via HKDF.
// The same (seed, keyID) pair always yields the same keypair, which gives
// services stable identities without persisting raw private keys.
func DeriveSigner(masterSeed []byte, keyID string) (*Ed25519Signer, error) {
	kdf := hkdf.New(sha256.New, masterSeed, nil, []byte("varledger/signer/"+keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return NewEd25519SignerFromSeed(seed, keyID)
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.priv, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// Sum computes the SHA-256 digest of data in the ledger's digest format.
func Sum(data []byte) string {
	return canonical.HashBytes(data)
}

// Verify checks sigHex over data against a hex-encoded Ed25519 public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, &SignatureError{Reason: fmt.Sprintf("invalid public key hex: %v", err)}
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, &SignatureError{Reason: fmt.Sprintf("invalid public key size %d", len(pubKey))}
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, &SignatureError{Reason: fmt.Sprintf("invalid signature hex: %v", err)}
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// SignAll produces one Signature entry per signer over the same data.
func SignAll(data []byte, signers []Signer) ([]Signature, error) {
	sigs := make([]Signature, 0, len(signers))
	for _, s := range signers {
		sig, err := s.Sign(data)
		if err != nil {
			return nil, &SignatureError{KeyID: s.KeyID(), Reason: err.Error()}
		}
		sigs = append(sigs, Signature{KeyID: s.KeyID(), Signature: sig})
	}
	return sigs, nil
}

// VerifyAll verifies every signature entry independently against the same
// canonical bytes. Partial signature sets are valid intermediate states; only
// the entries present are checked. keys maps key_id to hex public key.
func VerifyAll(data []byte, sigs []Signature, keys map[string]string) error {
	for _, sig := range sigs {
		pub, ok := keys[sig.KeyID]
		if !ok {
			return &SignatureError{KeyID: sig.KeyID, Reason: "public key unavailable"}
		}
		ok, err := Verify(pub, sig.Signature, data)
		if err != nil {
			return err
		}
		if !ok {
			return &SignatureError{KeyID: sig.KeyID, Reason: "signature does not verify"}
		}
	}
	return nil
}
