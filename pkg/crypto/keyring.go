package crypto

import (
	"sync"
)

// KeyRing tracks public keys across rotations. Verification never requires
// the private half: a verifier loads the same key_id -> public key map from
// an exported bundle and reaches the same verdicts.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]string // key_id -> hex public key
}

// NewKeyRing creates an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]string)}
}

// Add registers a public key under keyID. Re-adding the same keyID overwrites,
// which callers should only do with the identical key material.
func (k *KeyRing) Add(keyID, pubKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pubKeyHex
}

// AddSigner registers the public half of a signer.
func (k *KeyRing) AddSigner(s Signer) {
	k.Add(s.KeyID(), s.PublicKeyHex())
}

// PublicKey returns the hex public key bound to keyID.
func (k *KeyRing) PublicKey(keyID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[keyID]
	return pub, ok
}

// VerifyKey verifies a signature made under a specific keyID.
func (k *KeyRing) VerifyKey(keyID string, data []byte, sigHex string) (bool, error) {
	pub, ok := k.PublicKey(keyID)
	if !ok {
		return false, &SignatureError{KeyID: keyID, Reason: "unknown key"}
	}
	return Verify(pub, sigHex, data)
}

// VerifyAll verifies every signature entry against the ring.
func (k *KeyRing) VerifyAll(data []byte, sigs []Signature) error {
	return VerifyAll(data, sigs, k.Snapshot())
}

// Snapshot returns a copy of the key_id -> public key map, suitable for
// embedding in an export bundle.
func (k *KeyRing) Snapshot() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.keys))
	for id, pub := range k.keys {
		out[id] = pub
	}
	return out
}
