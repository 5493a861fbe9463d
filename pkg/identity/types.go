// Package identity models agent identities, signing-key rotation, and the
// continuity rules that decide whether a new key or model version may continue
// an existing agreement.
package identity

import (
	"fmt"

	"github.com/openvar/varledger/pkg/canonical"
	"github.com/openvar/varledger/pkg/crypto"
)

// AgentIdentity binds an agent to its current signing key. ModelID and
// ModelVersion are optional and only set for non-human agents. Identities are
// immutable once created; rotation creates a new KeyID linked to the prior one
// via a signed ContinuityAttestation.
type AgentIdentity struct {
	AgentID      string `json:"agent_id"`
	KeyID        string `json:"key_id"`
	PublicKey    string `json:"public_key"`
	ModelID      string `json:"model_id,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

// SameBinding reports whether other presents the same signing key and model
// version as the snapshot bound at agreement activation.
func (a AgentIdentity) SameBinding(other AgentIdentity) bool {
	return a.KeyID == other.KeyID && a.ModelVersion == other.ModelVersion
}

// ContinuityAttestation is a signed statement bridging an agent's old and new
// cryptographic identity across a key or model rotation. The old key signs the
// canonical bytes of the attestation body, so a verifier who trusted the old
// identity can extend that trust to the new one.
type ContinuityAttestation struct {
	AgentID         string           `json:"agent_id"`
	OldKeyID        string           `json:"old_key_id"`
	NewKeyID        string           `json:"new_key_id"`
	NewPublicKey    string           `json:"new_public_key"`
	OldModelVersion string           `json:"old_model_version,omitempty"`
	NewModelVersion string           `json:"new_model_version,omitempty"`
	Signature       crypto.Signature `json:"signature"`
}

// signingBody is the attestation with its signature stripped; the old key
// signs the canonical bytes of this view.
func (c ContinuityAttestation) signingBody() map[string]interface{} {
	body := map[string]interface{}{
		"agent_id":       c.AgentID,
		"old_key_id":     c.OldKeyID,
		"new_key_id":     c.NewKeyID,
		"new_public_key": c.NewPublicKey,
	}
	if c.OldModelVersion != "" {
		body["old_model_version"] = c.OldModelVersion
	}
	if c.NewModelVersion != "" {
		body["new_model_version"] = c.NewModelVersion
	}
	return body
}

// SignAttestation fills in the attestation's signature using the old key.
func SignAttestation(att *ContinuityAttestation, oldKey crypto.Signer) error {
	if oldKey.KeyID() != att.OldKeyID {
		return &crypto.SignatureError{
			KeyID:  oldKey.KeyID(),
			Reason: fmt.Sprintf("attestation names old key %s", att.OldKeyID),
		}
	}
	data, err := canonical.Marshal(att.signingBody())
	if err != nil {
		return err
	}
	sig, err := oldKey.Sign(data)
	if err != nil {
		return err
	}
	att.Signature = crypto.Signature{KeyID: oldKey.KeyID(), Signature: sig}
	return nil
}

// VerifyAttestation checks that the attestation is signed by the old key it
// names. ring must hold the old key's public half.
func VerifyAttestation(att ContinuityAttestation, ring *crypto.KeyRing) error {
	if att.Signature.KeyID != att.OldKeyID {
		return &crypto.SignatureError{
			KeyID:  att.Signature.KeyID,
			Reason: fmt.Sprintf("attestation must be signed by old key %s", att.OldKeyID),
		}
	}
	data, err := canonical.Marshal(att.signingBody())
	if err != nil {
		return err
	}
	ok, err := ring.VerifyKey(att.OldKeyID, data, att.Signature.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return &crypto.SignatureError{KeyID: att.OldKeyID, Reason: "attestation signature does not verify"}
	}
	return nil
}
