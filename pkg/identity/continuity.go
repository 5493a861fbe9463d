package identity

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/openvar/varledger/pkg/crypto"
)

// ContinuityViolation reports an identity mismatch with no attestation
// bridging old and new. The action that triggered it must be rejected and the
// agreement flagged for reaffirmation, never silently honored.
type ContinuityViolation struct {
	AgentID        string
	BoundKeyID     string
	PresentedKeyID string
	Reason         string
}

func (e *ContinuityViolation) Error() string {
	return fmt.Sprintf("continuity violation for agent %s (bound key %s, presented key %s): %s",
		e.AgentID, e.BoundKeyID, e.PresentedKeyID, e.Reason)
}

// VersionChange classifies a model version rotation.
type VersionChange string

const (
	VersionUnchanged VersionChange = "unchanged"
	VersionUpgrade   VersionChange = "upgrade"
	VersionDowngrade VersionChange = "downgrade"
	VersionUnordered VersionChange = "unordered" // not comparable as semver
)

// Result is the outcome of a continuity check.
type Result struct {
	Continuous    bool
	Bridged       bool // continuity established via attestation chain
	VersionChange VersionChange
}

// Checker evaluates whether a presented identity may continue acting under an
// agreement's bound identity snapshot.
type Checker struct {
	ring *crypto.KeyRing
}

// NewChecker creates a checker verifying attestations against ring.
func NewChecker(ring *crypto.KeyRing) *Checker {
	return &Checker{ring: ring}
}

// Check compares the identity bound at agreement activation with the identity
// presented in a new action. A changed key_id or model_version is continuous
// only if a verified chain of continuity attestations bridges old to new;
// otherwise the check fails with a ContinuityViolation and the caller must
// raise needs_reaffirmation.
func (c *Checker) Check(bound, presented AgentIdentity, attestations []ContinuityAttestation) (Result, error) {
	if bound.AgentID != presented.AgentID {
		return Result{}, &ContinuityViolation{
			AgentID:        presented.AgentID,
			BoundKeyID:     bound.KeyID,
			PresentedKeyID: presented.KeyID,
			Reason:         fmt.Sprintf("identity belongs to agent %s", bound.AgentID),
		}
	}

	change := classifyVersion(bound.ModelVersion, presented.ModelVersion)

	if bound.SameBinding(presented) {
		return Result{Continuous: true, VersionChange: change}, nil
	}

	if c.bridge(bound, presented, attestations) {
		return Result{Continuous: true, Bridged: true, VersionChange: change}, nil
	}

	return Result{VersionChange: change}, &ContinuityViolation{
		AgentID:        bound.AgentID,
		BoundKeyID:     bound.KeyID,
		PresentedKeyID: presented.KeyID,
		Reason:         "no signed continuity attestation bridges old identity to new",
	}
}

// bridge walks the attestation chain from the bound identity toward the
// presented one. Each hop must be signed by the key it rotates away from; the
// new public key of a verified hop becomes trusted for the next hop.
func (c *Checker) bridge(bound, presented AgentIdentity, attestations []ContinuityAttestation) bool {
	currentKey := bound.KeyID
	currentVersion := bound.ModelVersion
	// Chains are short; bound the walk by the attestation count to rule out
	// cycles in malformed input.
	for hop := 0; hop <= len(attestations); hop++ {
		if currentKey == presented.KeyID && currentVersion == presented.ModelVersion {
			return true
		}
		next, ok := c.verifiedHop(bound.AgentID, currentKey, attestations)
		if !ok {
			return false
		}
		c.ring.Add(next.NewKeyID, next.NewPublicKey)
		currentKey = next.NewKeyID
		if next.NewModelVersion != "" {
			currentVersion = next.NewModelVersion
		}
	}
	return false
}

func (c *Checker) verifiedHop(agentID, fromKeyID string, attestations []ContinuityAttestation) (ContinuityAttestation, bool) {
	for _, att := range attestations {
		if att.AgentID != agentID || att.OldKeyID != fromKeyID {
			continue
		}
		if err := VerifyAttestation(att, c.ring); err != nil {
			continue
		}
		return att, true
	}
	return ContinuityAttestation{}, false
}

func classifyVersion(bound, presented string) VersionChange {
	if bound == presented {
		return VersionUnchanged
	}
	bv, errB := semver.NewVersion(bound)
	pv, errP := semver.NewVersion(presented)
	if errB != nil || errP != nil {
		return VersionUnordered
	}
	switch {
	case pv.GreaterThan(bv):
		return VersionUpgrade
	case pv.LessThan(bv):
		return VersionDowngrade
	default:
		return VersionUnchanged
	}
}
