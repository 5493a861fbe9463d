// Package verifier provides offline verification of exported session bundles.
//
// This package is intentionally minimal with ZERO server, store, or network
// dependencies. It is designed to be auditable as a standalone tool that an
// adversarial third party can trust.
//
// Trust model: the verifier trusts only the cryptographic primitives
// (Ed25519, SHA-256, JCS) and the bundle format. Canonical bytes are
// recomputed through an independent JCS implementation, so a writer-side
// canonicalization bug cannot vouch for itself.
package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/openvar/varledger/pkg/crypto"
	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/merkle"
	"github.com/openvar/varledger/pkg/session"
	"github.com/openvar/varledger/pkg/witness"
)

// Finding is one failed check, pinned to the event it concerns.
type Finding struct {
	EventID string `json:"event_id,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Check   string `json:"check"`
	Detail  string `json:"detail"`
}

// Report is the verification outcome, structured for auditor consumption.
// Witness outcomes are reported alongside the mandatory checks but a missing
// or invalid witness never fails the bundle on its own.
type Report struct {
	StreamID        string           `json:"stream_id"`
	FromSeq         uint64           `json:"from_seq"`
	ToSeq           uint64           `json:"to_seq"`
	Events          int              `json:"events"`
	ChainValid      bool             `json:"chain_valid"`
	RootValid       bool             `json:"root_valid"`
	ProofsValid     bool             `json:"proofs_valid"`
	SignaturesValid bool             `json:"signatures_valid"`
	WitnessReports  []witness.Report `json:"witness_reports,omitempty"`
	Findings        []Finding        `json:"findings,omitempty"`
}

// OK reports whether the bundle passed every mandatory check.
func (r *Report) OK() bool {
	return r.ChainValid && r.RootValid && r.ProofsValid && r.SignaturesValid
}

// VerifyBundle runs every offline check against an exported bundle.
func VerifyBundle(b *session.ExportedBundle) (*Report, error) {
	if b == nil || len(b.Events) == 0 {
		return nil, fmt.Errorf("bundle holds no events")
	}

	r := &Report{
		StreamID:        b.StreamID,
		FromSeq:         b.FromSeq,
		ToSeq:           b.ToSeq,
		Events:          len(b.Events),
		ChainValid:      true,
		RootValid:       true,
		ProofsValid:     true,
		SignaturesValid: true,
	}

	verifyEvents(b, r)
	verifyMerkle(b, r)
	r.WitnessReports = witness.VerifySignatures(b.SessionRoot, b.WitnessSignatures, b.PublicKeys)
	return r, nil
}

// VerifyBundleJSON decodes and verifies a serialized bundle, the form a third
// party actually receives.
func VerifyBundleJSON(raw []byte) (*Report, error) {
	var b session.ExportedBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return VerifyBundle(&b)
}

func verifyEvents(b *session.ExportedBundle, r *Report) {
	if uint64(len(b.Events)) != b.ToSeq-b.FromSeq+1 {
		r.ChainValid = false
		r.Findings = append(r.Findings, Finding{
			Check:  "window",
			Detail: fmt.Sprintf("bundle window [%d,%d] holds %d events", b.FromSeq, b.ToSeq, len(b.Events)),
		})
		return
	}

	fail := func(e *ledger.Event, check, detail string) {
		r.Findings = append(r.Findings, Finding{EventID: e.EventID, Seq: e.Seq, Check: check, Detail: detail})
	}

	// The first event of a mid-stream window links to history outside the
	// bundle; its prev_hash is covered by its own signed hash but has no
	// predecessor here to check against. From genesis it must be the
	// sentinel.
	expectedPrev := ""
	if b.FromSeq == 1 {
		expectedPrev = ledger.GenesisHash
	}

	expectedSeq := b.FromSeq
	for _, e := range b.Events {
		if e.Seq != expectedSeq {
			r.ChainValid = false
			fail(e, "chain", fmt.Sprintf("expected seq %d", expectedSeq))
			return
		}
		if expectedPrev != "" && e.PrevHash != expectedPrev {
			r.ChainValid = false
			fail(e, "chain", "prev_hash does not match predecessor hash")
		}

		signingBytes, err := canonicalSigningBytes(e)
		if err != nil {
			r.ChainValid = false
			fail(e, "canonical", err.Error())
			return
		}
		if got := digest(signingBytes); got != e.EventHash {
			r.ChainValid = false
			fail(e, "event_hash", fmt.Sprintf("recomputed %s, stored %s", got, e.EventHash))
		}

		canonicalPayload, err := jcs.Transform(e.Payload)
		if err != nil {
			r.ChainValid = false
			fail(e, "canonical", "payload: "+err.Error())
			return
		}
		if ledger.DeriveEventID(e.StreamID, e.Seq, digest(canonicalPayload)) != e.EventID {
			r.ChainValid = false
			fail(e, "event_id", "event id does not match content derivation")
		}

		if err := crypto.VerifyAll(signingBytes, e.Signatures, b.PublicKeys); err != nil {
			r.SignaturesValid = false
			fail(e, "signature", err.Error())
		}

		expectedPrev = e.EventHash
		expectedSeq++
	}
}

func verifyMerkle(b *session.ExportedBundle, r *Report) {
	leaves := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		leaves = append(leaves, e.EventHash)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		r.RootValid = false
		r.Findings = append(r.Findings, Finding{Check: "merkle", Detail: err.Error()})
		return
	}
	if tree.Root() != b.SessionRoot {
		r.RootValid = false
		r.Findings = append(r.Findings, Finding{
			Check:  "merkle_root",
			Detail: fmt.Sprintf("recomputed %s, bundle claims %s", tree.Root(), b.SessionRoot),
		})
	}
	if b.LeafCount != len(leaves) {
		r.RootValid = false
		r.Findings = append(r.Findings, Finding{
			Check:  "merkle_root",
			Detail: fmt.Sprintf("bundle claims %d leaves, window holds %d", b.LeafCount, len(leaves)),
		})
	}

	for _, e := range b.Events {
		proof, ok := b.InclusionProofs[e.EventID]
		if !ok {
			r.ProofsValid = false
			r.Findings = append(r.Findings, Finding{EventID: e.EventID, Seq: e.Seq, Check: "inclusion", Detail: "no inclusion proof in bundle"})
			continue
		}
		if !merkle.VerifyInclusion(e.EventHash, proof, b.SessionRoot) {
			r.ProofsValid = false
			r.Findings = append(r.Findings, Finding{EventID: e.EventID, Seq: e.Seq, Check: "inclusion", Detail: "inclusion proof does not reproduce session root"})
		}
	}
}

// canonicalSigningBytes rebuilds the signed view of an event and canonicalizes
// it through JCS rather than the writer's own canonicalizer.
func canonicalSigningBytes(e *ledger.Event) ([]byte, error) {
	doc, err := json.Marshal(map[string]interface{}{
		"event_id":   e.EventID,
		"stream_id":  e.StreamID,
		"seq":        e.Seq,
		"event_type": string(e.Type),
		"payload":    e.Payload,
		"prev_hash":  e.PrevHash,
		"timestamp":  e.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	return jcs.Transform(doc)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
