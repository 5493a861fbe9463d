package session

import (
	"context"

	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/merkle"
	"github.com/openvar/varledger/pkg/witness"
)

// ExportedBundle is the third-party verification boundary: everything a
// verifier needs to reproduce canonical bytes, hash equality, chain linkage,
// Merkle inclusion, and signature validity entirely offline, with no trust in
// the writer.
type ExportedBundle struct {
	StreamID          string                        `json:"stream_id"`
	FromSeq           uint64                        `json:"from_seq"`
	ToSeq             uint64                        `json:"to_seq"`
	Events            []*ledger.Event               `json:"events"`
	SessionRoot       string                        `json:"session_root"`
	LeafCount         int                           `json:"leaf_count"`
	InclusionProofs   map[string][]merkle.ProofStep `json:"inclusion_proofs"` // event_id -> proof
	WitnessSignatures []witness.Signature           `json:"witness_signatures,omitempty"`
	PublicKeys        map[string]string             `json:"public_keys"` // key_id -> hex public key
}

// Export assembles the verification bundle for a closed session window.
func (b *Bundler) Export(ctx context.Context, streamID string, fromSeq, toSeq uint64) (*ExportedBundle, error) {
	bundle, err := b.bundleForSeq(ctx, streamID, fromSeq)
	if err != nil {
		return nil, err
	}
	if bundle.FromSeq != fromSeq || bundle.ToSeq != toSeq {
		return nil, &MerkleProofError{
			BundleID: bundle.BundleID,
			Reason:   "requested window does not match a closed session boundary",
		}
	}

	events, err := b.log.Range(ctx, streamID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}

	proofs := make(map[string][]merkle.ProofStep, len(events))
	for _, e := range events {
		proof, err := bundle.Proof(e.Seq)
		if err != nil {
			return nil, err
		}
		proofs[e.EventID] = proof
	}

	return &ExportedBundle{
		StreamID:          streamID,
		FromSeq:           fromSeq,
		ToSeq:             toSeq,
		Events:            events,
		SessionRoot:       bundle.SessionRoot,
		LeafCount:         bundle.LeafCount,
		InclusionProofs:   proofs,
		WitnessSignatures: bundle.Witnesses,
		PublicKeys:        b.log.KeyRing().Snapshot(),
	}, nil
}
