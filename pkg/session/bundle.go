// Package session batches closed windows of stream events into Merkle
// bundles with per-event inclusion proofs, optionally countersigned by
// witnesses, and exports third-party-verifiable bundles.
package session

import (
	"context"
	"fmt"

	"github.com/openvar/varledger/pkg/merkle"
	"github.com/openvar/varledger/pkg/witness"
)

// Bundle is a closed window of events in a stream. Once closed it is
// immutable: the root and leaf hashes never change, and any leaf's proof is
// reproducible from the stored leaves alone.
type Bundle struct {
	BundleID     string              `json:"bundle_id"`
	StreamID     string              `json:"stream_id"`
	SessionIndex uint64              `json:"session_index"`
	FromSeq      uint64              `json:"from_seq"`
	ToSeq        uint64              `json:"to_seq"`
	LeafCount    int                 `json:"leaf_count"`
	SessionRoot  string              `json:"session_root"`
	LeafHashes   []string            `json:"leaf_hashes"`
	CreatedAt    string              `json:"created_at"`
	Witnesses    []witness.Signature `json:"witness_signatures,omitempty"`
}

// Contains reports whether the bundle's window covers seq.
func (b *Bundle) Contains(seq uint64) bool {
	return seq >= b.FromSeq && seq <= b.ToSeq
}

// Proof regenerates the inclusion proof for the event at seq from the stored
// leaves alone.
func (b *Bundle) Proof(seq uint64) ([]merkle.ProofStep, error) {
	if !b.Contains(seq) {
		return nil, &MerkleProofError{
			BundleID: b.BundleID,
			Reason:   fmt.Sprintf("seq %d outside window [%d,%d]", seq, b.FromSeq, b.ToSeq),
		}
	}
	tree, err := merkle.Build(b.LeafHashes)
	if err != nil {
		return nil, &MerkleProofError{BundleID: b.BundleID, Reason: err.Error()}
	}
	if tree.Root() != b.SessionRoot {
		return nil, &MerkleProofError{
			BundleID: b.BundleID,
			Reason:   "stored leaves no longer reproduce the session root",
		}
	}
	proof, err := tree.Proof(int(seq - b.FromSeq))
	if err != nil {
		return nil, &MerkleProofError{BundleID: b.BundleID, Reason: err.Error()}
	}
	return proof, nil
}

// MerkleProofError reports an inclusion proof that cannot be produced or does
// not hold against the stated root. Fatal for the bundle in question.
type MerkleProofError struct {
	BundleID string
	EventID  string
	Reason   string
}

func (e *MerkleProofError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("bundle %s: merkle proof error for event %s: %s", e.BundleID, e.EventID, e.Reason)
	}
	return fmt.Sprintf("bundle %s: merkle proof error: %s", e.BundleID, e.Reason)
}

// SessionConflictError reports two closures racing to the same session index
// on one stream. The window itself is intact; the losing close is retried
// with the next index.
type SessionConflictError struct {
	StreamID     string
	SessionIndex uint64
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("stream %s: session index %d already closed", e.StreamID, e.SessionIndex)
}

// BundleStore persists closed bundles keyed by (stream_id, session_index).
// PutBundle must return a SessionConflictError when that key already exists.
type BundleStore interface {
	PutBundle(ctx context.Context, b *Bundle) error
	GetBundle(ctx context.Context, streamID string, sessionIndex uint64) (*Bundle, error)
	Bundles(ctx context.Context, streamID string) ([]*Bundle, error)
}
