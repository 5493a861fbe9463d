// Package merkle builds binary Merkle trees over ordered event hashes and
// produces third-party-verifiable inclusion proofs.
//
// Odd-leaf rule: when a level has odd cardinality, the last node is duplicated.
// A tree of one leaf has root == leaf and an empty proof.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/openvar/varledger/pkg/canonical"
)

// nodePrefix domain-separates interior node hashes from leaf (event) hashes.
const nodePrefix = "var:node:v1\x00"

// ErrEmptyTree is returned when building a tree over zero leaves.
var ErrEmptyTree = errors.New("merkle: tree requires at least one leaf")

// Tree is an immutable Merkle tree over event hash digests.
type Tree struct {
	leafCount int
	levels    [][]string // levels[0] = leaves (padded), last level = [root]
	root      string
}

// Build constructs the tree over the ordered leaf digests.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	for i, leaf := range leaves {
		if _, err := canonical.DigestBytes(leaf); err != nil {
			return nil, fmt.Errorf("merkle: leaf %d: %w", i, err)
		}
	}

	t := &Tree{leafCount: len(leaves)}
	level := append([]string(nil), leaves...)
	for {
		if len(level)%2 != 0 && len(level) > 1 {
			level = append(level, level[len(level)-1])
		}
		t.levels = append(t.levels, level)
		if len(level) == 1 {
			t.root = level[0]
			return t, nil
		}
		next := make([]string, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h, err := nodeHash(level[i], level[i+1])
			if err != nil {
				return nil, err
			}
			next[i/2] = h
		}
		level = next
	}
}

// Root returns the tree's root digest.
func (t *Tree) Root() string { return t.root }

// LeafCount returns the number of original (unpadded) leaves.
func (t *Tree) LeafCount() int { return t.leafCount }

// ProofStep is one sibling hop of an inclusion proof. Side records where the
// sibling sits relative to the running hash: "L" or "R".
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the leaf at index. A single-leaf tree
// yields an empty proof.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.leafCount {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, t.leafCount)
	}

	proof := make([]ProofStep, 0, len(t.levels)-1)
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibIdx := idx ^ 1
		step := ProofStep{SiblingHash: level[sibIdx]}
		if sibIdx < idx {
			step.Side = "L"
		} else {
			step.Side = "R"
		}
		proof = append(proof, step)
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusion checks a leaf digest against a root using only the proof:
// no access to the tree or the event store is required.
func VerifyInclusion(leafHash string, proof []ProofStep, root string) bool {
	current := leafHash
	for _, step := range proof {
		var (
			combined string
			err      error
		)
		switch step.Side {
		case "L":
			combined, err = nodeHash(step.SiblingHash, current)
		case "R":
			combined, err = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
		if err != nil {
			return false
		}
		current = combined
	}
	return current == root
}

func nodeHash(left, right string) (string, error) {
	lb, err := canonical.DigestBytes(left)
	if err != nil {
		return "", fmt.Errorf("merkle: bad left node: %w", err)
	}
	rb, err := canonical.DigestBytes(right)
	if err != nil {
		return "", fmt.Errorf("merkle: bad right node: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(nodePrefix))
	h.Write(lb)
	h.Write(rb)
	return canonical.DigestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
