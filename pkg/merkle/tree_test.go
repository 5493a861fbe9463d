package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvar/varledger/pkg/canonical"
)

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = canonical.HashBytes([]byte(fmt.Sprintf("event-%d", i)))
	}
	return out
}

func TestBuildEmptyFails(t *testing.T) {
	_, err := Build(nil)
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestSingleLeafRootEqualsLeaf(t *testing.T) {
	ls := leaves(1)
	tree, err := Build(ls)
	require.NoError(t, err)
	assert.Equal(t, ls[0], tree.Root())

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, VerifyInclusion(ls[0], proof, tree.Root()))
}

func TestOddLeafDuplication(t *testing.T) {
	ls := leaves(3)
	tree, err := Build(ls)
	require.NoError(t, err)

	// With 3 leaves the last is duplicated:
	//   root = H(H(l0,l1), H(l2,l2))
	n1, err := nodeHash(ls[0], ls[1])
	require.NoError(t, err)
	n2, err := nodeHash(ls[2], ls[2])
	require.NoError(t, err)
	root, err := nodeHash(n1, n2)
	require.NoError(t, err)
	assert.Equal(t, root, tree.Root())
}

func TestProofsVerifyForAllLeaves(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 6, 7, 8, 13} {
		ls := leaves(n)
		tree, err := Build(ls)
		require.NoError(t, err)

		for i, leaf := range ls {
			proof, err := tree.Proof(i)
			require.NoError(t, err)
			assert.True(t, VerifyInclusion(leaf, proof, tree.Root()),
				"n=%d leaf=%d", n, i)
		}
	}
}

func TestAlteredLeafOrProofFails(t *testing.T) {
	ls := leaves(5)
	tree, err := Build(ls)
	require.NoError(t, err)

	proof, err := tree.Proof(2)
	require.NoError(t, err)

	// Wrong leaf.
	wrongLeaf := canonical.HashBytes([]byte("tampered"))
	assert.False(t, VerifyInclusion(wrongLeaf, proof, tree.Root()))

	// Altered proof element.
	if len(proof) > 0 {
		bad := append([]ProofStep{}, proof...)
		bad[0].SiblingHash = canonical.HashBytes([]byte("evil sibling"))
		assert.False(t, VerifyInclusion(ls[2], bad, tree.Root()))

		// Flipped side.
		flipped := append([]ProofStep{}, proof...)
		if flipped[0].Side == "L" {
			flipped[0].Side = "R"
		} else {
			flipped[0].Side = "L"
		}
		assert.False(t, VerifyInclusion(ls[2], flipped, tree.Root()))
	}

	// Wrong root.
	assert.False(t, VerifyInclusion(ls[2], proof, canonical.HashBytes([]byte("other root"))))
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree, err := Build(leaves(3))
	require.NoError(t, err)
	_, err = tree.Proof(3)
	assert.Error(t, err)
	_, err = tree.Proof(-1)
	assert.Error(t, err)
}

func TestBuildRejectsMalformedLeaf(t *testing.T) {
	_, err := Build([]string{"not-a-digest"})
	assert.Error(t, err)
}
