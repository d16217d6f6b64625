package merkle_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/merkle"
)

func TestProof_EveryLeafVerifies(t *testing.T) {
	leaves := testLeaves(5)
	tree, err := merkle.Build(leaves, canonical.SHA256)
	require.NoError(t, err)

	for _, leaf := range leaves {
		proof, err := tree.Proof(leaf.EntryID)
		require.NoError(t, err)
		assert.Equal(t, leaf.Hash, proof.LeafHash)
		assert.Equal(t, tree.Root, proof.RootHash)
		// Path length is the number of levels below the root.
		assert.Len(t, proof.Path, 3)
		assert.True(t, merkle.Verify(proof), "leaf %s failed verification", leaf.EntryID)
	}
}

func TestProof_SingleLeaf(t *testing.T) {
	leaves := testLeaves(1)
	tree, err := merkle.Build(leaves, canonical.SHA256)
	require.NoError(t, err)

	proof, err := tree.Proof("entry-0")
	require.NoError(t, err)
	assert.Empty(t, proof.Path)
	assert.True(t, merkle.Verify(proof))
}

func TestProof_UnknownEntry(t *testing.T) {
	tree, err := merkle.Build(testLeaves(4), canonical.SHA256)
	require.NoError(t, err)

	_, err = tree.Proof("entry-99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in tree")
}

func TestVerify_RejectsTamper(t *testing.T) {
	tree, err := merkle.Build(testLeaves(8), canonical.SHA256)
	require.NoError(t, err)

	proof, err := tree.Proof("entry-3")
	require.NoError(t, err)
	require.True(t, merkle.Verify(proof))

	// A substituted leaf no longer folds to the root.
	forged := *proof
	forged.LeafHash = canonical.MustHash([]byte("forged"), canonical.SHA256)
	assert.False(t, merkle.Verify(&forged))

	// Neither does a proof against the wrong root.
	wrongRoot := *proof
	wrongRoot.RootHash = canonical.MustHash([]byte("other root"), canonical.SHA256)
	assert.False(t, merkle.Verify(&wrongRoot))

	// A flipped path side changes the fold order.
	flipped := *proof
	flipped.Path = append([]merkle.ProofStep(nil), proof.Path...)
	if flipped.Path[0].Side == merkle.SideLeft {
		flipped.Path[0].Side = merkle.SideRight
	} else {
		flipped.Path[0].Side = merkle.SideLeft
	}
	assert.False(t, merkle.Verify(&flipped))
}

func TestVerify_NilAndInvalid(t *testing.T) {
	assert.False(t, merkle.Verify(nil))
	assert.False(t, merkle.Verify(&merkle.InclusionProof{Algorithm: "md5"}))
}

func TestProof_LargeBatch(t *testing.T) {
	leaves := testLeaves(100)
	tree, err := merkle.Build(leaves, canonical.SHA256)
	require.NoError(t, err)

	// 100 leaves pad to 128.
	require.Len(t, tree.Levels[0], 128)

	for _, id := range []string{"entry-0", "entry-63", "entry-99"} {
		proof, err := tree.Proof(id)
		require.NoError(t, err)
		assert.Len(t, proof.Path, 7, fmt.Sprintf("path depth for %s", id))
		assert.True(t, merkle.Verify(proof))
	}
}
