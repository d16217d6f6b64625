package audit

import "github.com/wardenhq/warden/pkg/merkle"

// MerkleLeaves maps entries to Merkle leaves in chain order.
func MerkleLeaves(entries []*Entry) []merkle.Leaf {
	leaves := make([]merkle.Leaf, len(entries))
	for i, e := range entries {
		leaves[i] = merkle.Leaf{EntryID: e.ID, Hash: e.Chain.ContentHash}
	}
	return leaves
}
