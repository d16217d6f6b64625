// Package merkle builds Merkle trees over batches of audit entry content
// hashes and produces inclusion proofs.
package merkle

import (
	"encoding/hex"
	"fmt"

	"github.com/wardenhq/warden/pkg/canonical"
)

// Leaf is one tree input: an entry id and its content hash.
type Leaf struct {
	EntryID string `json:"entryId"`
	Hash    string `json:"hash"`
}

// Tree is a Merkle tree over an ordered batch of leaves. Levels[0] holds the
// (padded) leaf hashes; the last level holds the root alone.
type Tree struct {
	Algorithm canonical.Algorithm `json:"algorithm"`
	Leaves    []Leaf              `json:"leaves"`
	Levels    [][]string          `json:"levels"`
	Root      string              `json:"root"`
}

// Build constructs a tree over the ordered leaves.
//
// Empty input yields the empty root "". A single leaf is its own root.
// Otherwise the leaf level is right-padded with hash("") to the next power of
// two and pairs are combined upward: parent = hash(left || right) over the
// decoded digest bytes.
func Build(leaves []Leaf, algo canonical.Algorithm) (*Tree, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("merkle: unsupported algorithm %q", algo)
	}

	tree := &Tree{Algorithm: algo, Leaves: leaves}
	if len(leaves) == 0 {
		tree.Root = ""
		return tree, nil
	}
	if len(leaves) == 1 {
		tree.Root = leaves[0].Hash
		tree.Levels = [][]string{{leaves[0].Hash}}
		return tree, nil
	}

	level := make([]string, len(leaves))
	for i, l := range leaves {
		if !canonical.VerifyDigest(l.Hash, algo) {
			return nil, fmt.Errorf("merkle: leaf %d (%s) is not a valid %s digest", i, l.EntryID, algo)
		}
		level[i] = l.Hash
	}

	pad := canonical.MustHash(nil, algo)
	for len(level)&(len(level)-1) != 0 {
		level = append(level, pad)
	}

	tree.Levels = append(tree.Levels, level)
	for len(level) > 1 {
		next := make([]string, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = combine(level[i], level[i+1], algo)
		}
		tree.Levels = append(tree.Levels, next)
		level = next
	}
	tree.Root = level[0]
	return tree, nil
}

// combine hashes the concatenated digest bytes of left and right.
func combine(left, right string, algo canonical.Algorithm) string {
	lb, _ := hex.DecodeString(left)
	rb, _ := hex.DecodeString(right)
	return canonical.MustHash(append(lb, rb...), algo)
}

// Depth returns the number of levels, ceil(log2(n))+1 for n>1 leaves.
func (t *Tree) Depth() int {
	return len(t.Levels)
}
