package merkle

import (
	"fmt"

	"github.com/wardenhq/warden/pkg/canonical"
)

// Side marks which side of the pair a proof sibling sits on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	SiblingHash string `json:"siblingHash"`
	Side        Side   `json:"side"`
}

// InclusionProof proves one entry's membership under a root.
type InclusionProof struct {
	EntryID   string              `json:"entryId"`
	LeafHash  string              `json:"leafHash"`
	Path      []ProofStep         `json:"path"`
	RootHash  string              `json:"rootHash"`
	Algorithm canonical.Algorithm `json:"algorithm"`
}

// Proof returns the inclusion proof for the entry with the given id.
func (t *Tree) Proof(entryID string) (*InclusionProof, error) {
	idx := -1
	for i, l := range t.Leaves {
		if l.EntryID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("merkle: entry %q not in tree", entryID)
	}

	proof := &InclusionProof{
		EntryID:   entryID,
		LeafHash:  t.Leaves[idx].Hash,
		RootHash:  t.Root,
		Algorithm: t.Algorithm,
	}
	if len(t.Leaves) == 1 {
		return proof, nil
	}

	pos := idx
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := pos ^ 1
		step := ProofStep{SiblingHash: level[sibling], Side: SideRight}
		if sibling < pos {
			step.Side = SideLeft
		}
		proof.Path = append(proof.Path, step)
		pos /= 2
	}
	return proof, nil
}

// Verify folds the leaf hash with the proof path and reports whether the
// recomputed root matches proof.RootHash.
func Verify(proof *InclusionProof) bool {
	if proof == nil || !proof.Algorithm.Valid() {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == SideLeft {
			current = combine(step.SiblingHash, current, proof.Algorithm)
		} else {
			current = combine(current, step.SiblingHash, proof.Algorithm)
		}
	}
	return current == proof.RootHash
}
