package audit

import (
	"context"
	"time"
)

// VerificationResult reports the outcome of a chain walk. Integrity failures
// are never repaired; FirstInvalidSequence points at the earliest bad entry.
type VerificationResult struct {
	Valid                bool      `json:"valid"`
	EntriesVerified      int       `json:"entriesVerified"`
	FirstInvalidSequence *uint64   `json:"firstInvalidEntry,omitempty"`
	InvalidReason        string    `json:"invalidReason,omitempty"`
	VerifiedAt           time.Time `json:"verifiedAt"`
	LastEntryHash        string    `json:"lastEntryHash,omitempty"`
}

// VerifyChain walks entries in order, recomputing each content hash and
// checking the previous-hash linkage. Entries must be a contiguous prefix or
// range of a single log in sequence order.
func VerifyChain(entries []*Entry) *VerificationResult {
	result := &VerificationResult{VerifiedAt: time.Now().UTC()}
	if len(entries) == 0 {
		result.Valid = true
		return result
	}

	var prevHash *string
	expectedSeq := entries[0].Chain.Sequence
	if expectedSeq > 0 {
		// Verifying a suffix: trust the first entry's linkage backwards.
		prevHash = entries[0].Chain.PreviousHash
	}

	for _, e := range entries {
		seq := e.Chain.Sequence
		if seq != expectedSeq {
			return invalid(result, seq, "sequence gap")
		}
		if seq == 0 {
			if e.Chain.PreviousHash != nil {
				return invalid(result, seq, "genesis entry has non-null prevHash")
			}
		} else {
			if e.Chain.PreviousHash == nil {
				return invalid(result, seq, "missing prevHash")
			}
			if prevHash != nil && *e.Chain.PreviousHash != *prevHash {
				return invalid(result, seq, "prevHash does not match prior entry contentHash")
			}
		}

		computed, err := ComputeContentHash(e)
		if err != nil {
			return invalid(result, seq, "content hash recomputation failed: "+err.Error())
		}
		if computed != e.Chain.ContentHash {
			return invalid(result, seq, "contentHash mismatch")
		}

		h := e.Chain.ContentHash
		prevHash = &h
		result.EntriesVerified++
		result.LastEntryHash = h
		expectedSeq = seq + 1
	}

	result.Valid = true
	return result
}

func invalid(r *VerificationResult, seq uint64, reason string) *VerificationResult {
	r.Valid = false
	r.FirstInvalidSequence = &seq
	r.InvalidReason = reason
	return r
}

// VerifyStore reads the full log from a store and verifies the chain.
func VerifyStore(ctx context.Context, store Store) (*VerificationResult, error) {
	count, err := store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return &VerificationResult{Valid: true, VerifiedAt: time.Now().UTC()}, nil
	}
	entries, err := store.GetRange(ctx, 0, count-1)
	if err != nil {
		return nil, err
	}
	return VerifyChain(entries), nil
}
