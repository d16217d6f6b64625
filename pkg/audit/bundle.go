package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/canonical"
)

// EvidenceBundle is an exportable, self-verifying slice of a log. Auditors
// verify the bundle hash, then the internal chain, without store access.
type EvidenceBundle struct {
	BundleID   string    `json:"bundleId"`
	Version    string    `json:"version"`
	Log        LogKey    `json:"log"`
	CreatedAt  time.Time `json:"createdAt"`
	StartSeq   uint64    `json:"startSequence"`
	EndSeq     uint64    `json:"endSequence"`
	EntryCount int       `json:"entryCount"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chainHead"`
	BundleHash string    `json:"bundleHash"`
}

// ExportBundle packages the [start, end] sequence range of a store.
func ExportBundle(ctx context.Context, store Store, start, end uint64) (*EvidenceBundle, error) {
	entries, err := store.GetRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("export bundle: no entries in range [%d,%d]", start, end)
	}
	meta, err := store.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0",
		Log:        meta.Key,
		CreatedAt:  time.Now().UTC(),
		StartSeq:   entries[0].Chain.Sequence,
		EndSeq:     entries[len(entries)-1].Chain.Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].Chain.ContentHash,
	}

	hash, err := canonical.CanonicalHash(bundle.Entries, meta.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("export bundle: %w", err)
	}
	bundle.BundleHash = hash
	return bundle, nil
}

// VerifyBundle checks bundle integrity: the bundle hash over its entries and
// the internal chain linkage.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle %s is empty", bundle.BundleID)
	}
	algo := bundle.Entries[0].Chain.Algorithm
	computed, err := canonical.CanonicalHash(bundle.Entries, algo)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", bundle.BundleID, err)
	}
	if computed != bundle.BundleHash {
		return fmt.Errorf("bundle %s: bundle hash mismatch", bundle.BundleID)
	}
	if result := VerifyChain(bundle.Entries); !result.Valid {
		return fmt.Errorf("bundle %s: chain invalid at sequence %d: %s",
			bundle.BundleID, *result.FirstInvalidSequence, result.InvalidReason)
	}
	return nil
}
