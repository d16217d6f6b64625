package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyTenantID is returned when the tenant id is empty.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
	// ErrExportChainInvalid is returned when the log fails verification at export time.
	ErrExportChainInvalid = errors.New("audit: chain verification failed, refusing to export")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds downloadable evidence packs from an audit log. The pack is
// a zip holding the matching entries, a manifest with the chain head, and a
// checksum over the archive. Export refuses to run over a log that fails
// chain verification.
type Exporter struct {
	store Store
	clock func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithExporterClock overrides the exporter clock, for deterministic tests.
func WithExporterClock(clock func() time.Time) ExporterOption {
	return func(e *Exporter) { e.clock = clock }
}

// NewExporter wraps a store.
func NewExporter(s Store, opts ...ExporterOption) *Exporter {
	e := &Exporter{store: s, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GeneratePack creates a zip containing the matching audit entries and a
// manifest, returning the archive bytes and their sha256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	// 1. Read and verify the whole chain before filtering. An export must
	// never carry entries whose lineage cannot be proven.
	count, err := e.store.Count(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: count failed: %w", err)
	}
	var all []*Entry
	if count > 0 {
		all, err = e.store.GetRange(ctx, 0, count-1)
		if err != nil {
			return nil, "", fmt.Errorf("audit: range read failed: %w", err)
		}
		if verification := VerifyChain(all); !verification.Valid {
			return nil, "", fmt.Errorf("%w: %s", ErrExportChainInvalid, verification.InvalidReason)
		}
	}

	var entries []*Entry
	var chainHead string
	for _, entry := range all {
		chainHead = entry.Chain.ContentHash
		if entry.Context.TenantID != req.TenantID {
			continue
		}
		if !req.StartTime.IsZero() && entry.Timestamp.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && entry.Timestamp.After(req.EndTime) {
			continue
		}
		entries = append(entries, entry)
	}

	// 2. Serialize entries.
	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}

	// 3. Manifest.
	now := e.clock()
	manifest := map[string]any{
		"tenant_id":    req.TenantID,
		"generated_at": now,
		"entry_count":  len(entries),
		"chain_head":   chainHead,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	// 4. Zip.
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Evidence Pack for Tenant %s\nGenerated at %s\n", req.TenantID, now.UTC().Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	// 5. Checksum over the archive.
	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
