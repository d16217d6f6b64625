package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
)

func readZipFile(t *testing.T, r *zip.Reader, name string) []byte {
	t.Helper()
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}
	t.Fatalf("file %s not in archive", name)
	return nil
}

func TestExporter_GeneratePack(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, entries := seededStore(t, "t1", base, 4)
	exporter := audit.NewExporter(store,
		audit.WithExporterClock(func() time.Time { return base.Add(2 * time.Hour) }))

	pack, checksum, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{
		TenantID:  "t1",
		StartTime: base.Add(time.Minute),
		EndTime:   base.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	// 1. Checksum covers the archive bytes.
	sum := sha256.Sum256(pack)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	// 2. The archive carries entries, manifest and readme.
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)

	var exported []*audit.Entry
	require.NoError(t, json.Unmarshal(readZipFile(t, zr, "entries.json"), &exported))
	require.Len(t, exported, 2)
	assert.Equal(t, entries[1].ID, exported[0].ID)
	assert.Equal(t, entries[2].ID, exported[1].ID)

	var manifest map[string]any
	require.NoError(t, json.Unmarshal(readZipFile(t, zr, "manifest.json"), &manifest))
	assert.Equal(t, "t1", manifest["tenant_id"])
	assert.Equal(t, float64(2), manifest["entry_count"])
	assert.Equal(t, entries[3].Chain.ContentHash, manifest["chain_head"])

	readme := string(readZipFile(t, zr, "README.txt"))
	assert.Contains(t, readme, "Tenant t1")
	assert.Contains(t, readme, "2026-01-15T11:00:00Z")
}

func TestExporter_ValidatesRequest(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, _ := seededStore(t, "t1", base, 1)
	exporter := audit.NewExporter(store)

	_, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrEmptyTenantID)

	_, _, err = exporter.GeneratePack(context.Background(), audit.ExportRequest{
		TenantID:  "t1",
		StartTime: base.Add(time.Hour),
		EndTime:   base,
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)

	_, _, err = audit.NewExporter(nil).GeneratePack(context.Background(),
		audit.ExportRequest{TenantID: "t1"})
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

// tamperedRangeStore corrupts one entry on the way out of GetRange.
type tamperedRangeStore struct {
	audit.Store
	seq uint64
}

func (s *tamperedRangeStore) GetRange(ctx context.Context, start, end uint64) ([]*audit.Entry, error) {
	entries, err := s.Store.GetRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]*audit.Entry, len(entries))
	for i, e := range entries {
		if e.Chain.Sequence == s.seq {
			bad := *e
			bad.Outcome.Reason = "rewritten after the fact"
			out[i] = &bad
			continue
		}
		out[i] = e
	}
	return out, nil
}

func TestExporter_RefusesTamperedChain(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, _ := seededStore(t, "t1", base, 3)
	exporter := audit.NewExporter(&tamperedRangeStore{Store: store, seq: 1})

	_, _, err := exporter.GeneratePack(context.Background(),
		audit.ExportRequest{TenantID: "t1"})
	assert.ErrorIs(t, err, audit.ErrExportChainInvalid)
}

func TestExporter_OtherTenantEntriesExcluded(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, _ := seededStore(t, "t1", base, 3)
	exporter := audit.NewExporter(store)

	pack, _, err := exporter.GeneratePack(context.Background(),
		audit.ExportRequest{TenantID: "t2"})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	assert.Equal(t, "null", string(bytes.TrimSpace(readZipFile(t, zr, "entries.json"))))
}
