package report

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func sampleReport(id, title string) *ComplianceReport {
	return &ComplianceReport{
		ReportID:         id,
		SchemaVersion:    SchemaVersion,
		Framework:        Framework{ID: FrameworkSOC2Type2, Name: "SOC 2 Type II", Version: "2017"},
		TenantID:         "t1",
		Title:            title,
		OrganizationName: "Acme Corp",
		Period: Period{
			Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC),
			Type:  PeriodTagPeriod,
		},
	}
}

func TestMemoryReportStore_SavePreservesCreatedAtAndCreatedBy(t *testing.T) {
	clock, advance := storeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryReportStore(WithStoreClock(clock))
	ctx := context.Background()

	// 1. First save records creator and creation time.
	require.NoError(t, store.Save(ctx, "t1", sampleReport("r1", "February Report"), SaveOptions{
		SavedBy: "alice",
	}))
	created, err := store.GetMetadata(ctx, "t1", "r1")
	require.NoError(t, err)

	// 2. Re-saving under another author later keeps both originals.
	advance(2 * time.Hour)
	require.NoError(t, store.Save(ctx, "t1", sampleReport("r1", "February Report v2"), SaveOptions{
		SavedBy: "bob",
	}))

	meta, err := store.GetMetadata(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, meta.CreatedAt)
	assert.Equal(t, "alice", meta.CreatedBy)
	assert.Equal(t, "bob", meta.UpdatedBy)
	assert.True(t, meta.UpdatedAt.After(meta.CreatedAt))

	rpt, err := store.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "February Report v2", rpt.Title)
}

func TestMemoryReportStore_Versioning(t *testing.T) {
	store := NewMemoryReportStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "t1", sampleReport("r1", "v1 title"), SaveOptions{
		SavedBy: "alice", Status: ReportApproved,
	}))

	// 1. createVersion appends, inherits status, does not overwrite v1.
	v2 := sampleReport("r1", "v2 title")
	version, err := store.CreateVersion(ctx, "t1", "r1", v2, VersionOptions{
		CreatedBy: "bob", ChangeDescription: "updated evidence",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	history, err := store.GetVersionHistory(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ReportApproved, history[1].Status)
	assert.Equal(t, "updated evidence", history[1].ChangeDescription)

	// 2. Each stored version returns its exact payload.
	first, err := store.GetVersion(ctx, "t1", "r1", 1)
	require.NoError(t, err)
	assert.Equal(t, "v1 title", first.Title)
	second, err := store.GetVersion(ctx, "t1", "r1", 2)
	require.NoError(t, err)
	assert.Equal(t, "v2 title", second.Title)

	// 3. Current points at the newest version.
	current, err := store.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "v2 title", current.Title)

	_, err = store.GetVersion(ctx, "t1", "r1", 3)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

// Saving twice preserves provenance; createVersion grows history by exactly
// one; getVersion returns the exact payload saved as that version.
func TestMemoryReportStore_VersioningProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("history length tracks createVersion count", prop.ForAll(
		func(extraVersions int) bool {
			store := NewMemoryReportStore()
			ctx := context.Background()
			if store.Save(ctx, "t1", sampleReport("r1", "title-0"), SaveOptions{SavedBy: "alice"}) != nil {
				return false
			}
			for i := 1; i <= extraVersions; i++ {
				_, err := store.CreateVersion(ctx, "t1", "r1",
					sampleReport("r1", fmt.Sprintf("title-%d", i)), VersionOptions{CreatedBy: "bob"})
				if err != nil {
					return false
				}
			}
			history, err := store.GetVersionHistory(ctx, "t1", "r1")
			if err != nil || len(history) != extraVersions+1 {
				return false
			}
			meta, err := store.GetMetadata(ctx, "t1", "r1")
			if err != nil || meta.CreatedBy != "alice" {
				return false
			}
			for i := 0; i <= extraVersions; i++ {
				rpt, err := store.GetVersion(ctx, "t1", "r1", i+1)
				if err != nil || rpt.Title != fmt.Sprintf("title-%d", i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestMemoryReportStore_TenantIsolation(t *testing.T) {
	store := NewMemoryReportStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "t1", sampleReport("shared-id", "tenant one"), SaveOptions{}))
	require.NoError(t, store.Save(ctx, "t2", sampleReport("shared-id", "tenant two"), SaveOptions{}))

	one, err := store.Get(ctx, "t1", "shared-id")
	require.NoError(t, err)
	two, err := store.Get(ctx, "t2", "shared-id")
	require.NoError(t, err)
	assert.Equal(t, "tenant one", one.Title)
	assert.Equal(t, "tenant two", two.Title)

	require.NoError(t, store.Delete(ctx, "t1", "shared-id"))
	_, err = store.Get(ctx, "t1", "shared-id")
	assert.ErrorIs(t, err, ErrReportNotFound)
	_, err = store.Get(ctx, "t2", "shared-id")
	assert.NoError(t, err)
}

func TestMemoryReportStore_SaveSignedRejectsUnsigned(t *testing.T) {
	store := NewMemoryReportStore()
	ctx := context.Background()

	err := store.SaveSigned(ctx, "t1", sampleReport("r1", "unsigned"), SaveOptions{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	signed := sampleReport("r1", "signed")
	signed.Signature = &ReportSignature{Algorithm: "ed25519", ContentHash: "abc", Signature: "def"}
	require.NoError(t, store.SaveSigned(ctx, "t1", signed, SaveOptions{SavedBy: "alice"}))

	meta, err := store.GetMetadata(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, ReportApproved, meta.Status)
	assert.True(t, meta.Signed)
}

func TestMemoryReportStore_ListFiltersAndSorts(t *testing.T) {
	clock, advance := storeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryReportStore(WithStoreClock(clock))
	ctx := context.Background()

	reports := []struct {
		id     string
		title  string
		status ReportStatus
		tags   []string
	}{
		{"r1", "Alpha", ReportDraft, []string{"monthly"}},
		{"r2", "Bravo", ReportApproved, []string{"monthly", "soc2"}},
		{"r3", "Charlie", ReportPublished, nil},
	}
	for _, r := range reports {
		rpt := sampleReport(r.id, r.title)
		require.NoError(t, store.Save(ctx, "t1", rpt, SaveOptions{Status: r.status, Tags: r.tags}))
		advance(time.Hour)
	}

	// 1. Status filter.
	metas, err := store.List(ctx, "t1", ListOptions{Statuses: []ReportStatus{ReportApproved, ReportPublished}})
	require.NoError(t, err)
	assert.Len(t, metas, 2)

	// 2. Tag filter requires every tag.
	metas, err = store.List(ctx, "t1", ListOptions{Tags: []string{"monthly", "soc2"}})
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "r2", metas[0].ReportID)

	// 3. Sort by title descending.
	metas, err = store.List(ctx, "t1", ListOptions{SortBy: "title", SortDesc: true})
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, "Charlie", metas[0].Title)

	// 4. Default sort is createdAt ascending; paging applies after sort.
	metas, err = store.List(ctx, "t1", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "r1", metas[0].ReportID)
	metas, err = store.List(ctx, "t1", ListOptions{Offset: 2})
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "r3", metas[0].ReportID)

	// 5. Limits above the maximum are rejected.
	_, err = store.List(ctx, "t1", ListOptions{Limit: MaxListLimit + 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMemoryReportStore_ArchiveOlderThan(t *testing.T) {
	clock, advance := storeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryReportStore(WithStoreClock(clock))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "t1", sampleReport("old", "Old"), SaveOptions{Status: ReportDraft}))
	require.NoError(t, store.Save(ctx, "t1", sampleReport("keep", "Published Old"), SaveOptions{Status: ReportPublished}))
	require.NoError(t, store.Save(ctx, "t1", sampleReport("reversioned", "Reversioned"), SaveOptions{Status: ReportDraft}))
	advance(48 * time.Hour)
	require.NoError(t, store.Save(ctx, "t1", sampleReport("fresh", "Fresh"), SaveOptions{Status: ReportDraft}))

	// Archival compares the current version's createdAt: an old report
	// re-versioned after the cutoff survives it.
	_, err := store.CreateVersion(ctx, "t1", "reversioned", sampleReport("reversioned", "Reversioned v2"), VersionOptions{})
	require.NoError(t, err)

	cutoff := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	archived, err := store.ArchiveOlderThan(ctx, "t1", cutoff, ArchiveOptions{
		ExcludeStatuses: []ReportStatus{ReportPublished},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	meta, err := store.GetMetadata(ctx, "t1", "old")
	require.NoError(t, err)
	assert.Equal(t, ReportArchived, meta.Status)
	meta, err = store.GetMetadata(ctx, "t1", "keep")
	require.NoError(t, err)
	assert.Equal(t, ReportPublished, meta.Status)
	meta, err = store.GetMetadata(ctx, "t1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, ReportDraft, meta.Status)
}

func TestMemoryReportStore_GetManyAndClear(t *testing.T) {
	store := NewMemoryReportStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "t1", sampleReport("r1", "One"), SaveOptions{}))
	require.NoError(t, store.Save(ctx, "t1", sampleReport("r2", "Two"), SaveOptions{}))

	many, err := store.GetMany(ctx, "t1", []string{"r1", "missing", "r2"})
	require.NoError(t, err)
	assert.Len(t, many, 2)

	count, err := store.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.Clear(ctx, "t1"))
	count, err = store.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryReportStore_UpdateStatus(t *testing.T) {
	store := NewMemoryReportStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "t1", sampleReport("r1", "One"), SaveOptions{}))
	require.NoError(t, store.UpdateStatus(ctx, "t1", "r1", ReportPublished, "ops"))

	meta, err := store.GetMetadata(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, ReportPublished, meta.Status)
	assert.Equal(t, "ops", meta.UpdatedBy)

	err = store.UpdateStatus(ctx, "t1", "missing", ReportPublished, "ops")
	assert.ErrorIs(t, err, ErrReportNotFound)
}
