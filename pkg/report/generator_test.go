package report

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/chain"
	"github.com/wardenhq/warden/pkg/evidence"
)

// fakeCollector returns canned evidence per control id.
type fakeCollector struct {
	byControl map[string][]evidence.CollectedEvidence
	err       error
}

func (f *fakeCollector) Collect(ctx context.Context, q evidence.Query) ([]evidence.CollectedEvidence, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []evidence.CollectedEvidence
	for _, c := range q.Controls {
		out = append(out, f.byControl[c.ID]...)
	}
	return out, nil
}

func (f *fakeCollector) CollectForControl(ctx context.Context, tenantID string, c evidence.ControlRef, p evidence.Period) ([]evidence.CollectedEvidence, error) {
	return f.byControl[c.ID], f.err
}

func (f *fakeCollector) CollectForControls(ctx context.Context, tenantID string, controls []evidence.ControlRef, p evidence.Period) (map[string][]evidence.CollectedEvidence, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]evidence.CollectedEvidence)
	for _, c := range controls {
		out[c.ID] = f.byControl[c.ID]
	}
	return out, nil
}

func verifiedItems(controlID string, n int, verified bool) []evidence.CollectedEvidence {
	items := make([]evidence.CollectedEvidence, n)
	for i := range items {
		items[i] = evidence.CollectedEvidence{
			ID:          fmt.Sprintf("%s-ev-%d", controlID, i),
			Source:      evidence.SourceAuditLog,
			Description: "scm.push by agent-1 (success)",
			Verified:    verified,
			Relevance:   0.9,
			ControlIDs:  []string{controlID},
			OccurredAt:  time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		}
	}
	return items
}

func baseRequest() GenerateRequest {
	return GenerateRequest{
		TenantID:         "t1",
		FrameworkID:      FrameworkSOC2Type2,
		OrganizationName: "Acme Corp",
		Period: Period{
			Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC),
			Type:  PeriodTagPeriod,
		},
		GeneratedBy:     "compliance-bot",
		CollectEvidence: true,
	}
}

func TestGenerate_DerivesControlStatuses(t *testing.T) {
	collector := &fakeCollector{byControl: map[string][]evidence.CollectedEvidence{
		"CC6.1": verifiedItems("CC6.1", 3, true), // all verified → compliant
		"CC7.2": append(verifiedItems("CC7.2", 1, true), verifiedItems("CC7.2", 1, false)...),
		"CC8.1": verifiedItems("CC8.1", 2, false), // none verified → notEvaluated
		// CC6.3, CC7.1, CC7.3 collect nothing → notEvaluated (required)
	}}
	g := NewGenerator(collector)

	rpt, err := g.Generate(context.Background(), baseRequest())
	require.NoError(t, err)

	byID := map[string]Control{}
	for _, c := range rpt.Controls {
		byID[c.ControlID] = c
	}
	assert.Equal(t, StatusCompliant, byID["CC6.1"].Status)
	assert.Equal(t, StatusPartiallyCompliant, byID["CC7.2"].Status)
	assert.Equal(t, StatusNotEvaluated, byID["CC8.1"].Status)
	assert.Equal(t, StatusNotEvaluated, byID["CC6.3"].Status)

	// complianceRate = compliant / (total − notApplicable)
	assert.Equal(t, 6, rpt.Summary.TotalControls)
	assert.InDelta(t, 1.0/6.0, rpt.Summary.ComplianceRate, 1e-9)
	assert.Equal(t, 4, rpt.Summary.VerifiedEvidence)
	assert.Equal(t, 7, rpt.Summary.TotalEvidence)
}

func TestGenerate_ControlFilters(t *testing.T) {
	g := NewGenerator(&fakeCollector{})

	req := baseRequest()
	req.CollectEvidence = false
	req.IncludeControlIDs = []string{"CC6.1", "CC7.2", "CC8.1"}
	req.ExcludeControlIDs = []string{"CC8.1"}

	rpt, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, rpt.Controls, 2)
	assert.Equal(t, "CC6.1", rpt.Controls[0].ControlID)
	assert.Equal(t, "CC7.2", rpt.Controls[1].ControlID)
}

func TestGenerate_EvidenceCap(t *testing.T) {
	collector := &fakeCollector{byControl: map[string][]evidence.CollectedEvidence{
		"CC6.1": verifiedItems("CC6.1", 30, true),
	}}
	g := NewGenerator(collector)

	// 1. Default cap is 20.
	rpt, err := g.Generate(context.Background(), baseRequest())
	require.NoError(t, err)
	for _, c := range rpt.Controls {
		if c.ControlID == "CC6.1" {
			assert.Len(t, c.Evidence, 20)
		}
	}

	// 2. Requests outside [1,100] are clamped.
	req := baseRequest()
	req.MaxEvidencePerControl = 5
	rpt, err = g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, rpt.Controls[0].Evidence, 5)
}

func TestGenerate_CustomFrameworkRequired(t *testing.T) {
	g := NewGenerator(nil)

	req := baseRequest()
	req.FrameworkID = FrameworkCustom
	req.CollectEvidence = false

	_, err := g.Generate(context.Background(), req)
	require.ErrorIs(t, err, ErrCustomFrameworkRequired)

	req.CustomFramework = &Template{
		Framework:     Framework{ID: FrameworkCustom, Name: "Internal Baseline", Version: "1"},
		TitleTemplate: "%s Internal Baseline Report",
		Controls: []TemplateControl{
			{ControlID: "IB-1", Title: "Branch protection", Category: "change_management", Priority: PriorityHigh},
		},
	}
	rpt, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp Internal Baseline Report", rpt.Title)
}

func TestGenerate_ValidatesRequest(t *testing.T) {
	g := NewGenerator(nil)

	req := baseRequest()
	req.OrganizationName = ""
	_, err := g.Generate(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = baseRequest()
	req.Period = Period{}
	_, err = g.Generate(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGenerate_PeriodTypeComputesWindow(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	g := NewGenerator(nil, WithGeneratorClock(func() time.Time { return now }))

	req := baseRequest()
	req.CollectEvidence = false
	req.Period = Period{}
	req.PeriodType = "monthly"

	rpt, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), rpt.Period.Start)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), rpt.Period.End)
	assert.Equal(t, PeriodTagPeriod, rpt.Period.Type)
}

func TestGenerate_SignedReportLifecycle(t *testing.T) {
	signer, err := chain.NewEd25519Signer("report-key-1")
	require.NoError(t, err)
	store := NewMemoryReportStore()
	g := NewGenerator(&fakeCollector{},
		WithSigner(signer, "report-key-1"),
		WithStore(store))

	ctx := context.Background()

	// 1. Generation with a signing key produces a signed, approved report.
	rpt, err := g.Generate(ctx, baseRequest())
	require.NoError(t, err)
	require.True(t, rpt.Signed())
	assert.Equal(t, "ed25519", rpt.Signature.Algorithm)
	assert.Equal(t, "report-key-1", rpt.Signature.KeyID)
	assert.NotEmpty(t, rpt.Signature.ContentHash)

	meta, err := store.GetMetadata(ctx, "t1", rpt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, ReportApproved, meta.Status)
	assert.True(t, meta.Signed)
	assert.Equal(t, "compliance-bot", meta.CreatedBy)

	// 2. The signature verifies over the content hash.
	ok, err := chain.VerifyEd25519(signer.PublicKey(), rpt.Signature.Signature, []byte(rpt.Signature.ContentHash))
	require.NoError(t, err)
	assert.True(t, ok)

	// 3. History starts at one version.
	history, err := store.GetVersionHistory(ctx, "t1", rpt.ReportID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// 4. A new version appends and preserves the original creator.
	updated := *rpt
	updated.Title = "Acme Corp SOC 2 Type II Report (revised)"
	version, err := store.CreateVersion(ctx, "t1", rpt.ReportID, &updated, VersionOptions{
		CreatedBy:         "auditor",
		ChangeDescription: "revised scope",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	history, err = store.GetVersionHistory(ctx, "t1", rpt.ReportID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	meta, err = store.GetMetadata(ctx, "t1", rpt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, "compliance-bot", meta.CreatedBy)
	assert.Equal(t, "auditor", meta.UpdatedBy)
}

func TestGenerate_UnsignedIsDraft(t *testing.T) {
	store := NewMemoryReportStore()
	g := NewGenerator(&fakeCollector{}, WithStore(store))

	rpt, err := g.Generate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, rpt.Signed())

	meta, err := store.GetMetadata(context.Background(), "t1", rpt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, ReportDraft, meta.Status)
}

func TestGenerate_StatusOverride(t *testing.T) {
	store := NewMemoryReportStore()
	g := NewGenerator(&fakeCollector{}, WithStore(store))

	req := baseRequest()
	req.StatusOverride = ReportPendingReview
	rpt, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	meta, err := store.GetMetadata(context.Background(), "t1", rpt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, ReportPendingReview, meta.Status)
}

func TestGenerate_MarkdownRendering(t *testing.T) {
	collector := &fakeCollector{byControl: map[string][]evidence.CollectedEvidence{
		"CC6.1": verifiedItems("CC6.1", 1, true),
		"CC8.1": verifiedItems("CC8.1", 1, false),
	}}
	g := NewGenerator(collector)

	req := baseRequest()
	req.OutputFormat = FormatBoth

	rpt, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, rpt.Markdown)

	assert.Contains(t, rpt.Markdown, "# Acme Corp SOC 2 Type II Report")
	assert.Contains(t, rpt.Markdown, "**Organization:** Acme Corp")
	assert.Contains(t, rpt.Markdown, "**Framework:** SOC 2 Type II (2017)")
	assert.Contains(t, rpt.Markdown, "**Period:** 2026-02-01 to 2026-02-28 (period)")
	assert.Contains(t, rpt.Markdown, "### CC6.1 — Logical access controls")
	assert.Contains(t, rpt.Markdown, "- [verified] scm.push by agent-1 (success)")
	assert.Contains(t, rpt.Markdown, "- [unverified] scm.push by agent-1 (success)")
}

func TestGenerate_CollectorFailurePropagates(t *testing.T) {
	g := NewGenerator(&fakeCollector{err: fmt.Errorf("audit chain verification failed: hash mismatch")})

	_, err := g.Generate(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evidence collection failed")
}
