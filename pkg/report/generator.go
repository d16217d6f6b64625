package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/chain"
	"github.com/wardenhq/warden/pkg/evidence"
)

// Evidence caps per control.
const (
	DefaultMaxEvidencePerControl = 20
	MinEvidencePerControl        = 1
	MaxEvidencePerControl        = 100
)

// Generator assembles, signs and persists compliance reports.
type Generator struct {
	collector evidence.Collector
	store     Store
	signer    chain.Signer
	signKeyID string
	log       *slog.Logger
	clock     func() time.Time
	newID     func() string
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithSigner attaches a signing key; generated reports are signed and
// persisted as approved.
func WithSigner(signer chain.Signer, keyID string) GeneratorOption {
	return func(g *Generator) {
		g.signer = signer
		g.signKeyID = keyID
	}
}

// WithStore attaches the report store generated reports persist through.
func WithStore(store Store) GeneratorOption {
	return func(g *Generator) { g.store = store }
}

// WithLogger sets the generator's logger.
func WithLogger(log *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.log = log }
}

// WithGeneratorClock overrides the clock, for deterministic tests.
func WithGeneratorClock(clock func() time.Time) GeneratorOption {
	return func(g *Generator) { g.clock = clock }
}

// WithIDFunc overrides report id generation.
func WithIDFunc(fn func() string) GeneratorOption {
	return func(g *Generator) { g.newID = fn }
}

// NewGenerator creates a report generator. The collector may be nil when
// requests never set CollectEvidence.
func NewGenerator(collector evidence.Collector, opts ...GeneratorOption) *Generator {
	g := &Generator{
		collector: collector,
		log:       slog.Default(),
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate runs the full pipeline: resolve template, filter controls,
// collect evidence, derive statuses, summarise, render, sign and persist.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*ComplianceReport, error) {
	if err := g.validate(&req); err != nil {
		return nil, err
	}
	tmpl, err := TemplateFor(req.FrameworkID, req.CustomFramework)
	if err != nil {
		return nil, err
	}

	// 1. Control list: include is an intersection, exclude a difference.
	selected := filterControls(tmpl.Controls, req.IncludeControlIDs, req.ExcludeControlIDs)

	// 2. Evidence, capped per control.
	byControl := map[string][]evidence.CollectedEvidence{}
	if req.CollectEvidence && g.collector != nil {
		refs := make([]evidence.ControlRef, len(selected))
		for i, c := range selected {
			refs[i] = evidence.ControlRef{ID: c.ControlID, Category: c.Category, Keywords: c.Keywords}
		}
		byControl, err = g.collector.CollectForControls(ctx, req.TenantID,
			refs, evidence.Period{Start: req.Period.Start, End: req.Period.End})
		if err != nil {
			return nil, fmt.Errorf("evidence collection failed: %w", err)
		}
		limit := evidenceCap(req.MaxEvidencePerControl)
		for id, items := range byControl {
			if len(items) > limit {
				byControl[id] = items[:limit]
			}
		}
	}

	// 3. Evaluate controls and summarise.
	now := g.clock()
	controls := make([]Control, len(selected))
	for i, tc := range selected {
		controls[i] = evaluateControl(tc, byControl[tc.ControlID])
	}
	scope := req.Scope
	if scope == "" {
		scope = tmpl.ScopeTemplate
	}
	rpt := &ComplianceReport{
		ReportID:         g.newID(),
		SchemaVersion:    SchemaVersion,
		Framework:        tmpl.Framework,
		TenantID:         req.TenantID,
		Title:            tmpl.Title(req.OrganizationName),
		Scope:            scope,
		Period:           req.Period,
		Summary:          summarise(controls),
		OrganizationName: req.OrganizationName,
		Controls:         controls,
		SystemsInScope:   req.SystemsInScope,
		Exclusions:       req.Exclusions,
		GeneratedAt:      now,
		GeneratedBy:      req.GeneratedBy,
	}

	// 4. Render.
	format := req.OutputFormat
	if format == "" {
		format = FormatJSON
	}
	if format == FormatMarkdown || format == FormatBoth {
		rpt.Markdown = RenderMarkdown(rpt)
	}

	// 5. Sign: content hash over the canonical report without the
	// signature itself.
	if g.signer != nil {
		if err := g.sign(rpt, now); err != nil {
			return nil, fmt.Errorf("report signing failed: %w", err)
		}
	}

	// 6. Persist. Signed reports enter the store approved, unsigned ones
	// as drafts, unless the caller overrides.
	if g.store != nil {
		status := req.StatusOverride
		if status == "" {
			if rpt.Signed() {
				status = ReportApproved
			} else {
				status = ReportDraft
			}
		}
		if err := g.store.Save(ctx, req.TenantID, rpt, SaveOptions{
			Status:  status,
			SavedBy: req.GeneratedBy,
		}); err != nil {
			return nil, fmt.Errorf("report save failed: %w", err)
		}
	}

	g.log.Info("compliance report generated",
		"report", rpt.ReportID, "framework", rpt.Framework.ID, "tenant", req.TenantID,
		"controls", len(controls), "rate", rpt.Summary.ComplianceRate, "signed", rpt.Signed())
	return rpt, nil
}

func (g *Generator) validate(req *GenerateRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidRequest)
	}
	if req.OrganizationName == "" {
		return fmt.Errorf("%w: organizationName is required", ErrInvalidRequest)
	}
	if req.PeriodType != "" {
		period, err := PeriodFor(req.PeriodType, g.clock())
		if err != nil {
			return err
		}
		req.Period = period
	}
	if req.Period.Start.IsZero() || req.Period.End.IsZero() {
		return fmt.Errorf("%w: period is required", ErrInvalidRequest)
	}
	if req.Period.End.Before(req.Period.Start) {
		return fmt.Errorf("%w: period end precedes start", ErrInvalidRequest)
	}
	if req.Period.Type == "" {
		req.Period.Type = PeriodTagPeriod
	}
	return nil
}

func (g *Generator) sign(rpt *ComplianceReport, now time.Time) error {
	hash, err := canonical.CanonicalHash(rpt, canonical.SHA256)
	if err != nil {
		return err
	}
	sig, err := g.signer.Sign([]byte(hash))
	if err != nil {
		return err
	}
	rpt.Signature = &ReportSignature{
		Algorithm:   g.signer.Algorithm(),
		KeyID:       g.signKeyID,
		ContentHash: hash,
		Signature:   sig,
		SignedAt:    now,
	}
	return nil
}

func evidenceCap(requested int) int {
	switch {
	case requested == 0:
		return DefaultMaxEvidencePerControl
	case requested < MinEvidencePerControl:
		return MinEvidencePerControl
	case requested > MaxEvidencePerControl:
		return MaxEvidencePerControl
	}
	return requested
}

func filterControls(controls []TemplateControl, include, exclude []string) []TemplateControl {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)
	var out []TemplateControl
	for _, c := range controls {
		if len(includeSet) > 0 && !includeSet[c.ControlID] {
			continue
		}
		if excludeSet[c.ControlID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// evaluateControl derives a control's status from its evidence, open
// remediation and compensating attestations.
func evaluateControl(tc TemplateControl, items []evidence.CollectedEvidence) Control {
	control := Control{
		ControlID:   tc.ControlID,
		Title:       tc.Title,
		Description: tc.Description,
		Category:    tc.Category,
		Priority:    tc.Priority,
		Evidence:    items,
		Tags:        tc.Tags,
	}
	control.Status = deriveStatus(tc, control)
	return control
}

func deriveStatus(tc TemplateControl, control Control) ControlStatus {
	for _, r := range control.Remediation {
		if r.Open {
			return StatusNonCompliant
		}
	}
	for _, a := range control.Attestations {
		if a.Compensating {
			return StatusCompensating
		}
	}
	if len(control.Evidence) == 0 {
		if tc.Required {
			return StatusNotEvaluated
		}
		return StatusNotApplicable
	}
	verified := 0
	for _, item := range control.Evidence {
		if item.Verified {
			verified++
		}
	}
	switch verified {
	case len(control.Evidence):
		return StatusCompliant
	case 0:
		return StatusNotEvaluated
	}
	return StatusPartiallyCompliant
}

func summarise(controls []Control) Summary {
	s := Summary{
		TotalControls: len(controls),
		ByStatus:      make(map[ControlStatus]int),
	}
	for _, c := range controls {
		s.ByStatus[c.Status]++
		s.TotalEvidence += len(c.Evidence)
		for _, item := range c.Evidence {
			if item.Verified {
				s.VerifiedEvidence++
			}
		}
		for _, r := range c.Remediation {
			if r.Open {
				s.OpenRemediations++
			}
		}
		if c.Status == StatusNonCompliant && c.Priority == PriorityCritical {
			s.CriticalFindings++
		}
	}
	applicable := s.TotalControls - s.ByStatus[StatusNotApplicable]
	if applicable > 0 {
		s.ComplianceRate = float64(s.ByStatus[StatusCompliant]) / float64(applicable)
	}
	return s
}
