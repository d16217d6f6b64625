// Package evidence gathers compliance evidence for report controls from the
// audit log, the violation store, and recorded attestations. Audit-sourced
// evidence is only emitted from a verified chain.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/violation"
)

// Source tags where a piece of evidence came from.
type Source string

const (
	SourceAuditLog       Source = "audit_log"
	SourceViolation      Source = "violation"
	SourcePolicyDecision Source = "policy_decision"
	SourceAttestation    Source = "attestation"
)

// Period bounds an evidence collection window.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ControlRef names one compliance control to collect for.
type ControlRef struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Keywords []string `json:"keywords,omitempty"`
}

// CollectedEvidence is one item supporting one or more controls.
type CollectedEvidence struct {
	ID          string         `json:"id"`
	Source      Source         `json:"source"`
	Description string         `json:"description"`
	Reference   string         `json:"reference"` // entry id, violation id, attestation id
	CollectedAt time.Time      `json:"collectedAt"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Verified    bool           `json:"verified"`
	Relevance   float64        `json:"relevance"` // [0,1]
	ControlIDs  []string       `json:"controlIds"`
	Data        map[string]any `json:"data,omitempty"`
}

// Query selects evidence.
type Query struct {
	TenantID string
	Sources  []Source // empty = all
	Controls []ControlRef
	Period   Period
	Limit    int
}

// Collector is the contract the report generator consumes.
type Collector interface {
	Collect(ctx context.Context, query Query) ([]CollectedEvidence, error)
	CollectForControl(ctx context.Context, tenantID string, control ControlRef, period Period) ([]CollectedEvidence, error)
	CollectForControls(ctx context.Context, tenantID string, controls []ControlRef, period Period) (map[string][]CollectedEvidence, error)
}

// queryTemplate maps a control category onto an audit filter shape.
type queryTemplate struct {
	category     string // audit action category
	highRiskOnly bool
	relevance    float64
}

// controlTemplates routes control categories to audit queries. Unlisted
// categories fall back to a broad scan with lower relevance.
var controlTemplates = map[string][]queryTemplate{
	"access_control": {
		{category: "source_control", highRiskOnly: false, relevance: 0.8},
	},
	"change_management": {
		{category: "source_control", relevance: 0.9},
		{category: "deployment", relevance: 0.9},
	},
	"monitoring": {
		{category: "deployment", relevance: 0.7},
	},
	"incident_response": {
		{category: "source_control", highRiskOnly: true, relevance: 0.9},
	},
}

var fallbackTemplate = queryTemplate{relevance: 0.4}

// StoreCollector collects from an audit store and a violation store.
type StoreCollector struct {
	auditStore audit.Store
	violations violation.Store
	log        *slog.Logger
	clock      func() time.Time
}

// Option configures a StoreCollector.
type Option func(*StoreCollector)

// WithClock overrides the collector clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *StoreCollector) { c.clock = clock }
}

// WithLogger sets the collector's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *StoreCollector) { c.log = log }
}

// NewStoreCollector creates a collector. Either store may be nil, which
// disables that source.
func NewStoreCollector(auditStore audit.Store, violations violation.Store, opts ...Option) *StoreCollector {
	c := &StoreCollector{
		auditStore: auditStore,
		violations: violations,
		log:        slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect gathers evidence for every control in the query.
func (c *StoreCollector) Collect(ctx context.Context, query Query) ([]CollectedEvidence, error) {
	var out []CollectedEvidence

	if c.wantsSource(query.Sources, SourceAuditLog) && c.auditStore != nil {
		items, err := c.collectAudit(ctx, query)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	if c.wantsSource(query.Sources, SourceViolation) && c.violations != nil {
		items, err := c.collectViolations(ctx, query)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// CollectForControl gathers evidence for one control.
func (c *StoreCollector) CollectForControl(ctx context.Context, tenantID string, control ControlRef, period Period) ([]CollectedEvidence, error) {
	return c.Collect(ctx, Query{
		TenantID: tenantID,
		Controls: []ControlRef{control},
		Period:   period,
	})
}

// CollectForControls gathers evidence for several controls and maps each
// item to every control it supports.
func (c *StoreCollector) CollectForControls(ctx context.Context, tenantID string, controls []ControlRef, period Period) (map[string][]CollectedEvidence, error) {
	items, err := c.Collect(ctx, Query{
		TenantID: tenantID,
		Controls: controls,
		Period:   period,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]CollectedEvidence, len(controls))
	for _, control := range controls {
		out[control.ID] = nil
	}
	for _, item := range items {
		for _, id := range item.ControlIDs {
			if _, ok := out[id]; ok {
				out[id] = append(out[id], item)
			}
		}
	}
	return out, nil
}

// collectAudit range-reads the chain, verifies it, and emits entries matched
// to controls. A broken chain aborts the collection; unverifiable evidence
// must never reach a report.
func (c *StoreCollector) collectAudit(ctx context.Context, query Query) ([]CollectedEvidence, error) {
	count, err := c.auditStore.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit count failed: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	entries, err := c.auditStore.GetRange(ctx, 0, count-1)
	if err != nil {
		return nil, fmt.Errorf("audit range read failed: %w", err)
	}
	verification := audit.VerifyChain(entries)
	if !verification.Valid {
		return nil, fmt.Errorf("audit chain verification failed: %s", verification.InvalidReason)
	}

	now := c.clock()
	var out []CollectedEvidence
	for _, entry := range entries {
		if query.TenantID != "" && entry.Context.TenantID != query.TenantID {
			continue
		}
		if !inPeriod(entry.Timestamp, query.Period) {
			continue
		}
		controlIDs, relevance := matchControls(entry, query.Controls)
		if len(controlIDs) == 0 {
			continue
		}
		out = append(out, CollectedEvidence{
			ID:          "aud-" + entry.ID,
			Source:      SourceAuditLog,
			Description: describeEntry(entry),
			Reference:   entry.ID,
			CollectedAt: now,
			OccurredAt:  entry.Timestamp,
			Verified:    true,
			Relevance:   relevance,
			ControlIDs:  controlIDs,
			Data: map[string]any{
				"sequence":    entry.Chain.Sequence,
				"contentHash": entry.Chain.ContentHash,
				"category":    entry.Action.Category,
			},
		})
	}
	return out, nil
}

// collectViolations emits resolved-or-open violations as (unverified)
// evidence of enforcement activity.
func (c *StoreCollector) collectViolations(ctx context.Context, query Query) ([]CollectedEvidence, error) {
	found, err := c.violations.Query(ctx, violation.Filter{
		TenantID: query.TenantID,
		Start:    query.Period.Start,
		End:      query.Period.End,
	})
	if err != nil {
		return nil, fmt.Errorf("violation query failed: %w", err)
	}

	now := c.clock()
	var out []CollectedEvidence
	for _, v := range found {
		controlIDs := controlsForCategory(query.Controls, "incident_response")
		if len(controlIDs) == 0 {
			continue
		}
		out = append(out, CollectedEvidence{
			ID:          "vio-" + v.ID,
			Source:      SourceViolation,
			Description: fmt.Sprintf("%s violation by %s: %s", v.Type, v.Actor.ID, v.Summary),
			Reference:   v.ID,
			CollectedAt: now,
			OccurredAt:  v.DetectedAt,
			Verified:    v.Status == violation.StatusResolved,
			Relevance:   0.8,
			ControlIDs:  controlIDs,
			Data: map[string]any{
				"severity": string(v.Severity),
				"status":   string(v.Status),
			},
		})
	}
	return out, nil
}

func (c *StoreCollector) wantsSource(sources []Source, want Source) bool {
	if len(sources) == 0 {
		return true
	}
	for _, s := range sources {
		if s == want {
			return true
		}
	}
	return false
}

// matchControls returns the ids of controls the entry supports and the best
// relevance among the matched templates.
func matchControls(entry *audit.Entry, controls []ControlRef) ([]string, float64) {
	var ids []string
	best := 0.0
	for _, control := range controls {
		templates, ok := controlTemplates[control.Category]
		if !ok {
			templates = []queryTemplate{fallbackTemplate}
		}
		for _, tmpl := range templates {
			if tmpl.category != "" && entry.Action.Category != tmpl.category {
				continue
			}
			if tmpl.highRiskOnly && !entry.HighRisk {
				continue
			}
			if !keywordMatch(entry, control.Keywords) {
				continue
			}
			ids = append(ids, control.ID)
			if tmpl.relevance > best {
				best = tmpl.relevance
			}
			break
		}
	}
	return ids, best
}

// keywordMatch requires every control keyword to appear in the entry's
// action or description. No keywords means no constraint.
func keywordMatch(entry *audit.Entry, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(entry.Action.Type + " " + entry.Action.Description)
	for _, kw := range keywords {
		if !strings.Contains(haystack, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

func controlsForCategory(controls []ControlRef, category string) []string {
	var ids []string
	for _, control := range controls {
		if control.Category == category {
			ids = append(ids, control.ID)
		}
	}
	return ids
}

func inPeriod(at time.Time, p Period) bool {
	if !p.Start.IsZero() && at.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && at.After(p.End) {
		return false
	}
	return true
}

func describeEntry(entry *audit.Entry) string {
	outcome := entry.Outcome.Status
	if outcome == "" {
		outcome = "recorded"
	}
	return fmt.Sprintf("%s by %s (%s)", entry.Action.Type, entry.Actor.ID, outcome)
}
