package violation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Detector defaults.
const (
	DefaultFingerprintWindowMs    = 60_000
	DefaultMinViolationIntervalMs = 60_000
	DefaultAggregationWindowMs    = 60_000
	DefaultPatternThreshold       = 3
)

// Config tunes a Detector.
type Config struct {
	// FingerprintKey is the master key fingerprint HMAC keys are derived
	// from, per tenant. Required.
	FingerprintKey []byte

	FingerprintWindowMs    int64
	MinViolationIntervalMs int64
	AggregationWindowMs    int64
	PatternThreshold       int
	AutoEscalateCritical   bool

	// Callbacks run synchronously, outside the detector lock. Nil is fine.
	OnViolationDetected func(*Violation)
	OnPatternDetected   func(*Pattern)
}

// Detector builds violations from governance signals, deduplicates them,
// persists them, and tracks cross-violation patterns.
type Detector struct {
	cfg   Config
	store Store
	log   *slog.Logger
	clock func() time.Time

	keyMu      sync.Mutex
	tenantKeys map[string][]byte

	aggMu   sync.Mutex
	buckets map[string]*aggBucket
}

type aggBucket struct {
	start time.Time
	ids   []string
	max   Severity
	fired bool
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithClock overrides the detector clock, for deterministic tests.
func WithClock(clock func() time.Time) DetectorOption {
	return func(d *Detector) { d.clock = clock }
}

// WithLogger sets the detector's logger.
func WithLogger(log *slog.Logger) DetectorOption {
	return func(d *Detector) { d.log = log }
}

// NewDetector creates a detector over store.
func NewDetector(store Store, cfg Config, opts ...DetectorOption) (*Detector, error) {
	if len(cfg.FingerprintKey) == 0 {
		return nil, fmt.Errorf("detector requires a fingerprint key")
	}
	if cfg.FingerprintWindowMs <= 0 {
		cfg.FingerprintWindowMs = DefaultFingerprintWindowMs
	}
	if cfg.MinViolationIntervalMs <= 0 {
		cfg.MinViolationIntervalMs = DefaultMinViolationIntervalMs
	}
	if cfg.AggregationWindowMs <= 0 {
		cfg.AggregationWindowMs = DefaultAggregationWindowMs
	}
	if cfg.PatternThreshold <= 0 {
		cfg.PatternThreshold = DefaultPatternThreshold
	}

	d := &Detector{
		cfg:        cfg,
		store:      store,
		log:        slog.Default(),
		clock:      time.Now,
		tenantKeys: make(map[string][]byte),
		buckets:    make(map[string]*aggBucket),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// PolicyDenial is the signal emitted when a policy evaluation denies an
// action.
type PolicyDenial struct {
	TenantID     string
	Actor        Actor
	Resource     Resource
	ActionType   string
	RuleID       string
	Reason       string
	RuleSeverity Severity // optional; raises the default when higher
	Details      map[string]any
}

// DetectFromPolicyEvaluation records a denied policy decision.
func (d *Detector) DetectFromPolicyEvaluation(ctx context.Context, denial PolicyDenial) (*DetectResult, error) {
	severity := SeverityHigh
	if denial.RuleSeverity.Rank() > severity.Rank() {
		severity = denial.RuleSeverity
	}
	return d.detect(ctx, &Violation{
		TenantID: denial.TenantID,
		Type:     TypePolicyDenied,
		Severity: severity,
		Source:   "policy-engine",
		Actor:    denial.Actor,
		Resource: denial.Resource,
		Action:   ActionRef{Type: denial.ActionType, RuleID: denial.RuleID},
		Summary:  fmt.Sprintf("policy denied %s: %s", denial.ActionType, denial.Reason),
		Details:  denial.Details,
	}, denial.RuleID)
}

// ApprovalBypass is the signal for an action performed without a required
// approval.
type ApprovalBypass struct {
	TenantID   string
	Actor      Actor
	Resource   Resource
	ActionType string
	RuleID     string
	Details    map[string]any
}

// DetectApprovalBypass records an approval bypass. Always critical.
func (d *Detector) DetectApprovalBypass(ctx context.Context, bypass ApprovalBypass) (*DetectResult, error) {
	return d.detect(ctx, &Violation{
		TenantID: bypass.TenantID,
		Type:     TypeApprovalBypassed,
		Severity: SeverityCritical,
		Source:   "approval-gate",
		Actor:    bypass.Actor,
		Resource: bypass.Resource,
		Action:   ActionRef{Type: bypass.ActionType, RuleID: bypass.RuleID},
		Summary:  fmt.Sprintf("%s performed without required approval", bypass.ActionType),
		Details:  bypass.Details,
	}, bypass.RuleID)
}

// LimitBreach is the signal for a rate or concurrency limit breach.
type LimitBreach struct {
	TenantID   string
	Actor      Actor
	Resource   Resource
	ActionType string
	LimitID    string
	Limit      float64
	Actual     float64
	Details    map[string]any
}

// DetectLimitExceeded records a limit breach. Medium by default, high when
// the observed value reaches twice the limit.
func (d *Detector) DetectLimitExceeded(ctx context.Context, breach LimitBreach) (*DetectResult, error) {
	severity := SeverityMedium
	if breach.Limit > 0 && breach.Actual >= 2*breach.Limit {
		severity = SeverityHigh
	}
	details := breach.Details
	if details == nil {
		details = map[string]any{}
	}
	details["limit"] = breach.Limit
	details["actual"] = breach.Actual
	return d.detect(ctx, &Violation{
		TenantID: breach.TenantID,
		Type:     TypeLimitExceeded,
		Severity: severity,
		Source:   "rate-limiter",
		Actor:    breach.Actor,
		Resource: breach.Resource,
		Action:   ActionRef{Type: breach.ActionType, RuleID: breach.LimitID},
		Summary:  fmt.Sprintf("limit %s exceeded: %.0f/%.0f", breach.LimitID, breach.Actual, breach.Limit),
		Details:  details,
	}, breach.LimitID)
}

// AnomalySignal is the signal from an anomaly detection source.
type AnomalySignal struct {
	TenantID   string
	Actor      Actor
	Resource   Resource
	ActionType string
	SignalID   string
	Confidence float64 // [0,1]
	Score      float64 // [0,100]
	Summary    string
	Details    map[string]any
}

// DetectAnomaly records an anomaly. The high default severity scales with
// confidence·score/100.
func (d *Detector) DetectAnomaly(ctx context.Context, signal AnomalySignal) (*DetectResult, error) {
	return d.detect(ctx, &Violation{
		TenantID: signal.TenantID,
		Type:     TypeAnomalyDetected,
		Severity: anomalySeverity(signal.Confidence, signal.Score),
		Source:   "anomaly-detection",
		Actor:    signal.Actor,
		Resource: signal.Resource,
		Action:   ActionRef{Type: signal.ActionType, RuleID: signal.SignalID},
		Summary:  signal.Summary,
		Details:  signal.Details,
	}, signal.SignalID)
}

// anomalySeverity maps confidence·score/100 onto the severity ladder around
// the high default.
func anomalySeverity(confidence, score float64) Severity {
	scaled := confidence * score / 100
	switch {
	case scaled >= 0.9:
		return SeverityCritical
	case scaled >= 0.5:
		return SeverityHigh
	case scaled >= 0.25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// detect runs the shared pipeline: fingerprint, dedup, persist, callbacks,
// aggregation.
func (d *Detector) detect(ctx context.Context, v *Violation, signalID string) (*DetectResult, error) {
	now := d.clock()
	v.ID = uuid.New().String()
	v.DetectedAt = now
	v.Fingerprint = d.fingerprint(v, signalID, now)
	v.Status = StatusDetected
	if d.cfg.AutoEscalateCritical && v.Severity == SeverityCritical {
		v.Status = StatusEscalated
	}

	existing, err := d.store.FindByFingerprint(ctx, v.TenantID, v.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup failed: %w", err)
	}
	if existing != nil && now.Sub(existing.DetectedAt) <= time.Duration(d.cfg.MinViolationIntervalMs)*time.Millisecond {
		d.log.Debug("violation deduplicated",
			"tenant", v.TenantID, "type", v.Type, "fingerprint", v.Fingerprint)
		return &DetectResult{Deduplicated: true, Violation: existing}, nil
	}

	if err := d.store.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("violation create failed: %w", err)
	}
	d.log.Info("violation detected",
		"tenant", v.TenantID, "type", v.Type, "severity", v.Severity, "actor", v.Actor.ID)

	if d.cfg.OnViolationDetected != nil {
		d.cfg.OnViolationDetected(v)
	}
	if pattern := d.aggregate(v, now); pattern != nil && d.cfg.OnPatternDetected != nil {
		d.cfg.OnPatternDetected(pattern)
	}
	return &DetectResult{Created: true, Violation: v}, nil
}

// fingerprint computes the dedup key. The HMAC key is derived per tenant so
// fingerprints never correlate across tenants.
func (d *Detector) fingerprint(v *Violation, signalID string, now time.Time) string {
	window := now.UnixMilli() / d.cfg.FingerprintWindowMs
	payload := strings.Join([]string{
		v.TenantID,
		string(v.Type),
		v.Actor.ID,
		v.Resource.ID,
		v.Action.Type,
		signalID,
		fmt.Sprintf("%d", window),
	}, "|")

	mac := hmac.New(sha256.New, d.tenantKey(v.TenantID))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// tenantKey derives and caches the per-tenant HMAC key.
func (d *Detector) tenantKey(tenantID string) []byte {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	if key, ok := d.tenantKeys[tenantID]; ok {
		return key
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, d.cfg.FingerprintKey, []byte(tenantID), []byte("violation-fingerprint"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// hkdf only fails past its output limit, unreachable for one 32-byte read.
		panic(err)
	}
	d.tenantKeys[tenantID] = key
	return key
}

// aggregate updates the (tenant, actor, resource, type) bucket and returns a
// Pattern the first time the bucket crosses the threshold in its window.
func (d *Detector) aggregate(v *Violation, now time.Time) *Pattern {
	key := strings.Join([]string{v.TenantID, v.Actor.ID, v.Resource.ID, string(v.Type)}, "|")
	window := time.Duration(d.cfg.AggregationWindowMs) * time.Millisecond

	d.aggMu.Lock()
	defer d.aggMu.Unlock()

	b, ok := d.buckets[key]
	if !ok || now.Sub(b.start) > window {
		b = &aggBucket{start: now, max: v.Severity}
		d.buckets[key] = b
	}
	b.ids = append(b.ids, v.ID)
	if v.Severity.Rank() > b.max.Rank() {
		b.max = v.Severity
	}
	if len(b.ids) < d.cfg.PatternThreshold || b.fired {
		return nil
	}
	b.fired = true
	return &Pattern{
		TenantID:     v.TenantID,
		ActorID:      v.Actor.ID,
		ResourceID:   v.Resource.ID,
		Type:         v.Type,
		Count:        len(b.ids),
		MaxSeverity:  b.max,
		WindowStart:  b.start,
		DetectedAt:   now,
		ViolationIDs: append([]string(nil), b.ids...),
	}
}
