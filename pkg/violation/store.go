package violation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SortBy selects the query sort key.
type SortBy string

const (
	SortByTime     SortBy = "time"
	SortBySeverity SortBy = "severity"
)

// Filter narrows a violation query. Zero values mean "any".
type Filter struct {
	TenantID   string
	Types      []Type
	Severities []Severity
	Statuses   []Status
	ActorID    string
	ResourceID string
	Start      time.Time
	End        time.Time
	SortBy     SortBy
	Descending bool
	Limit      int
	Offset     int
}

func (f Filter) matches(v *Violation) bool {
	if f.TenantID != "" && v.TenantID != f.TenantID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, v.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, v.Severity) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, v.Status) {
		return false
	}
	if f.ActorID != "" && v.Actor.ID != f.ActorID {
		return false
	}
	if f.ResourceID != "" && v.Resource.ID != f.ResourceID {
		return false
	}
	if !f.Start.IsZero() && v.DetectedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && v.DetectedAt.After(f.End) {
		return false
	}
	return true
}

// GroupBy selects the aggregation dimension.
type GroupBy string

const (
	GroupByType     GroupBy = "type"
	GroupByActor    GroupBy = "actor"
	GroupByResource GroupBy = "resource"
	GroupBySeverity GroupBy = "severity"
)

// AggregateOptions shape an aggregation query.
type AggregateOptions struct {
	GroupBy  GroupBy
	Start    time.Time
	End      time.Time
	MinCount int
}

// AggregateBucket is one group in an aggregation result.
type AggregateBucket struct {
	Key          string    `json:"key"`
	Count        int       `json:"count"`
	MaxSeverity  Severity  `json:"maxSeverity"`
	LastDetected time.Time `json:"lastDetected"`
	ViolationIDs []string  `json:"violationIds"`
}

// RecentOptions shape a getRecent lookup.
type RecentOptions struct {
	Type     Type
	ActorID  string
	WindowMs int64
}

// UpdateOptions annotate a status change.
type UpdateOptions struct {
	UpdatedBy       string
	ResolutionNotes string
}

// Store persists violations.
type Store interface {
	Create(ctx context.Context, v *Violation) error
	Get(ctx context.Context, id string) (*Violation, error)
	UpdateStatus(ctx context.Context, id string, status Status, opts UpdateOptions) (*Violation, error)
	Query(ctx context.Context, filter Filter) ([]*Violation, error)
	Aggregate(ctx context.Context, tenantID string, opts AggregateOptions) ([]AggregateBucket, error)
	GetRecent(ctx context.Context, tenantID string, opts RecentOptions) ([]*Violation, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Clear(ctx context.Context, tenantID string) error

	// FindByFingerprint returns the newest non-dismissed violation carrying
	// the fingerprint, or nil. The detector uses it for dedup.
	FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*Violation, error)
}

// MemoryStore is the in-memory Store used by the detector and in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	violations []*Violation
	byID       map[string]*Violation
	clock      func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithStoreClock overrides the store clock, for deterministic tests.
func WithStoreClock(clock func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		byID:  make(map[string]*Violation),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new violation.
func (s *MemoryStore) Create(_ context.Context, v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[v.ID]; exists {
		return fmt.Errorf("violation %s already exists", v.ID)
	}
	stored := *v
	if stored.Metadata.CreatedAt.IsZero() {
		stored.Metadata.CreatedAt = s.clock()
	}
	stored.Metadata.UpdatedAt = stored.Metadata.CreatedAt
	s.violations = append(s.violations, &stored)
	s.byID[stored.ID] = &stored
	return nil
}

// Get returns a copy of the violation by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViolationNotFound, id)
	}
	out := *v
	return &out, nil
}

// UpdateStatus applies a monotonic status change and returns the updated
// violation.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, opts UpdateOptions) (*Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViolationNotFound, id)
	}
	if !CanTransition(v.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.Status, status)
	}
	v.Status = status
	v.Metadata.UpdatedAt = s.clock()
	v.Metadata.UpdatedBy = opts.UpdatedBy
	if opts.ResolutionNotes != "" {
		v.Metadata.ResolutionNotes = opts.ResolutionNotes
	}
	out := *v
	return &out, nil
}

// Query returns violations matching filter, sorted and paged.
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*Violation, error) {
	s.mu.RLock()
	var matched []*Violation
	for _, v := range s.violations {
		if filter.matches(v) {
			out := *v
			matched = append(matched, &out)
		}
	}
	s.mu.RUnlock()

	sortViolations(matched, filter.SortBy, filter.Descending)
	return page(matched, filter.Offset, filter.Limit), nil
}

// Aggregate groups a tenant's violations by the requested dimension.
func (s *MemoryStore) Aggregate(_ context.Context, tenantID string, opts AggregateOptions) ([]AggregateBucket, error) {
	if opts.GroupBy == "" {
		opts.GroupBy = GroupByType
	}

	s.mu.RLock()
	buckets := make(map[string]*AggregateBucket)
	for _, v := range s.violations {
		if v.TenantID != tenantID {
			continue
		}
		if !opts.Start.IsZero() && v.DetectedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && v.DetectedAt.After(opts.End) {
			continue
		}
		key := groupKey(v, opts.GroupBy)
		b, ok := buckets[key]
		if !ok {
			b = &AggregateBucket{Key: key, MaxSeverity: v.Severity}
			buckets[key] = b
		}
		b.Count++
		b.ViolationIDs = append(b.ViolationIDs, v.ID)
		if v.Severity.Rank() > b.MaxSeverity.Rank() {
			b.MaxSeverity = v.Severity
		}
		if v.DetectedAt.After(b.LastDetected) {
			b.LastDetected = v.DetectedAt
		}
	}
	s.mu.RUnlock()

	var out []AggregateBucket
	for _, b := range buckets {
		if b.Count >= opts.MinCount {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// GetRecent returns a tenant's violations inside the lookback window,
// newest first.
func (s *MemoryStore) GetRecent(_ context.Context, tenantID string, opts RecentOptions) ([]*Violation, error) {
	windowMs := opts.WindowMs
	if windowMs <= 0 {
		windowMs = 60_000
	}
	cutoff := s.clock().Add(-time.Duration(windowMs) * time.Millisecond)

	s.mu.RLock()
	var out []*Violation
	for _, v := range s.violations {
		if v.TenantID != tenantID || v.DetectedAt.Before(cutoff) {
			continue
		}
		if opts.Type != "" && v.Type != opts.Type {
			continue
		}
		if opts.ActorID != "" && v.Actor.ID != opts.ActorID {
			continue
		}
		c := *v
		out = append(out, &c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

// Count returns the number of violations matching filter.
func (s *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.violations {
		if filter.matches(v) {
			n++
		}
	}
	return n, nil
}

// Clear removes one tenant's violations, or everything when tenantID is "".
func (s *MemoryStore) Clear(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenantID == "" {
		s.violations = nil
		s.byID = make(map[string]*Violation)
		return nil
	}
	kept := s.violations[:0]
	for _, v := range s.violations {
		if v.TenantID == tenantID {
			delete(s.byID, v.ID)
			continue
		}
		kept = append(kept, v)
	}
	s.violations = kept
	return nil
}

// FindByFingerprint returns the newest non-dismissed violation carrying
// fingerprint, if any.
func (s *MemoryStore) FindByFingerprint(_ context.Context, tenantID, fingerprint string) (*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.violations) - 1; i >= 0; i-- {
		v := s.violations[i]
		if v.TenantID == tenantID && v.Fingerprint == fingerprint && v.Status != StatusDismissed {
			out := *v
			return &out, nil
		}
	}
	return nil, nil
}

func sortViolations(vs []*Violation, by SortBy, descending bool) {
	less := func(i, j int) bool { return vs[i].DetectedAt.Before(vs[j].DetectedAt) }
	if by == SortBySeverity {
		less = func(i, j int) bool {
			if vs[i].Severity.Rank() != vs[j].Severity.Rank() {
				return vs[i].Severity.Rank() < vs[j].Severity.Rank()
			}
			return vs[i].DetectedAt.Before(vs[j].DetectedAt)
		}
	}
	if descending {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(vs, less)
}

func page(vs []*Violation, offset, limit int) []*Violation {
	if offset >= len(vs) {
		return nil
	}
	vs = vs[offset:]
	if limit > 0 && limit < len(vs) {
		vs = vs[:limit]
	}
	return vs
}

func groupKey(v *Violation, by GroupBy) string {
	switch by {
	case GroupByActor:
		return v.Actor.ID
	case GroupByResource:
		return v.Resource.ID
	case GroupBySeverity:
		return string(v.Severity)
	default:
		return string(v.Type)
	}
}

func containsType(list []Type, t Type) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, s Severity) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
