package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// SaveOptions accompany a save.
type SaveOptions struct {
	Status  ReportStatus
	SavedBy string
	Tags    []string
}

// VersionOptions accompany createVersion.
type VersionOptions struct {
	ChangeDescription string
	CreatedBy         string
}

// Metadata is the stored envelope around a report version.
type Metadata struct {
	ReportID    string       `json:"reportId"`
	TenantID    string       `json:"tenantId"`
	Title       string       `json:"title"`
	Framework   FrameworkID  `json:"framework"`
	Status      ReportStatus `json:"status"`
	Signed      bool         `json:"signed"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"createdAt"`
	CreatedBy   string       `json:"createdBy"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	UpdatedBy   string       `json:"updatedBy"`
	Tags        []string     `json:"tags,omitempty"`
	PeriodStart time.Time    `json:"periodStart"`
	PeriodEnd   time.Time    `json:"periodEnd"`
}

// Version is one entry in a report's version history.
type Version struct {
	Version           int               `json:"version"`
	Report            *ComplianceReport `json:"report"`
	Status            ReportStatus      `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	CreatedBy         string            `json:"createdBy"`
	ChangeDescription string            `json:"changeDescription,omitempty"`
}

// ListOptions filter and page a listing.
type ListOptions struct {
	Statuses      []ReportStatus
	Framework     FrameworkID
	PeriodStart   time.Time // overlaps filter: report period must intersect
	PeriodEnd     time.Time
	Signed        *bool
	Tags          []string // all must be present
	CreatedAfter  time.Time
	CreatedBefore time.Time

	SortBy   string // createdAt|updatedAt|title|status, default createdAt
	SortDesc bool
	Limit    int
	Offset   int
}

// ArchiveOptions tune archiveOlderThan.
type ArchiveOptions struct {
	ExcludeStatuses []ReportStatus
}

// Store is the per-tenant versioned report store contract.
type Store interface {
	Save(ctx context.Context, tenantID string, rpt *ComplianceReport, opts SaveOptions) error
	SaveSigned(ctx context.Context, tenantID string, rpt *ComplianceReport, opts SaveOptions) error
	Get(ctx context.Context, tenantID, reportID string) (*ComplianceReport, error)
	GetMetadata(ctx context.Context, tenantID, reportID string) (*Metadata, error)
	Delete(ctx context.Context, tenantID, reportID string) error
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*Metadata, error)
	Count(ctx context.Context, tenantID string) (int, error)
	UpdateStatus(ctx context.Context, tenantID, reportID string, status ReportStatus, updatedBy string) error
	CreateVersion(ctx context.Context, tenantID, reportID string, rpt *ComplianceReport, opts VersionOptions) (int, error)
	GetVersionHistory(ctx context.Context, tenantID, reportID string) ([]*Version, error)
	GetVersion(ctx context.Context, tenantID, reportID string, version int) (*ComplianceReport, error)
	ArchiveOlderThan(ctx context.Context, tenantID string, cutoff time.Time, opts ArchiveOptions) (int, error)
	GetMany(ctx context.Context, tenantID string, reportIDs []string) ([]*ComplianceReport, error)
	Clear(ctx context.Context, tenantID string) error
}

// storedReport is the current version plus its history.
type storedReport struct {
	meta     Metadata
	current  *ComplianceReport
	versions []*Version
}

// MemoryReportStore keeps reports in memory, namespaced by tenant. Reports
// with the same id under different tenants never collide.
type MemoryReportStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*storedReport
	clock   func() time.Time
}

// StoreOption configures a MemoryReportStore.
type StoreOption func(*MemoryReportStore)

// WithStoreClock overrides the store clock, for deterministic tests.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *MemoryReportStore) { s.clock = clock }
}

// NewMemoryReportStore creates an empty store.
func NewMemoryReportStore(opts ...StoreOption) *MemoryReportStore {
	s := &MemoryReportStore{
		tenants: make(map[string]map[string]*storedReport),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryReportStore) tenant(tenantID string) map[string]*storedReport {
	m, ok := s.tenants[tenantID]
	if !ok {
		m = make(map[string]*storedReport)
		s.tenants[tenantID] = m
	}
	return m
}

// Save stores a report as the current version. Re-saving an existing id
// preserves createdAt/createdBy and bumps updatedAt/updatedBy.
func (s *MemoryReportStore) Save(ctx context.Context, tenantID string, rpt *ComplianceReport, opts SaveOptions) error {
	if rpt == nil || rpt.ReportID == "" {
		return fmt.Errorf("%w: report with id is required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	reports := s.tenant(tenantID)
	copied := *rpt

	existing, ok := reports[rpt.ReportID]
	if ok {
		existing.current = &copied
		existing.meta.Title = rpt.Title
		existing.meta.Framework = rpt.Framework.ID
		existing.meta.Signed = rpt.Signed()
		existing.meta.PeriodStart = rpt.Period.Start
		existing.meta.PeriodEnd = rpt.Period.End
		existing.meta.UpdatedAt = now
		existing.meta.UpdatedBy = opts.SavedBy
		if opts.Status != "" {
			existing.meta.Status = opts.Status
		}
		if len(opts.Tags) > 0 {
			existing.meta.Tags = opts.Tags
		}
		if len(existing.versions) > 0 {
			head := existing.versions[len(existing.versions)-1]
			head.Report = &copied
			head.Status = existing.meta.Status
		}
		return nil
	}

	status := opts.Status
	if status == "" {
		status = ReportDraft
	}
	meta := Metadata{
		ReportID:    rpt.ReportID,
		TenantID:    tenantID,
		Title:       rpt.Title,
		Framework:   rpt.Framework.ID,
		Status:      status,
		Signed:      rpt.Signed(),
		Version:     1,
		CreatedAt:   now,
		CreatedBy:   opts.SavedBy,
		UpdatedAt:   now,
		UpdatedBy:   opts.SavedBy,
		Tags:        opts.Tags,
		PeriodStart: rpt.Period.Start,
		PeriodEnd:   rpt.Period.End,
	}
	reports[rpt.ReportID] = &storedReport{
		meta:    meta,
		current: &copied,
		versions: []*Version{{
			Version:   1,
			Report:    &copied,
			Status:    status,
			CreatedAt: now,
			CreatedBy: opts.SavedBy,
		}},
	}
	return nil
}

// SaveSigned persists a signed report; unsigned input is rejected. The
// stored status defaults to approved.
func (s *MemoryReportStore) SaveSigned(ctx context.Context, tenantID string, rpt *ComplianceReport, opts SaveOptions) error {
	if rpt == nil || !rpt.Signed() {
		return fmt.Errorf("%w: report is not signed", ErrInvalidRequest)
	}
	if opts.Status == "" {
		opts.Status = ReportApproved
	}
	return s.Save(ctx, tenantID, rpt, opts)
}

func (s *MemoryReportStore) find(tenantID, reportID string) (*storedReport, error) {
	reports, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, reportID)
	}
	stored, ok := reports[reportID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, reportID)
	}
	return stored, nil
}

// Get returns the current version of a report.
func (s *MemoryReportStore) Get(ctx context.Context, tenantID, reportID string) (*ComplianceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, err := s.find(tenantID, reportID)
	if err != nil {
		return nil, err
	}
	copied := *stored.current
	return &copied, nil
}

// GetMetadata returns a report's envelope without the payload.
func (s *MemoryReportStore) GetMetadata(ctx context.Context, tenantID, reportID string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, err := s.find(tenantID, reportID)
	if err != nil {
		return nil, err
	}
	meta := stored.meta
	return &meta, nil
}

// Delete removes a report and all its versions.
func (s *MemoryReportStore) Delete(ctx context.Context, tenantID, reportID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.find(tenantID, reportID); err != nil {
		return err
	}
	delete(s.tenants[tenantID], reportID)
	return nil
}

// List returns metadata for matching reports, sorted and paged.
func (s *MemoryReportStore) List(ctx context.Context, tenantID string, opts ListOptions) ([]*Metadata, error) {
	limit := opts.Limit
	switch {
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		return nil, fmt.Errorf("%w: limit %d exceeds maximum %d", ErrInvalidRequest, limit, MaxListLimit)
	case limit < 0:
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidRequest)
	}

	s.mu.RLock()
	var matched []*Metadata
	for _, stored := range s.tenants[tenantID] {
		if !matchesList(&stored.meta, opts) {
			continue
		}
		meta := stored.meta
		matched = append(matched, &meta)
	}
	s.mu.RUnlock()

	sortMetadata(matched, opts.SortBy, opts.SortDesc)
	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matchesList(meta *Metadata, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		ok := false
		for _, status := range opts.Statuses {
			if meta.Status == status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if opts.Framework != "" && meta.Framework != opts.Framework {
		return false
	}
	if opts.Signed != nil && meta.Signed != *opts.Signed {
		return false
	}
	if !opts.PeriodStart.IsZero() && meta.PeriodEnd.Before(opts.PeriodStart) {
		return false
	}
	if !opts.PeriodEnd.IsZero() && meta.PeriodStart.After(opts.PeriodEnd) {
		return false
	}
	if !opts.CreatedAfter.IsZero() && meta.CreatedAt.Before(opts.CreatedAfter) {
		return false
	}
	if !opts.CreatedBefore.IsZero() && meta.CreatedAt.After(opts.CreatedBefore) {
		return false
	}
	for _, want := range opts.Tags {
		found := false
		for _, tag := range meta.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortMetadata(metas []*Metadata, by string, desc bool) {
	less := func(a, b *Metadata) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch by {
	case "updatedAt":
		less = func(a, b *Metadata) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	case "title":
		less = func(a, b *Metadata) bool { return strings.ToLower(a.Title) < strings.ToLower(b.Title) }
	case "status":
		less = func(a, b *Metadata) bool { return a.Status < b.Status }
	}
	sort.SliceStable(metas, func(i, j int) bool {
		if desc {
			return less(metas[j], metas[i])
		}
		return less(metas[i], metas[j])
	})
}

// Count returns the number of reports a tenant holds.
func (s *MemoryReportStore) Count(ctx context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID]), nil
}

// UpdateStatus moves a report to a new lifecycle status.
func (s *MemoryReportStore) UpdateStatus(ctx context.Context, tenantID, reportID string, status ReportStatus, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.find(tenantID, reportID)
	if err != nil {
		return err
	}
	stored.meta.Status = status
	stored.meta.UpdatedAt = s.clock()
	stored.meta.UpdatedBy = updatedBy
	return nil
}

// CreateVersion appends a new current version to a report's history. The
// new version inherits the prior version's status. Returns the new version
// number.
func (s *MemoryReportStore) CreateVersion(ctx context.Context, tenantID, reportID string, rpt *ComplianceReport, opts VersionOptions) (int, error) {
	if rpt == nil {
		return 0, fmt.Errorf("%w: report is required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.find(tenantID, reportID)
	if err != nil {
		return 0, err
	}

	now := s.clock()
	copied := *rpt
	copied.ReportID = reportID
	version := len(stored.versions) + 1
	stored.versions = append(stored.versions, &Version{
		Version:           version,
		Report:            &copied,
		Status:            stored.meta.Status,
		CreatedAt:         now,
		CreatedBy:         opts.CreatedBy,
		ChangeDescription: opts.ChangeDescription,
	})
	stored.current = &copied
	stored.meta.Version = version
	stored.meta.Title = copied.Title
	stored.meta.Signed = copied.Signed()
	stored.meta.UpdatedAt = now
	stored.meta.UpdatedBy = opts.CreatedBy
	return version, nil
}

// GetVersionHistory returns all versions, oldest first.
func (s *MemoryReportStore) GetVersionHistory(ctx context.Context, tenantID, reportID string) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, err := s.find(tenantID, reportID)
	if err != nil {
		return nil, err
	}
	out := make([]*Version, len(stored.versions))
	for i, v := range stored.versions {
		copied := *v
		out[i] = &copied
	}
	return out, nil
}

// GetVersion returns the exact payload stored as version number v.
func (s *MemoryReportStore) GetVersion(ctx context.Context, tenantID, reportID string, version int) (*ComplianceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, err := s.find(tenantID, reportID)
	if err != nil {
		return nil, err
	}
	for _, v := range stored.versions {
		if v.Version == version {
			copied := *v.Report
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, reportID, version)
}

// ArchiveOlderThan marks reports whose current version was created before
// the cutoff as archived, skipping excluded statuses. Returns how many were
// archived. The comparison uses the current version's createdAt, not the
// report's original creation time.
func (s *MemoryReportStore) ArchiveOlderThan(ctx context.Context, tenantID string, cutoff time.Time, opts ArchiveOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := 0
	for _, stored := range s.tenants[tenantID] {
		if stored.meta.Status == ReportArchived {
			continue
		}
		excluded := false
		for _, status := range opts.ExcludeStatuses {
			if stored.meta.Status == status {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		head := stored.versions[len(stored.versions)-1]
		if !head.CreatedAt.Before(cutoff) {
			continue
		}
		stored.meta.Status = ReportArchived
		stored.meta.UpdatedAt = s.clock()
		archived++
	}
	return archived, nil
}

// GetMany returns the current versions for the given ids, skipping ids the
// tenant does not hold.
func (s *MemoryReportStore) GetMany(ctx context.Context, tenantID string, reportIDs []string) ([]*ComplianceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ComplianceReport
	for _, id := range reportIDs {
		stored, err := s.find(tenantID, id)
		if err != nil {
			continue
		}
		copied := *stored.current
		out = append(out, &copied)
	}
	return out, nil
}

// Clear drops every report a tenant holds. An empty tenant id clears all.
func (s *MemoryReportStore) Clear(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenantID == "" {
		s.tenants = make(map[string]map[string]*storedReport)
		return nil
	}
	delete(s.tenants, tenantID)
	return nil
}
