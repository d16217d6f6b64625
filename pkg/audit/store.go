package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/canonical"
)

// Filter selects entries from a log. Zero values mean "no constraint".
type Filter struct {
	TenantID     string
	Category     string
	EventType    string // matches Action.Type
	ActorID      string
	Severity     string // matches Details["severity"]
	From         *time.Time
	To           *time.Time
	StartSeq     uint64
	EndSeq       uint64 // inclusive; 0 = unbounded
	HighRiskOnly bool
	Tags         []string // entry must carry every listed tag
	Contains     string   // case-insensitive substring over action, reason, resource
	Limit        int
	Offset       int
	Descending   bool
}

// Store is the contract every audit backend satisfies. Exactly one logical
// writer appends per log; readers are unbounded.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	GetBySequence(ctx context.Context, seq uint64) (*Entry, error)
	GetByID(ctx context.Context, id string) (*Entry, error)
	GetRange(ctx context.Context, start, end uint64) ([]*Entry, error)
	GetLatest(ctx context.Context) (*Entry, error)
	Count(ctx context.Context) (uint64, error)
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
	Seal(ctx context.Context, reason string) error
	Metadata(ctx context.Context) (*LogMetadata, error)
}

// MemoryStore is the in-memory Store used in tests and single-process
// deployments. Appends serialise on the write lock; the content hash is
// validated before the head advances, so the chain cannot fork.
type MemoryStore struct {
	mu      sync.RWMutex
	meta    LogMetadata
	entries []*Entry
	byID    map[string]*Entry
	clock   func() time.Time
}

// NewMemoryStore creates an empty log for the given key, pinned to algo.
func NewMemoryStore(key LogKey, algo canonical.Algorithm) *MemoryStore {
	return &MemoryStore{
		meta: LogMetadata{
			Key:       key,
			Algorithm: algo,
		},
		byID:  make(map[string]*Entry),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.Sealed {
		return sealedErr(s.meta.Key)
	}
	if entry.Chain.Algorithm != s.meta.Algorithm {
		return fmt.Errorf("append entry %s: %w", entry.ID, ErrAlgorithmMismatch)
	}

	if len(s.entries) == 0 {
		if entry.Chain.Sequence != 0 {
			return fmt.Errorf("append entry %s: expected sequence 0, got %d: %w",
				entry.ID, entry.Chain.Sequence, ErrSequenceGap)
		}
		if entry.Chain.PreviousHash != nil {
			return fmt.Errorf("append entry %s: genesis entry must have nil prevHash: %w",
				entry.ID, ErrChainMismatch)
		}
	} else {
		if entry.Chain.Sequence != s.meta.LatestSequence+1 {
			return fmt.Errorf("append entry %s: expected sequence %d, got %d: %w",
				entry.ID, s.meta.LatestSequence+1, entry.Chain.Sequence, ErrSequenceGap)
		}
		if entry.Chain.PreviousHash == nil || *entry.Chain.PreviousHash != s.meta.HeadHash {
			return fmt.Errorf("append entry %s: %w", entry.ID, ErrChainMismatch)
		}
	}

	computed, err := ComputeContentHash(entry)
	if err != nil {
		return fmt.Errorf("append entry %s: %w", entry.ID, err)
	}
	if computed != entry.Chain.ContentHash {
		return fmt.Errorf("append entry %s: %w", entry.ID, ErrContentHashMismatch)
	}

	received := s.clock().UTC()
	stored := *entry
	stored.ReceivedAt = &received

	s.entries = append(s.entries, &stored)
	s.byID[stored.ID] = &stored
	s.meta.LatestSequence = stored.Chain.Sequence
	s.meta.HeadHash = stored.Chain.ContentHash
	s.meta.EntryCount++
	return nil
}

func (s *MemoryStore) GetBySequence(ctx context.Context, seq uint64) (*Entry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return nil, fmt.Errorf("sequence %d: %w", seq, ErrEntryNotFound)
	}
	return s.entries[seq], nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Entry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
	}
	return e, nil
}

// GetRange returns entries with start <= sequence <= end in chain order.
func (s *MemoryStore) GetRange(ctx context.Context, start, end uint64) ([]*Entry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start > end || start >= uint64(len(s.entries)) {
		return nil, nil
	}
	if end >= uint64(len(s.entries)) {
		end = uint64(len(s.entries)) - 1
	}
	out := make([]*Entry, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemoryStore) GetLatest(ctx context.Context) (*Entry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return s.entries[len(s.entries)-1], nil
}

func (s *MemoryStore) Count(ctx context.Context) (uint64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.EntryCount, nil
}

func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Entry, 0)
	for _, e := range s.entries {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	if filter.Descending {
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].Chain.Sequence > matched[j].Chain.Sequence
		})
	}
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) Seal(ctx context.Context, reason string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Sealed {
		return sealedErr(s.meta.Key)
	}
	now := s.clock().UTC()
	s.meta.Sealed = true
	s.meta.SealedAt = &now
	s.meta.SealReason = reason
	return nil
}

func (s *MemoryStore) Metadata(ctx context.Context) (*LogMetadata, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := s.meta
	return &meta, nil
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func (f Filter) matches(e *Entry) bool {
	if f.TenantID != "" && e.Context.TenantID != f.TenantID {
		return false
	}
	if f.Category != "" && e.Action.Category != f.Category {
		return false
	}
	if f.EventType != "" && e.Action.Type != f.EventType {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.Severity != "" {
		sev, _ := e.Details["severity"].(string)
		if sev != f.Severity {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if f.StartSeq > 0 && e.Chain.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Chain.Sequence > f.EndSeq {
		return false
	}
	if f.HighRiskOnly && !e.HighRisk {
		return false
	}
	for _, tag := range f.Tags {
		if !containsString(e.Tags, tag) {
			return false
		}
	}
	if f.Contains != "" {
		needle := strings.ToLower(f.Contains)
		hay := strings.ToLower(e.Action.Type + " " + e.Action.Description + " " + e.Outcome.Reason)
		if e.Resource != nil {
			hay += " " + strings.ToLower(e.Resource.ID+" "+e.Resource.Name)
		}
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
