package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/canonical"
)

// EntryInput is the caller-supplied portion of an audit entry. The builder
// fills id, schema version, timestamp (when zero), chain linkage and the
// optional context hash and signature.
type EntryInput struct {
	Timestamp  time.Time
	Actor      audit.Actor
	Action     audit.Action
	Resource   *audit.Resource
	Outcome    audit.Outcome
	Context    audit.EntryContext
	Tags       []string
	HighRisk   bool
	Compliance []string
	Details    map[string]any
}

// Builder assembles hash-chained audit entries. Within one builder, entries
// are totally ordered by sequence; the state advances only after the content
// hash is computed, so the chain cannot fork.
type Builder struct {
	mu       sync.Mutex
	nextSeq  uint64
	lastHash *string
	algo     canonical.Algorithm
	signer   Signer
	clock    func() time.Time
	newID    func() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithAlgorithm pins the digest algorithm. The default is sha256; the chosen
// algorithm must match the target log's algorithm.
func WithAlgorithm(algo canonical.Algorithm) Option {
	return func(b *Builder) { b.algo = algo }
}

// WithSigner attaches a signer; each entry's content hash is signed.
func WithSigner(s Signer) Option {
	return func(b *Builder) { b.signer = s }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

// WithIDFunc overrides entry id generation for deterministic testing.
func WithIDFunc(fn func() string) Option {
	return func(b *Builder) { b.newID = fn }
}

// NewBuilder creates a builder at (sequence 0, nil head).
func NewBuilder(opts ...Option) (*Builder, error) {
	b := &Builder{
		algo:  canonical.DefaultAlgorithm,
		clock: time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	if !b.algo.Valid() {
		return nil, fmt.Errorf("chain: unsupported algorithm %q", b.algo)
	}
	return b, nil
}

// Algorithm returns the builder's pinned digest algorithm.
func (b *Builder) Algorithm() canonical.Algorithm {
	return b.algo
}

// BuildEntry produces the next entry in the chain and advances the builder.
func (b *Builder) BuildEntry(input EntryInput) (*audit.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock().UTC()
	ts := input.Timestamp
	if ts.IsZero() {
		ts = now
	}

	entry := &audit.Entry{
		ID:            b.newID(),
		SchemaVersion: audit.SchemaVersion,
		Timestamp:     ts.UTC(),
		Actor:         input.Actor,
		Action:        input.Action,
		Resource:      input.Resource,
		Outcome:       input.Outcome,
		Context:       input.Context,
		Tags:          input.Tags,
		HighRisk:      input.HighRisk,
		Compliance:    input.Compliance,
		Details:       input.Details,
		Chain: audit.Chain{
			Sequence:     b.nextSeq,
			PreviousHash: b.lastHash,
			Algorithm:    b.algo,
			ComputedAt:   now,
		},
	}

	contentHash, err := audit.ComputeContentHash(entry)
	if err != nil {
		return nil, fmt.Errorf("chain: content hash failed: %w", err)
	}
	entry.Chain.ContentHash = contentHash

	ctxHash, err := audit.ComputeContextHash(&entry.Context, b.algo)
	if err != nil {
		return nil, fmt.Errorf("chain: context hash failed: %w", err)
	}
	entry.ContextHash = ctxHash

	if b.signer != nil {
		sig, err := b.signer.Sign([]byte(contentHash))
		if err != nil {
			return nil, fmt.Errorf("chain: signing failed: %w", err)
		}
		entry.Chain.Signature = &audit.Signature{
			Algorithm: b.signer.Algorithm(),
			KeyID:     b.signer.KeyID(),
			Value:     sig,
		}
	}

	b.nextSeq++
	b.lastHash = &contentHash
	return entry, nil
}

// InitializeFrom restores builder state from the latest persisted entry, so
// appends continue the chain after a restart.
func (b *Builder) InitializeFrom(sequence uint64, headHash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq = sequence + 1
	h := headHash
	b.lastHash = &h
}

// Reset returns the builder to (sequence 0, nil head).
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq = 0
	b.lastHash = nil
}

// State returns the next sequence and current head hash (nil before the
// first entry).
func (b *Builder) State() (uint64, *string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq, b.lastHash
}
