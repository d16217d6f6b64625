package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wardenhq/warden/pkg/audit"
)

// Ledger couples a Builder with its backing Store: one logical writer for one
// audit log. On construction it restores the builder from the latest persisted
// entry, so a crash between hash computation and persistence only loses the
// unpersisted entry and the chain continues correctly.
type Ledger struct {
	mu      sync.Mutex
	builder *Builder
	store   audit.Store
}

// NewLedger binds builder to store and resynchronises the builder state.
func NewLedger(ctx context.Context, builder *Builder, store audit.Store) (*Ledger, error) {
	meta, err := store.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: metadata read failed: %w", err)
	}
	if builder.Algorithm() != meta.Algorithm {
		return nil, fmt.Errorf("ledger: builder algorithm %q does not match log algorithm %q",
			builder.Algorithm(), meta.Algorithm)
	}
	if meta.EntryCount > 0 {
		builder.InitializeFrom(meta.LatestSequence, meta.HeadHash)
	} else {
		builder.Reset()
	}
	return &Ledger{builder: builder, store: store}, nil
}

// Record builds the next entry and appends it. The builder state and the
// store head advance together under the ledger lock.
func (l *Ledger) Record(ctx context.Context, input EntryInput) (*audit.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.builder.BuildEntry(input)
	if err != nil {
		return nil, err
	}
	if err := l.store.Append(ctx, entry); err != nil {
		// Rewind: the entry never became observable, so the builder must not
		// advance past it.
		if entry.Chain.PreviousHash != nil {
			l.builder.InitializeFrom(entry.Chain.Sequence-1, *entry.Chain.PreviousHash)
		} else {
			l.builder.Reset()
		}
		if errors.Is(err, audit.ErrLogSealed) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: append failed: %w", err)
	}
	return entry, nil
}

// Store exposes the underlying store for reads.
func (l *Ledger) Store() audit.Store {
	return l.store
}
