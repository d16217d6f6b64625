package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/wardenhq/warden/pkg/canonical"
)

// PostgresStore is a durable Store for one log, backed by Postgres. Appends
// run in a transaction with the log row locked FOR UPDATE, which enforces the
// single-writer discipline even across processes.
type PostgresStore struct {
	db   *sql.DB
	key  LogKey
	algo canonical.Algorithm
}

// NewPostgresStore creates (or reopens) the log identified by key in db.
// The schema is expected to exist; see MigratePostgres.
func NewPostgresStore(db *sql.DB, key LogKey, algo canonical.Algorithm) (*PostgresStore, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("postgres store: unsupported algorithm %q", algo)
	}
	s := &PostgresStore{db: db, key: key, algo: algo}
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO audit_logs (tenant_id, scope, scope_id, algorithm)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, scope, scope_id) DO NOTHING`,
		key.TenantID, string(key.Scope), key.ScopeID, string(algo))
	if err != nil {
		return nil, fmt.Errorf("postgres store: log row init failed: %w", err)
	}
	return s, nil
}

// MigratePostgres creates the audit tables.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		tenant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		latest_sequence BIGINT NOT NULL DEFAULT 0,
		head_hash TEXT NOT NULL DEFAULT '',
		entry_count BIGINT NOT NULL DEFAULT 0,
		sealed BOOLEAN NOT NULL DEFAULT FALSE,
		sealed_at TIMESTAMPTZ,
		seal_reason TEXT,
		PRIMARY KEY (tenant_id, scope, scope_id)
	);
	CREATE TABLE IF NOT EXISTS audit_entries (
		tenant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		entry_id TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL,
		prev_hash TEXT,
		ts TIMESTAMPTZ NOT NULL,
		category TEXT NOT NULL,
		action_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		high_risk BOOLEAN NOT NULL DEFAULT FALSE,
		entry JSONB NOT NULL,
		PRIMARY KEY (tenant_id, scope, scope_id, sequence)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres store: migration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	if entry.Chain.Algorithm != s.algo {
		return fmt.Errorf("append entry %s: %w", entry.ID, ErrAlgorithmMismatch)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append entry %s: begin failed: %w", entry.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT latest_sequence, head_hash, entry_count, sealed
		FROM audit_logs WHERE tenant_id = $1 AND scope = $2 AND scope_id = $3
		FOR UPDATE`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID)

	var latestSeq, count uint64
	var headHash string
	var sealed bool
	if err := row.Scan(&latestSeq, &headHash, &count, &sealed); err != nil {
		return fmt.Errorf("append entry %s: head read failed: %w", entry.ID, err)
	}
	if sealed {
		return sealedErr(s.key)
	}

	if count == 0 {
		if entry.Chain.Sequence != 0 {
			return fmt.Errorf("append entry %s: expected sequence 0, got %d: %w",
				entry.ID, entry.Chain.Sequence, ErrSequenceGap)
		}
		if entry.Chain.PreviousHash != nil {
			return fmt.Errorf("append entry %s: genesis entry must have nil prevHash: %w",
				entry.ID, ErrChainMismatch)
		}
	} else {
		if entry.Chain.Sequence != latestSeq+1 {
			return fmt.Errorf("append entry %s: expected sequence %d, got %d: %w",
				entry.ID, latestSeq+1, entry.Chain.Sequence, ErrSequenceGap)
		}
		if entry.Chain.PreviousHash == nil || *entry.Chain.PreviousHash != headHash {
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

	received := time.Now().UTC()
	stored := *entry
	stored.ReceivedAt = &received
	blob, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("append entry %s: marshal failed: %w", entry.ID, err)
	}

	var prev any
	if stored.Chain.PreviousHash != nil {
		prev = *stored.Chain.PreviousHash
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (tenant_id, scope, scope_id, sequence, entry_id,
			content_hash, prev_hash, ts, category, action_type, actor_id, high_risk, entry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID,
		stored.Chain.Sequence, stored.ID, stored.Chain.ContentHash, prev,
		stored.Timestamp.UTC(), stored.Action.Category, stored.Action.Type,
		stored.Actor.ID, stored.HighRisk, string(blob)); err != nil {
		return fmt.Errorf("append entry %s: insert failed: %w", entry.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE audit_logs SET latest_sequence = $1, head_hash = $2, entry_count = entry_count + 1
		WHERE tenant_id = $3 AND scope = $4 AND scope_id = $5`,
		stored.Chain.Sequence, stored.Chain.ContentHash,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID); err != nil {
		return fmt.Errorf("append entry %s: head update failed: %w", entry.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append entry %s: commit failed: %w", entry.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetBySequence(ctx context.Context, seq uint64) (*Entry, error) {
	return s.queryOne(ctx, `
		SELECT entry FROM audit_entries
		WHERE tenant_id = $1 AND scope = $2 AND scope_id = $3 AND sequence = $4`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID, seq)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Entry, error) {
	return s.queryOne(ctx, `SELECT entry FROM audit_entries WHERE entry_id = $1`, id)
}

func (s *PostgresStore) GetRange(ctx context.Context, start, end uint64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM audit_entries
		WHERE tenant_id = $1 AND scope = $2 AND scope_id = $3 AND sequence BETWEEN $4 AND $5
		ORDER BY sequence ASC`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres store: range query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *PostgresStore) GetLatest(ctx context.Context) (*Entry, error) {
	return s.queryOne(ctx, `
		SELECT entry FROM audit_entries
		WHERE tenant_id = $1 AND scope = $2 AND scope_id = $3
		ORDER BY sequence DESC LIMIT 1`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID)
}

func (s *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT entry_count FROM audit_logs
		WHERE tenant_id = $1 AND scope = $2 AND scope_id = $3`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres store: count failed: %w", err)
	}
	return count, nil
}

// Query fetches the log slice by sequence and applies the filter in memory;
// the heavy filters (tenant, sequence window) are pushed into SQL.
func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	start, end := filter.StartSeq, filter.EndSeq
	if end == 0 {
		end = ^uint64(0) >> 1
	}
	entries, err := s.GetRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	matched := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	if filter.Descending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *PostgresStore) Seal(ctx context.Context, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_logs SET sealed = TRUE, sealed_at = NOW(), seal_reason = $1
		WHERE tenant_id = $2 AND scope = $3 AND scope_id = $4 AND sealed = FALSE`,
		reason, s.key.TenantID, string(s.key.Scope), s.key.ScopeID)
	if err != nil {
		return fmt.Errorf("postgres store: seal failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sealedErr(s.key)
	}
	return nil
}

func (s *PostgresStore) Metadata(ctx context.Context) (*LogMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT latest_sequence, head_hash, entry_count, sealed, sealed_at, seal_reason
		FROM audit_logs WHERE tenant_id = $1 AND scope = $2 AND scope_id = $3`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID)

	meta := &LogMetadata{Key: s.key, Algorithm: s.algo}
	var sealedAt sql.NullTime
	var sealReason sql.NullString
	if err := row.Scan(&meta.LatestSequence, &meta.HeadHash, &meta.EntryCount,
		&meta.Sealed, &sealedAt, &sealReason); err != nil {
		return nil, fmt.Errorf("postgres store: metadata read failed: %w", err)
	}
	if sealedAt.Valid {
		t := sealedAt.Time
		meta.SealedAt = &t
	}
	meta.SealReason = sealReason.String
	return meta, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: read failed: %w", err)
	}
	return unmarshalEntry(blob)
}
