package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardenhq/warden/pkg/canonical"
)

// SQLiteStore is a durable Store for one log, backed by SQLite. The full
// entry is stored as JSON alongside indexed columns for query filters.
type SQLiteStore struct {
	db   *sql.DB
	key  LogKey
	algo canonical.Algorithm
}

// NewSQLiteStore creates (or reopens) the log identified by key in db.
func NewSQLiteStore(db *sql.DB, key LogKey, algo canonical.Algorithm) (*SQLiteStore, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("sqlite store: unsupported algorithm %q", algo)
	}
	s := &SQLiteStore{db: db, key: key, algo: algo}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.ensureLogRow(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		tenant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		latest_sequence INTEGER NOT NULL DEFAULT 0,
		head_hash TEXT NOT NULL DEFAULT '',
		entry_count INTEGER NOT NULL DEFAULT 0,
		sealed INTEGER NOT NULL DEFAULT 0,
		sealed_at TEXT,
		seal_reason TEXT,
		PRIMARY KEY (tenant_id, scope, scope_id)
	);
	CREATE TABLE IF NOT EXISTS audit_entries (
		tenant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		entry_id TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL,
		prev_hash TEXT,
		timestamp TEXT NOT NULL,
		category TEXT NOT NULL,
		action_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		high_risk INTEGER NOT NULL DEFAULT 0,
		entry JSON NOT NULL,
		PRIMARY KEY (tenant_id, scope, scope_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_actor
		ON audit_entries (tenant_id, actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp
		ON audit_entries (tenant_id, timestamp);`
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("sqlite store: migration failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureLogRow() error {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO audit_logs (tenant_id, scope, scope_id, algorithm)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, scope, scope_id) DO NOTHING`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID, string(s.algo))
	if err != nil {
		return fmt.Errorf("sqlite store: log row init failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, entry *Entry) error {
	if entry.Chain.Algorithm != s.algo {
		return fmt.Errorf("append entry %s: %w", entry.ID, ErrAlgorithmMismatch)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append entry %s: begin failed: %w", entry.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	meta, err := s.readMeta(ctx, tx)
	if err != nil {
		return err
	}
	if meta.Sealed {
		return sealedErr(s.key)
	}

	if meta.EntryCount == 0 {
		if entry.Chain.Sequence != 0 {
			return fmt.Errorf("append entry %s: expected sequence 0, got %d: %w",
				entry.ID, entry.Chain.Sequence, ErrSequenceGap)
		}
		if entry.Chain.PreviousHash != nil {
			return fmt.Errorf("append entry %s: genesis entry must have nil prevHash: %w",
				entry.ID, ErrChainMismatch)
		}
	} else {
		if entry.Chain.Sequence != meta.LatestSequence+1 {
			return fmt.Errorf("append entry %s: expected sequence %d, got %d: %w",
				entry.ID, meta.LatestSequence+1, entry.Chain.Sequence, ErrSequenceGap)
		}
		if entry.Chain.PreviousHash == nil || *entry.Chain.PreviousHash != meta.HeadHash {
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (tenant_id, scope, scope_id, sequence, entry_id,
			content_hash, prev_hash, timestamp, category, action_type, actor_id, high_risk, entry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID,
		stored.Chain.Sequence, stored.ID, stored.Chain.ContentHash, prev,
		stored.Timestamp.UTC().Format(time.RFC3339Nano),
		stored.Action.Category, stored.Action.Type, stored.Actor.ID,
		boolToInt(stored.HighRisk), string(blob))
	if err != nil {
		return fmt.Errorf("append entry %s: insert failed: %w", entry.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE audit_logs SET latest_sequence = ?, head_hash = ?, entry_count = entry_count + 1
		WHERE tenant_id = ? AND scope = ? AND scope_id = ?`,
		stored.Chain.Sequence, stored.Chain.ContentHash,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID)
	if err != nil {
		return fmt.Errorf("append entry %s: head update failed: %w", entry.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append entry %s: commit failed: %w", entry.ID, err)
	}
	return nil
}

func (s *SQLiteStore) readMeta(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (*LogMetadata, error) {
	row := q.QueryRowContext(ctx, `
		SELECT latest_sequence, head_hash, entry_count, sealed, sealed_at, seal_reason
		FROM audit_logs WHERE tenant_id = ? AND scope = ? AND scope_id = ?`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID)

	meta := &LogMetadata{Key: s.key, Algorithm: s.algo}
	var sealed int
	var sealedAt, sealReason sql.NullString
	if err := row.Scan(&meta.LatestSequence, &meta.HeadHash, &meta.EntryCount,
		&sealed, &sealedAt, &sealReason); err != nil {
		return nil, fmt.Errorf("sqlite store: metadata read failed: %w", err)
	}
	meta.Sealed = sealed != 0
	if sealedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, sealedAt.String); err == nil {
			meta.SealedAt = &t
		}
	}
	meta.SealReason = sealReason.String
	return meta, nil
}

func (s *SQLiteStore) GetBySequence(ctx context.Context, seq uint64) (*Entry, error) {
	return s.queryOne(ctx, `
		SELECT entry FROM audit_entries
		WHERE tenant_id = ? AND scope = ? AND scope_id = ? AND sequence = ?`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID, seq)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Entry, error) {
	return s.queryOne(ctx, `SELECT entry FROM audit_entries WHERE entry_id = ?`, id)
}

func (s *SQLiteStore) GetRange(ctx context.Context, start, end uint64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM audit_entries
		WHERE tenant_id = ? AND scope = ? AND scope_id = ? AND sequence BETWEEN ? AND ?
		ORDER BY sequence ASC`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID, start, end)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: range query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *SQLiteStore) GetLatest(ctx context.Context) (*Entry, error) {
	return s.queryOne(ctx, `
		SELECT entry FROM audit_entries
		WHERE tenant_id = ? AND scope = ? AND scope_id = ?
		ORDER BY sequence DESC LIMIT 1`,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID)
}

func (s *SQLiteStore) Count(ctx context.Context) (uint64, error) {
	meta, err := s.readMeta(ctx, s.db)
	if err != nil {
		return 0, err
	}
	return meta.EntryCount, nil
}

// Query pushes the indexed filters into SQL and applies the rest in memory.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	clauses := []string{"tenant_id = ?", "scope = ?", "scope_id = ?"}
	args := []any{s.key.TenantID, string(s.key.Scope), s.key.ScopeID}

	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.EventType != "" {
		clauses = append(clauses, "action_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.HighRiskOnly {
		clauses = append(clauses, "high_risk = 1")
	}
	if filter.StartSeq > 0 {
		clauses = append(clauses, "sequence >= ?")
		args = append(args, filter.StartSeq)
	}
	if filter.EndSeq > 0 {
		clauses = append(clauses, "sequence <= ?")
		args = append(args, filter.EndSeq)
	}

	order := "ASC"
	if filter.Descending {
		order = "DESC"
	}
	query := fmt.Sprintf(
		"SELECT entry FROM audit_entries WHERE %s ORDER BY sequence %s",
		strings.Join(clauses, " AND "), order)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	// Residual filters (time window, tags, free text, severity).
	residual := filter
	residual.Category, residual.EventType, residual.ActorID = "", "", ""
	residual.StartSeq, residual.EndSeq = 0, 0
	residual.HighRiskOnly = false
	matched := entries[:0]
	for _, e := range entries {
		if residual.matches(e) {
			matched = append(matched, e)
		}
	}
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *SQLiteStore) Seal(ctx context.Context, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_logs SET sealed = 1, sealed_at = ?, seal_reason = ?
		WHERE tenant_id = ? AND scope = ? AND scope_id = ? AND sealed = 0`,
		time.Now().UTC().Format(time.RFC3339Nano), reason,
		s.key.TenantID, string(s.key.Scope), s.key.ScopeID)
	if err != nil {
		return fmt.Errorf("sqlite store: seal failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sealedErr(s.key)
	}
	return nil
}

func (s *SQLiteStore) Metadata(ctx context.Context) (*LogMetadata, error) {
	return s.readMeta(ctx, s.db)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: read failed: %w", err)
	}
	return unmarshalEntry(blob)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("sqlite store: scan failed: %w", err)
		}
		e, err := unmarshalEntry(blob)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rows failed: %w", err)
	}
	return entries, nil
}

func unmarshalEntry(blob string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(blob), &e); err != nil {
		return nil, fmt.Errorf("sqlite store: entry decode failed: %w", err)
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
