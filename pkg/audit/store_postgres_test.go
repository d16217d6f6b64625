package audit_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/canonical"
)

// pgStore opens a PostgresStore against a sqlmock connection. The log-row
// upsert issued by NewPostgresStore is expected up front.
func pgStore(t *testing.T, tenant string) (*audit.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(tenant, "tenant", tenant, "sha256").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store, err := audit.NewPostgresStore(db, testKey(tenant), canonical.SHA256)
	require.NoError(t, err)
	return store, mock
}

func headRows(latestSeq uint64, headHash string, count uint64, sealed bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"latest_sequence", "head_hash", "entry_count", "sealed"}).
		AddRow(latestSeq, headHash, count, sealed)
}

func TestPostgresStore_AppendGenesis(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, mock := pgStore(t, "t1")
	entries := buildEntries(t, "t1", base, 1)

	// 1. The append transaction locks the log row, inserts the entry, and
	// advances the head, all before commit.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(headRows(0, "", 0, false))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE audit_logs").
		WithArgs(uint64(0), entries[0].Chain.ContentHash, "t1", "tenant", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), entries[0]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSealedLogRollsBack(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, mock := pgStore(t, "t1")
	entries := buildEntries(t, "t1", base, 1)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(headRows(4, "deadbeef", 5, true))
	mock.ExpectRollback()

	err := store.Append(context.Background(), entries[0])
	require.ErrorIs(t, err, audit.ErrLogSealed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRejectsSequenceGap(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, mock := pgStore(t, "t1")
	entries := buildEntries(t, "t1", base, 3)

	// Head is at sequence 0 with one entry; appending sequence 2 skips one.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(headRows(0, entries[0].Chain.ContentHash, 1, false))
	mock.ExpectRollback()

	err := store.Append(context.Background(), entries[2])
	require.ErrorIs(t, err, audit.ErrSequenceGap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRejectsBrokenLinkage(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	store, mock := pgStore(t, "t1")
	entries := buildEntries(t, "t1", base, 2)

	// The stored head hash does not match entries[1].Chain.PreviousHash.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(headRows(0, "forged-head", 1, false))
	mock.ExpectRollback()

	err := store.Append(context.Background(), entries[1])
	require.ErrorIs(t, err, audit.ErrChainMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBySequenceNotFound(t *testing.T) {
	store, mock := pgStore(t, "t1")

	mock.ExpectQuery("SELECT entry FROM audit_entries").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetBySequence(context.Background(), 7)
	require.True(t, errors.Is(err, audit.ErrEntryNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Metadata(t *testing.T) {
	store, mock := pgStore(t, "t1")
	sealedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM audit_logs").WillReturnRows(
		sqlmock.NewRows([]string{"latest_sequence", "head_hash", "entry_count",
			"sealed", "sealed_at", "seal_reason"}).
			AddRow(uint64(9), "abc123", uint64(10), true, sealedAt, "retention window closed"))

	meta, err := store.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), meta.LatestSequence)
	assert.Equal(t, "abc123", meta.HeadHash)
	assert.Equal(t, uint64(10), meta.EntryCount)
	assert.True(t, meta.Sealed)
	require.NotNil(t, meta.SealedAt)
	assert.Equal(t, sealedAt, meta.SealedAt.UTC())
	assert.Equal(t, "retention window closed", meta.SealReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
