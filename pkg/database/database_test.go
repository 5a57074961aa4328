package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewDatabaseInstance(sqlx.NewDb(mockDB, "postgres"), logger), mock
}

func TestLockKey(t *testing.T) {
	a := LockKey(1, "Issue")
	b := LockKey(1, "Issue")
	c := LockKey(2, "Issue")
	d := LockKey(1, "Ticket")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Equal(t, int64(1), a>>32)
	assert.Equal(t, int64(2), c>>32)
}

func TestErrorCode(t *testing.T) {
	deadlock := &pq.Error{Code: CodeDeadlockDetected, Detail: "process 1 waits"}
	wrapped := fmt.Errorf("chunk 3: %w", deadlock)

	assert.Equal(t, CodeDeadlockDetected, ErrorCode(wrapped))
	assert.Equal(t, "process 1 waits", ErrorDetail(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsRetryable(&pq.Error{Code: CodeSerializationFailure}))
	assert.False(t, IsRetryable(&pq.Error{Code: CodeStringDataRightTruncation}))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.Equal(t, "", ErrorCode(errors.New("boom")))

	assert.True(t, IsMissingTable(&pq.Error{Code: CodeUndefinedTable}))
	assert.True(t, IsMissingTable(&pq.Error{Code: CodeInvalidSchemaName}))
	assert.False(t, IsMissingTable(deadlock))
}

func TestWithTx_Commit(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(int64(42)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx Tx) error {
		return AdvisoryXactLock(ctx, tx, 42)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx Tx) error {
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTx_JoinsOpenTransaction(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, outer, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	innerCtx, inner, err := db.GetTx(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ctx, innerCtx)

	// the joined transaction cannot end the outer one
	require.NoError(t, inner.Commit(innerCtx))
	require.NoError(t, inner.Rollback(innerCtx))
	assert.True(t, outer.IsOpen())

	require.NoError(t, outer.Rollback(ctx))
	assert.False(t, outer.IsOpen())
	require.NoError(t, outer.Commit(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestMigrationVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000001_records.up.sql", "000001_records.down.sql", "000003_counts.up.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}

	latest, err := latestMigrationVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)

	_, err = latestMigrationVersion(t.TempDir())
	assert.Error(t, err)
}

func TestConnectionConfig_DSN(t *testing.T) {
	cfg := ConnectionConfig{Host: "db", Port: "5432", User: "fern", Password: "secret", Name: "records"}
	assert.Equal(t, "host=db port=5432 user=fern password=secret dbname=records sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestJSONB(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.JSONEq(t, `{"a":1}`, string(j.RawMessage()))

	v, err := j.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	require.NoError(t, j.Scan(nil))
	v, err = j.Value()
	require.NoError(t, err)
	assert.Equal(t, "null", v)

	assert.Error(t, j.Scan(42))
}

func TestOnConflictDoUpdate(t *testing.T) {
	clause := OnConflictDoUpdate([]string{"connection_id", "external_id", "model"}, []string{"json", "data_hash"}, "pruned_at = NULL")
	assert.Equal(t, "ON CONFLICT (connection_id, external_id, model) DO UPDATE SET json = EXCLUDED.json, data_hash = EXCLUDED.data_hash, pruned_at = NULL", clause)
	assert.Equal(t, clause, WithGate(clause, ""))
	assert.Equal(t, clause+" WHERE records.id = $1", WithGate(clause, "records.id = $1"))
	assert.Equal(t, "RETURNING id, external_id", Returning("id", "external_id"))
}

func TestRowTuple(t *testing.T) {
	n := 0
	bind := func(any) string {
		n++
		return fmt.Sprintf("$%d", n)
	}
	assert.Equal(t, "(updated_at, id) > ($1, $2)", RowTuple(bind, []string{"updated_at", "id"}, ">", "t", "id"))
}

func TestTupleIn(t *testing.T) {
	n := 0
	bind := func(any) string {
		n++
		return fmt.Sprintf("$%d", n)
	}
	rows := [][]any{{"a", "h1"}, {"b", "h2"}}
	assert.Equal(t, "(external_id, data_hash) NOT IN (($1, $2), ($3, $4))", TupleIn(bind, []string{"external_id", "data_hash"}, "NOT IN", rows))
	assert.Equal(t, "TRUE", TupleIn(bind, []string{"external_id"}, "NOT IN", nil))
	assert.Equal(t, "FALSE", TupleIn(bind, []string{"external_id"}, "IN", nil))
}
