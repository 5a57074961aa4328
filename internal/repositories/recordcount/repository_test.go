package recordcount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
)

func newTestRepository(t *testing.T) (*Repository, database.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := logging.Discard()
	db := database.NewDatabaseInstance(sqlx.NewDb(mockDB, "postgres"), logger)
	return NewRepository(db, nil, logger), db, mock
}

func countRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"connection_id", "environment_id", "model", "count", "size_bytes", "updated_at"})
}

func TestIncrCount(t *testing.T) {
	repo, db, mock := newTestRepository(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO record_counts .* ON CONFLICT \(connection_id, environment_id, model\) DO UPDATE SET count = GREATEST\(0, record_counts.count \+ \$6\)`).
		WithArgs(int64(1), int64(7), "Issue", int64(0), int64(0), int64(-2), int64(-64)).
		WillReturnRows(countRows().AddRow(int64(1), int64(7), "Issue", int64(1), int64(100), now))
	mock.ExpectCommit()

	var count *models.RecordCount
	err := database.WithTx(context.Background(), db, nil, func(ctx context.Context, tx database.Tx) error {
		var err error
		count, err = repo.IncrCount(ctx, tx, models.CountDelta{ConnectionID: 1, EnvironmentID: 7, Model: "Issue", Delta: -2, DeltaSizeBytes: -64})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count.Count)
	assert.Equal(t, int64(100), count.SizeBytes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrCount_Error(t *testing.T) {
	repo, db, mock := newTestRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO record_counts`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := database.WithTx(context.Background(), db, nil, func(ctx context.Context, tx database.Tx) error {
		_, err := repo.IncrCount(ctx, tx, models.CountDelta{ConnectionID: 1, EnvironmentID: 7, Model: "Issue", Delta: 3})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to increment record count")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRecordCount(t *testing.T) {
	repo, _, mock := newTestRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM record_counts WHERE connection_id = \$1 AND environment_id = \$2 AND model = \$3`).
		WithArgs(int64(1), int64(7), "Issue").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteRecordCount(context.Background(), 1, 7, "Issue"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecordCountsByModel(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM record_counts WHERE connection_id = \$1 AND environment_id = \$2 ORDER BY model`).
		WithArgs(int64(1), int64(7)).
		WillReturnRows(countRows().
			AddRow(int64(1), int64(7), "Issue", int64(3), int64(300), now).
			AddRow(int64(1), int64(7), "User", int64(10), int64(900), now))

	counts, err := repo.GetRecordCountsByModel(context.Background(), 1, 7)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, int64(3), counts["Issue"].Count)
	assert.Equal(t, int64(900), counts["User"].SizeBytes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountMetric(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	metricRows := func(count, size int64) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"count", "size_bytes"}).AddRow(count, size)
	}

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(count\), 0\) AS count, COALESCE\(SUM\(size_bytes\), 0\) AS size_bytes FROM record_counts WHERE environment_id IN \(\$1, \$2\)`).
		WithArgs(int64(7), int64(8)).
		WillReturnRows(metricRows(13, 1200))

	metric, err := repo.CountMetric(context.Background(), []int64{7, 8})
	require.NoError(t, err)
	assert.Equal(t, models.CountMetric{Count: 13, SizeBytes: 1200}, *metric)

	// no environments sums everything
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(count\), 0\) AS count, COALESCE\(SUM\(size_bytes\), 0\) AS size_bytes FROM record_counts$`).
		WillReturnRows(metricRows(40, 5000))

	metric, err = repo.CountMetric(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.CountMetric{Count: 40, SizeBytes: 5000}, *metric)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaginateCounts(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM record_counts WHERE environment_id IN \(\$1\) ORDER BY connection_id, environment_id, model LIMIT`).
		WillReturnRows(countRows().
			AddRow(int64(1), int64(7), "Issue", int64(3), int64(0), now).
			AddRow(int64(1), int64(7), "User", int64(4), int64(0), now))
	mock.ExpectQuery(`SELECT .* FROM record_counts WHERE environment_id IN \(\$1\) AND \(connection_id, environment_id, model\) > \(\$2, \$3, \$4\) ORDER BY connection_id, environment_id, model LIMIT`).
		WithArgs(int64(7), int64(1), int64(7), "User", int64(2)).
		WillReturnRows(countRows().AddRow(int64(2), int64(7), "Issue", int64(5), int64(0), now))

	var seen []string
	err := repo.PaginateCounts(context.Background(), []int64{7}, 2, func(page []models.RecordCount) error {
		for _, c := range page {
			seen = append(seen, c.Model)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Issue", "User", "Issue"}, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaginateCounts_AllEnvironments(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	now := time.Now().UTC()

	// one connection may hold the same model in two environments
	mock.ExpectQuery(`SELECT .* FROM record_counts ORDER BY connection_id, environment_id, model LIMIT`).
		WillReturnRows(countRows().
			AddRow(int64(1), int64(7), "Issue", int64(3), int64(10), now).
			AddRow(int64(1), int64(8), "Issue", int64(4), int64(20), now))
	mock.ExpectQuery(`SELECT .* FROM record_counts WHERE \(connection_id, environment_id, model\) > \(\$1, \$2, \$3\) ORDER BY connection_id, environment_id, model LIMIT`).
		WithArgs(int64(1), int64(8), "Issue", int64(2)).
		WillReturnRows(countRows())

	var envs []int64
	err := repo.PaginateCounts(context.Background(), nil, 2, func(page []models.RecordCount) error {
		for _, c := range page {
			envs = append(envs, c.EnvironmentID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, envs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaginateCounts_StopsOnCallbackError(t *testing.T) {
	repo, _, mock := newTestRepository(t)

	mock.ExpectQuery(`FROM record_counts`).
		WillReturnRows(countRows().AddRow(int64(1), int64(7), "Issue", int64(3), int64(0), time.Now()))

	boom := errors.New("boom")
	err := repo.PaginateCounts(context.Background(), nil, 1, func([]models.RecordCount) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
