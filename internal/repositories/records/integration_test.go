package records_test

import (
	"context"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/recordcount"
	"github.com/Ramsey-B/fern/internal/repositories/records"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/format"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
)

const environmentID = 99

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getTestDB(t *testing.T) database.DB {
	if testing.Short() || os.Getenv("DB_HOST") == "" {
		t.Skip("DB_HOST not set, skipping integration test")
	}

	cfg := database.ConnectionConfig{
		Host:     os.Getenv("DB_HOST"),
		Port:     envOr("DB_PORT", "5432"),
		User:     envOr("DB_USER_NAME", "user"),
		Password: envOr("DB_PASSWORD", "password"),
		Name:     envOr("DB_NAME", "fern"),
	}
	logger := logging.Discard()
	db, err := database.Connect(context.Background(), cfg, logger)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: "../../../db/pg"})
	require.NoError(t, migrations.MigratePostgres(db.SQLX().DB, cfg.Name))

	return db
}

type fixture struct {
	repo         *records.Repository
	counts       *recordcount.Repository
	connectionID int64
	syncID       string
}

func newFixture(t *testing.T) *fixture {
	db := getTestDB(t)
	logger := logging.Discard()
	counts := recordcount.NewRepository(db, nil, logger)
	return &fixture{
		repo:         records.NewRepository(db, nil, counts, nil, logger, records.DefaultConfig()),
		counts:       counts,
		connectionID: rand.Int64N(1 << 30),
		syncID:       uuid.NewString(),
	}
}

func (f *fixture) upsert(t *testing.T, generation int64, data ...map[string]any) *models.UpsertSummary {
	t.Helper()
	formatted, err := format.FormatRecords(format.Params{
		Data:         data,
		ConnectionID: f.connectionID,
		Model:        "Issue",
		SyncID:       f.syncID,
		SyncJobID:    generation,
	})
	require.NoError(t, err)

	summary, err := f.repo.Upsert(context.Background(), records.UpsertParams{
		Records:       formatted,
		ConnectionID:  f.connectionID,
		EnvironmentID: environmentID,
		Model:         "Issue",
	})
	require.NoError(t, err)
	return summary
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	counts, err := f.counts.GetRecordCountsByModel(context.Background(), f.connectionID, environmentID)
	require.NoError(t, err)
	return counts["Issue"].Count
}

func TestRecordsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := map[string]any{"id": "A", "title": "first"}
	b := map[string]any{"id": "B", "title": "second"}
	c := map[string]any{"id": "C", "title": "third"}

	// A: initial insert
	summary := f.upsert(t, 1, a, b, c)
	assert.Equal(t, []string{"A", "B", "C"}, summary.AddedKeys)
	assert.Equal(t, int64(3), f.count(t))

	// B: changed content
	summary = f.upsert(t, 1, map[string]any{"id": "B", "title": "second, edited"})
	assert.Equal(t, []string{"B"}, summary.UpdatedKeys)
	assert.Empty(t, summary.AddedKeys)
	assert.Equal(t, int64(3), f.count(t))

	// replaying the same content changes nothing and keeps the cursor position
	before, err := f.repo.GetCursor(ctx, f.connectionID, "Issue", records.OffsetLast)
	require.NoError(t, err)
	summary = f.upsert(t, 1, map[string]any{"id": "B", "title": "second, edited"})
	assert.Equal(t, []string{"B"}, summary.UnchangedKeys)
	after, err := f.repo.GetCursor(ctx, f.connectionID, "Issue", records.OffsetLast)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// C: a full refresh at generation 2 only sees A and B
	f.upsert(t, 2, a, map[string]any{"id": "B", "title": "second, edited"})
	deleted, err := f.repo.MarkPreviousGenerationRecordsAsDeleted(ctx, records.SweepParams{
		ConnectionID:  f.connectionID,
		EnvironmentID: environmentID,
		Model:         "Issue",
		SyncID:        f.syncID,
		Generation:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, deleted)
	assert.Equal(t, int64(2), f.count(t))

	page, err := f.repo.GetRecords(ctx, records.GetRecordsParams{ConnectionID: f.connectionID, Model: "Issue", Filter: "DELETED"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "C", page.Records[0]["id"])

	// D: walk the pages one record at a time
	var seen []string
	var last models.RecordMetadata
	cursor := ""
	for {
		page, err := f.repo.GetRecords(ctx, records.GetRecordsParams{ConnectionID: f.connectionID, Model: "Issue", Limit: "1", Cursor: cursor})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		seen = append(seen, page.Records[0]["id"].(string))
		last = page.Records[0][models.MetadataKey].(models.RecordMetadata)
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}
	assert.Equal(t, []string{"A", "B", "C"}, seen)
	assert.Equal(t, models.LastActionDeleted, last.LastAction)
}

func TestUpsert_DuplicatesInBatch(t *testing.T) {
	f := newFixture(t)

	summary := f.upsert(t, 1,
		map[string]any{"id": "A", "v": 1},
		map[string]any{"id": "B", "v": 1},
		map[string]any{"id": "A", "v": 2},
	)
	assert.Equal(t, []string{"A", "B"}, summary.AddedKeys)
	assert.Equal(t, []string{"A"}, summary.NonUniqueKeys)
	assert.Equal(t, int64(2), f.count(t))

	page, err := f.repo.GetRecords(context.Background(), records.GetRecordsParams{
		ConnectionID: f.connectionID,
		Model:        "Issue",
		ExternalIDs:  []string{"A"},
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.EqualValues(t, 2, page.Records[0]["v"])
}

func TestSoftDeleteAndRevive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, 1, map[string]any{"id": "A"}, map[string]any{"id": "B"})

	formatted, err := format.FormatRecords(format.Params{
		Data:         []map[string]any{{"id": "A"}},
		ConnectionID: f.connectionID,
		Model:        "Issue",
		SyncID:       f.syncID,
		SyncJobID:    1,
		SoftDelete:   true,
	})
	require.NoError(t, err)
	summary, err := f.repo.Upsert(ctx, records.UpsertParams{
		Records: formatted, ConnectionID: f.connectionID, EnvironmentID: environmentID, Model: "Issue", SoftDelete: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, summary.DeletedKeys)
	assert.Equal(t, int64(1), f.count(t))

	summary = f.upsert(t, 1, map[string]any{"id": "A"})
	assert.Equal(t, []string{"A"}, summary.AddedKeys)
	assert.Equal(t, int64(2), f.count(t))

	result, err := f.repo.DeleteRecords(ctx, records.DeleteParams{
		ConnectionID: f.connectionID, EnvironmentID: environmentID, Model: "Issue", Mode: records.DeleteModeHard,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Count)
	assert.Equal(t, int64(0), f.count(t))
}
