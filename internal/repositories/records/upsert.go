package records

import (
	"context"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/cursor"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/uniquekey"
)

// Row statuses computed by comparing the upserted row with its pre-image.
const (
	StatusInserted  = "inserted"
	StatusChanged   = "changed"
	StatusUndeleted = "undeleted"
	StatusDeleted   = "deleted"
	StatusUnchanged = "unchanged"
)

var (
	conflictColumns = []string{"connection_id", "external_id", "model"}
	insertColumns   = []string{"id", "connection_id", "model", "external_id", "json", "data_hash", "sync_id", "sync_job_id", "deleted_at"}
	// id is kept on conflict so cursors handed out earlier stay valid.
	overwriteColumns = []string{"json", "data_hash", "sync_id", "sync_job_id"}
	returningColumns = []string{"id", "external_id", "data_hash", "deleted_at", "updated_at", "pg_column_size(json) AS size_bytes", "tableoid::regclass::text AS partition"}
)

type UpsertParams struct {
	Records       []models.FormattedRecord
	ConnectionID  int64
	EnvironmentID int64
	Model         string
	SoftDelete    bool
	Merging       models.MergingStrategy
}

type upsertRow struct {
	ID                string     `db:"id"`
	ExternalID        string     `db:"external_id"`
	UpdatedAt         time.Time  `db:"updated_at"`
	PreviousUpdatedAt *time.Time `db:"previous_updated_at"`
	SizeBytes         int64      `db:"size_bytes"`
	PreviousSizeBytes *int64     `db:"previous_size_bytes"`
	Status            string     `db:"status"`
	Partition         string     `db:"partition"`
}

func (row upsertRow) sizeDelta() int64 {
	if row.PreviousSizeBytes == nil {
		return row.SizeBytes
	}
	return row.SizeBytes - *row.PreviousSizeBytes
}

// Upsert writes a batch for one (connection, model) in a single transaction and reports
// how every row changed. Duplicate external ids in the batch are resolved last-wins.
func (r *Repository) Upsert(ctx context.Context, params UpsertParams) (*models.UpsertSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.Upsert",
		attribute.Int64("connection_id", params.ConnectionID),
		attribute.String("model", params.Model),
		attribute.Bool("soft_delete", params.SoftDelete),
	)
	defer span.End()

	if params.Model == "" {
		return nil, ErrMissingModel
	}

	merging := normalizeMerging(params.Merging)
	gate, err := mergeGate(merging)
	if err != nil {
		return nil, err
	}

	unique, nonUniqueKeys := uniquekey.RemoveDuplicateKey(params.Records, func(record models.FormattedRecord) string {
		return record.ExternalID
	})
	if len(unique) == 0 {
		return nil, noRecordsError(params.Model, len(params.Records))
	}

	summary := models.NewUpsertSummary(nonUniqueKeys, merging)
	now := r.now()
	var sizeDelta int64

	err = database.WithTx(ctx, r.db, nil, func(ctx context.Context, tx database.Tx) error {
		if err := r.lock(ctx, tx, params.ConnectionID, params.Model); err != nil {
			return err
		}

		for _, chunk := range chunks(unique, r.cfg.BatchSize) {
			rows, err := r.upsertChunk(ctx, tx, params.ConnectionID, params.Model, chunk, gate)
			if err != nil {
				return err
			}
			if len(rows) > 0 && rows[0].Partition != "" {
				span.SetAttributes(attribute.String("partition", rows[0].Partition))
			}

			applyUpsertRows(summary, rows, params.SoftDelete, now)
			for _, row := range rows {
				sizeDelta += row.sizeDelta()
			}
		}

		_, err := r.counts.IncrCount(ctx, tx, models.CountDelta{
			ConnectionID:   params.ConnectionID,
			EnvironmentID:  params.EnvironmentID,
			Model:          params.Model,
			Delta:          int64(len(summary.AddedKeys) - len(summary.DeletedKeys)),
			DeltaSizeBytes: sizeDelta,
		})
		return err
	})
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(logFields(params.ConnectionID, params.Model)).WithFields(map[string]any{
			"soft_delete": params.SoftDelete,
			"records":     len(unique),
		}).Error("Failed to upsert records")
		return nil, writeError("upsert", params.Model, params.ConnectionID, len(unique), err)
	}

	return summary, nil
}

func (r *Repository) upsertChunk(ctx context.Context, tx database.Tx, connectionID int64, model string, chunk []models.FormattedRecord, gate *cursor.Cursor) ([]upsertRow, error) {
	encrypted, err := r.encrypt(chunk)
	if err != nil {
		return nil, err
	}

	existing := sqlbuilder.PostgreSQL.NewSelectBuilder()
	existing.Select("external_id", "data_hash", "deleted_at", "updated_at", "pg_column_size(json) AS size_bytes")
	existing.From(table)
	existing.Where(
		existing.Equal("connection_id", connectionID),
		existing.Equal("model", model),
		existing.In("external_id", sqlbuilder.Flatten(externalIDs(chunk))...),
	)

	ib := upsertInsert(connectionID, model, encrypted, gate)

	builder := sqlbuilder.Buildf(`WITH existing AS (%v), upsert AS (%v)
		SELECT
			upsert.id,
			upsert.external_id,
			upsert.updated_at,
			existing.updated_at AS previous_updated_at,
			upsert.size_bytes,
			existing.size_bytes AS previous_size_bytes,
			CASE
				WHEN existing.external_id IS NULL THEN 'inserted'
				WHEN existing.deleted_at IS NOT NULL AND upsert.deleted_at IS NULL THEN 'undeleted'
				WHEN existing.deleted_at IS NULL AND upsert.deleted_at IS NOT NULL THEN 'deleted'
				WHEN existing.data_hash <> upsert.data_hash THEN 'changed'
				ELSE 'unchanged'
			END AS status,
			upsert.partition
		FROM upsert
		LEFT JOIN existing ON existing.external_id = upsert.external_id
		ORDER BY upsert.updated_at, upsert.id`, existing, ib)
	query, args := builder.BuildWithFlavor(sqlbuilder.PostgreSQL)

	var rows []upsertRow
	err = r.withStatementRetry(ctx, tx, func(ctx context.Context) error {
		rows = nil
		return tx.SelectContext(ctx, &rows, query, args...)
	})
	return rows, err
}

// upsertInsert builds the INSERT ... ON CONFLICT DO UPDATE shared by Upsert and Update.
func upsertInsert(connectionID int64, model string, encrypted []models.FormattedRecord, gate *cursor.Cursor) *sqlbuilder.InsertBuilder {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(insertColumns...)
	for _, record := range encrypted {
		ib.Values(record.ID, connectionID, model, record.ExternalID, database.JSONB(record.JSON), record.DataHash, record.SyncID, record.SyncJobID, record.DeletedAt)
	}

	clause := database.OnConflictDoUpdate(conflictColumns, overwriteColumns,
		// a repeated soft delete keeps the original deletion time
		"deleted_at = CASE WHEN records.deleted_at IS NOT NULL AND EXCLUDED.deleted_at IS NOT NULL THEN records.deleted_at ELSE EXCLUDED.deleted_at END",
		"pruned_at = NULL",
	)
	ib.SQL(database.WithGate(clause, gateCondition(ib.Var, gate)))
	ib.SQL(database.Returning(returningColumns...))
	return ib
}

// applyUpsertRows folds one chunk's rows into the summary. Soft deletes only report deleted keys.
func applyUpsertRows(summary *models.UpsertSummary, rows []upsertRow, softDelete bool, now time.Time) {
	for _, row := range rows {
		if softDelete {
			if row.Status == StatusDeleted {
				summary.DeletedKeys = append(summary.DeletedKeys, row.ExternalID)
			}
			continue
		}

		switch row.Status {
		case StatusInserted:
			summary.AddedKeys = append(summary.AddedKeys, row.ExternalID)
			summary.ActivatedKeys = append(summary.ActivatedKeys, row.ExternalID)
		case StatusUndeleted:
			summary.AddedKeys = append(summary.AddedKeys, row.ExternalID)
		case StatusChanged:
			summary.UpdatedKeys = append(summary.UpdatedKeys, row.ExternalID)
			if isInactiveThisMonth(row.PreviousUpdatedAt, now) {
				summary.ActivatedKeys = append(summary.ActivatedKeys, row.ExternalID)
			}
		case StatusUnchanged:
			summary.UnchangedKeys = append(summary.UnchangedKeys, row.ExternalID)
		}
	}

	if !summary.NextMerging.IsStateful() {
		return
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Status != StatusUnchanged {
			summary.NextMerging = models.MergingStrategy{
				Strategy: summary.NextMerging.Strategy,
				Cursor:   cursor.Encode(rows[i].UpdatedAt, rows[i].ID),
			}
			return
		}
	}
}

func normalizeMerging(merging models.MergingStrategy) models.MergingStrategy {
	if merging.Strategy == "" {
		merging.Strategy = models.MergeStrategyOverride
	}
	return merging
}

// mergeGate decodes the high-water mark of the stateful strategy. Other strategies have no gate.
func mergeGate(merging models.MergingStrategy) (*cursor.Cursor, error) {
	if !merging.IsStateful() || merging.Cursor == "" {
		return nil, nil
	}
	c, err := cursor.Decode(merging.Cursor)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// gateCondition only lets a conflicting row be overwritten when it is not past the cursor.
func gateCondition(bind func(any) string, gate *cursor.Cursor) string {
	if gate == nil {
		return ""
	}
	return database.RowTuple(bind, []string{"records.updated_at", "records.id"}, "<=", gate.Sort, gate.ID)
}
