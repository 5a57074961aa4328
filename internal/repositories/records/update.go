package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/cursor"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/merge"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/uniquekey"
)

type UpdateParams struct {
	Records       []models.FormattedRecord
	ConnectionID  int64
	EnvironmentID int64
	Model         string
	Merging       models.MergingStrategy
}

type storedRecord struct {
	ID         string         `db:"id"`
	ExternalID string         `db:"external_id"`
	JSON       database.JSONB `db:"json"`
	DataHash   string         `db:"data_hash"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// Update applies partial payloads to live records. Each payload is deep merged into the stored
// value; records that do not exist, are deleted or would not change are skipped.
func (r *Repository) Update(ctx context.Context, params UpdateParams) (*models.UpsertSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.Update",
		attribute.Int64("connection_id", params.ConnectionID),
		attribute.String("model", params.Model),
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
			stored, err := r.recordsToUpdate(ctx, tx, params.ConnectionID, params.Model, chunk)
			if err != nil {
				return err
			}

			merged, err := r.mergeRecords(chunk, stored)
			if err != nil {
				return err
			}
			if len(merged) == 0 {
				continue
			}

			rows, err := r.updateChunk(ctx, tx, params.ConnectionID, params.Model, merged, gate)
			if err != nil {
				return err
			}

			previous := make(map[string]time.Time, len(stored))
			for _, s := range stored {
				previous[s.ExternalID] = s.UpdatedAt
			}
			for _, row := range rows {
				summary.UpdatedKeys = append(summary.UpdatedKeys, row.ExternalID)
				if prev, ok := previous[row.ExternalID]; ok && isInactiveThisMonth(&prev, now) {
					summary.ActivatedKeys = append(summary.ActivatedKeys, row.ExternalID)
				}
				sizeDelta += row.sizeDelta()
			}
			if merging.IsStateful() && len(rows) > 0 {
				last := rows[len(rows)-1]
				summary.NextMerging = models.MergingStrategy{
					Strategy: merging.Strategy,
					Cursor:   cursor.Encode(last.UpdatedAt, last.ID),
				}
			}
		}

		if len(summary.UpdatedKeys) == 0 {
			r.logger.WithContext(ctx).WithFields(logFields(params.ConnectionID, params.Model)).WithFields(map[string]any{
				"records": len(unique),
			}).Info("No rows matched for update")
		}

		_, err := r.counts.IncrCount(ctx, tx, models.CountDelta{
			ConnectionID:   params.ConnectionID,
			EnvironmentID:  params.EnvironmentID,
			Model:          params.Model,
			DeltaSizeBytes: sizeDelta,
		})
		return err
	})
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(logFields(params.ConnectionID, params.Model)).Error("Failed to update records")
		return nil, writeError("update", params.Model, params.ConnectionID, len(unique), err)
	}

	return summary, nil
}

// recordsToUpdate loads the live rows of the chunk whose stored hash differs from the incoming one.
func (r *Repository) recordsToUpdate(ctx context.Context, tx database.Tx, connectionID int64, model string, chunk []models.FormattedRecord) ([]storedRecord, error) {
	pairs := make([][]any, len(chunk))
	for i, record := range chunk {
		pairs[i] = []any{record.ExternalID, record.DataHash}
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "external_id", "json", "data_hash", "updated_at")
	sb.From(table)
	sb.Where(
		sb.Equal("connection_id", connectionID),
		sb.Equal("model", model),
		sb.IsNull("deleted_at"),
		sb.In("external_id", sqlbuilder.Flatten(externalIDs(chunk))...),
		database.TupleIn(sb.Var, []string{"external_id", "data_hash"}, "NOT IN", pairs),
	)

	query, args := sb.Build()
	var stored []storedRecord
	if err := tx.SelectContext(ctx, &stored, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load records to update: %w", err)
	}
	return stored, nil
}

// mergeRecords deep merges each incoming payload into its stored value and re-hashes it.
// Rows whose merged value hashes the same as the stored one are dropped.
func (r *Repository) mergeRecords(chunk []models.FormattedRecord, stored []storedRecord) ([]models.FormattedRecord, error) {
	incoming := make(map[string]models.FormattedRecord, len(chunk))
	for _, record := range chunk {
		incoming[record.ExternalID] = record
	}

	merged := make([]models.FormattedRecord, 0, len(stored))
	for _, old := range stored {
		record, ok := incoming[old.ExternalID]
		if !ok {
			continue
		}

		oldData, err := r.encryptor.Decrypt(old.JSON.RawMessage())
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt record %s: %w", old.ExternalID, err)
		}

		data, err := merge.JSON(oldData, record.JSON)
		if err != nil {
			return nil, err
		}

		hash, err := fingerprint.GenerateFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to hash merged record %s: %w", old.ExternalID, err)
		}
		if !fingerprint.HasChanged(old.DataHash, hash) {
			continue
		}

		record.ID = old.ID
		record.JSON = json.RawMessage(data)
		record.DataHash = hash
		record.DeletedAt = nil
		merged = append(merged, record)
	}
	return merged, nil
}

func (r *Repository) updateChunk(ctx context.Context, tx database.Tx, connectionID int64, model string, merged []models.FormattedRecord, gate *cursor.Cursor) ([]upsertRow, error) {
	encrypted, err := r.encrypt(merged)
	if err != nil {
		return nil, err
	}

	existing := sqlbuilder.PostgreSQL.NewSelectBuilder()
	existing.Select("external_id", "updated_at", "pg_column_size(json) AS size_bytes")
	existing.From(table)
	existing.Where(
		existing.Equal("connection_id", connectionID),
		existing.Equal("model", model),
		existing.In("external_id", sqlbuilder.Flatten(externalIDs(merged))...),
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
			'changed' AS status,
			upsert.partition
		FROM upsert
		JOIN existing ON existing.external_id = upsert.external_id
		ORDER BY upsert.updated_at, upsert.id`, existing, ib)
	query, args := builder.BuildWithFlavor(sqlbuilder.PostgreSQL)

	var rows []upsertRow
	err = r.withStatementRetry(ctx, tx, func(ctx context.Context) error {
		rows = nil
		return tx.SelectContext(ctx, &rows, query, args...)
	})
	return rows, err
}
