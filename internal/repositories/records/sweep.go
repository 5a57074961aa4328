package records

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type SweepParams struct {
	ConnectionID  int64
	EnvironmentID int64
	Model         string
	SyncID        string
	// Generation is the sync job id of the run that just completed a full refresh.
	Generation int64
	BatchSize  int
}

type sweptRow struct {
	ExternalID string `db:"external_id"`
	SizeBytes  int64  `db:"size_bytes"`
}

// MarkPreviousGenerationRecordsAsDeleted soft deletes every live record of the sync that was not
// re-asserted by the given generation and returns their external ids.
func (r *Repository) MarkPreviousGenerationRecordsAsDeleted(ctx context.Context, params SweepParams) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.MarkPreviousGenerationRecordsAsDeleted",
		attribute.Int64("connection_id", params.ConnectionID),
		attribute.String("model", params.Model),
		attribute.Int64("generation", params.Generation),
	)
	defer span.End()

	if params.Model == "" {
		return nil, ErrMissingModel
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.SweepBatchSize
	}

	deleted := []string{}
	err := database.WithTx(ctx, r.db, nil, func(ctx context.Context, tx database.Tx) error {
		if err := r.lock(ctx, tx, params.ConnectionID, params.Model); err != nil {
			return err
		}

		for {
			rows, err := r.sweepBatch(ctx, tx, params, batchSize)
			if err != nil {
				return err
			}

			if len(rows) > 0 {
				var size int64
				for _, row := range rows {
					deleted = append(deleted, row.ExternalID)
					size += row.SizeBytes
				}
				if _, err := r.counts.IncrCount(ctx, tx, models.CountDelta{
					ConnectionID:   params.ConnectionID,
					EnvironmentID:  params.EnvironmentID,
					Model:          params.Model,
					Delta:          -int64(len(rows)),
					DeltaSizeBytes: -size,
				}); err != nil {
					return err
				}
			}

			if len(rows) < batchSize {
				return nil
			}
		}
	})
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(logFields(params.ConnectionID, params.Model)).WithFields(map[string]any{
			"sync_id":    params.SyncID,
			"generation": params.Generation,
		}).Error("Failed to mark previous generation records as deleted")
		return nil, storageError(fmt.Sprintf("failed to mark previous generation records as deleted for connection %d, model %s, generation %d",
			params.ConnectionID, params.Model, params.Generation), err)
	}

	span.SetAttributes(attribute.Int("deleted", len(deleted)))
	return deleted, nil
}

func (r *Repository) sweepBatch(ctx context.Context, tx database.Tx, params SweepParams, batchSize int) ([]sweptRow, error) {
	sub := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sub.Select("id")
	sub.From(table)
	sub.Where(
		sub.Equal("connection_id", params.ConnectionID),
		sub.Equal("model", params.Model),
		sub.Equal("sync_id", params.SyncID),
		sub.IsNull("deleted_at"),
		sub.LessThan("sync_job_id", params.Generation),
	)
	sub.Limit(batchSize)

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		"deleted_at = statement_timestamp()",
		"updated_at = statement_timestamp()",
		ub.Assign("sync_job_id", params.Generation),
	)
	// always scope by the partition key so the update does not scan every partition
	ub.Where(
		ub.Equal("connection_id", params.ConnectionID),
		ub.Equal("model", params.Model),
		ub.In("id", sub),
	)
	ub.SQL(database.Returning("external_id", "pg_column_size(json) AS size_bytes"))

	query, args := ub.Build()
	var rows []sweptRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to sweep records: %w", err)
	}
	return rows, nil
}
