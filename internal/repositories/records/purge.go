package records

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type PurgeParams struct {
	ConnectionID  int64
	EnvironmentID int64
	Model         string
	SyncID        string
	Limit         int
}

// DeleteRecordsBySyncID hard deletes every record written by a sync in batches of Limit,
// each batch in its own transaction, then drops the record count row.
func (r *Repository) DeleteRecordsBySyncID(ctx context.Context, params PurgeParams) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.DeleteRecordsBySyncID",
		attribute.Int64("connection_id", params.ConnectionID),
		attribute.String("model", params.Model),
	)
	defer span.End()

	if params.Model == "" {
		return 0, ErrMissingModel
	}
	limit := params.Limit
	if limit <= 0 {
		limit = r.cfg.PurgeBatchSize
	}

	log := r.logger.WithContext(ctx).WithFields(logFields(params.ConnectionID, params.Model)).WithFields(map[string]any{
		"environment_id": params.EnvironmentID,
		"sync_id":        params.SyncID,
	})

	var total int64
	for {
		var deleted int64
		err := database.WithTx(ctx, r.db, nil, func(ctx context.Context, tx database.Tx) error {
			if err := r.lock(ctx, tx, params.ConnectionID, params.Model); err != nil {
				return err
			}
			var err error
			deleted, err = r.purgeBatch(ctx, tx, params, limit)
			return err
		})
		if err != nil {
			tracing.RecordError(span, err)
			log.WithError(err).WithFields(map[string]any{"deleted": total}).Error("Failed to delete records by sync id")
			return total, storageError(fmt.Sprintf("failed to delete records for sync %s", params.SyncID), err)
		}

		total += deleted
		if deleted < int64(limit) {
			break
		}
	}

	if err := r.counts.DeleteRecordCount(ctx, params.ConnectionID, params.EnvironmentID, params.Model); err != nil {
		tracing.RecordError(span, err)
		return total, err
	}

	log.WithFields(map[string]any{"deleted": total}).Info("Deleted records by sync id")
	span.SetAttributes(attribute.Int64("deleted", total))
	return total, nil
}

func (r *Repository) purgeBatch(ctx context.Context, tx database.Tx, params PurgeParams, limit int) (int64, error) {
	sub := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sub.Select("id")
	sub.From(table)
	sub.Where(
		sub.Equal("connection_id", params.ConnectionID),
		sub.Equal("model", params.Model),
		sub.Equal("sync_id", params.SyncID),
	)
	sub.Limit(limit)

	delb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	delb.DeleteFrom(table)
	delb.Where(
		delb.Equal("connection_id", params.ConnectionID),
		delb.Equal("model", params.Model),
		delb.In("id", sub),
	)

	query, args := delb.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records batch: %w", err)
	}
	return res.RowsAffected()
}
