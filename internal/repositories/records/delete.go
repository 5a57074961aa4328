package records

import (
	"context"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/cursor"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type DeleteMode string

const (
	// DeleteModeHard removes the rows.
	DeleteModeHard DeleteMode = "hard"
	// DeleteModeSoft marks live rows as deleted and moves their cursor position.
	DeleteModeSoft DeleteMode = "soft"
	// DeleteModePrune empties the payload of unpruned rows and keeps their cursor position.
	DeleteModePrune DeleteMode = "prune"
)

func (m DeleteMode) valid() bool {
	switch m {
	case DeleteModeHard, DeleteModeSoft, DeleteModePrune:
		return true
	}
	return false
}

type DeleteParams struct {
	ConnectionID  int64
	EnvironmentID int64
	Model         string
	Mode          DeleteMode
	// Limit caps the number of affected rows. Nil means no cap.
	Limit *int
	// ToCursorIncluded stops at this position in (updated_at, id) order, inclusive.
	ToCursorIncluded string
	BatchSize        int
	// DryRun reports what would be affected without taking the lock or changing anything.
	DryRun bool
}

type DeleteResult struct {
	Count      int64  `json:"count"`
	LastCursor string `json:"last_cursor,omitempty"`
}

type deletedRow struct {
	ID        string    `db:"id"`
	UpdatedAt time.Time `db:"updated_at"`
	SizeBytes int64     `db:"size_bytes"`
	Live      bool      `db:"live"`
}

// DeleteRecords deletes, soft deletes or prunes the oldest records of a (connection, model)
// in (updated_at, id) order, up to Limit rows and ToCursorIncluded, whichever comes first.
func (r *Repository) DeleteRecords(ctx context.Context, params DeleteParams) (*DeleteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.DeleteRecords",
		attribute.Int64("connection_id", params.ConnectionID),
		attribute.Int64("environment_id", params.EnvironmentID),
		attribute.String("model", params.Model),
		attribute.String("mode", string(params.Mode)),
		attribute.Bool("dry_run", params.DryRun),
	)
	defer span.End()

	if params.Model == "" {
		return nil, ErrMissingModel
	}
	if !params.Mode.valid() {
		return nil, ErrInvalidMode
	}
	if params.Limit != nil && *params.Limit <= 0 {
		return nil, ErrInvalidLimit
	}

	var upTo *cursor.Cursor
	if params.ToCursorIncluded != "" {
		c, err := cursor.Decode(params.ToCursorIncluded)
		if err != nil {
			return nil, err
		}
		upTo = &c
	}

	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}

	result := &DeleteResult{}
	err := database.WithTx(ctx, r.db, nil, func(ctx context.Context, tx database.Tx) error {
		if !params.DryRun {
			if err := r.lock(ctx, tx, params.ConnectionID, params.Model); err != nil {
				return err
			}
		}

		var after *cursor.Cursor
		var live, size int64
		for {
			toDelete := batchSize
			if params.Limit != nil {
				toDelete = min(batchSize, *params.Limit-int(result.Count))
			}
			if toDelete <= 0 {
				break
			}

			rows, err := r.deleteBatch(ctx, tx, params, upTo, after, toDelete)
			if err != nil {
				return err
			}

			var last *deletedRow
			for i := range rows {
				row := &rows[i]
				size += row.SizeBytes
				if row.Live {
					live++
				}
				if last == nil || row.UpdatedAt.After(last.UpdatedAt) || (row.UpdatedAt.Equal(last.UpdatedAt) && row.ID > last.ID) {
					last = row
				}
			}
			result.Count += int64(len(rows))
			if last != nil {
				result.LastCursor = cursor.Encode(last.UpdatedAt, last.ID)
				c := cursor.New(last.UpdatedAt, last.ID)
				after = &c
			}

			if len(rows) < toDelete {
				break
			}
		}

		if params.DryRun {
			return nil
		}

		delta := -live
		if params.Mode == DeleteModePrune {
			delta = 0
		}
		count, err := r.counts.IncrCount(ctx, tx, models.CountDelta{
			ConnectionID:   params.ConnectionID,
			EnvironmentID:  params.EnvironmentID,
			Model:          params.Model,
			Delta:          delta,
			DeltaSizeBytes: -size,
		})
		if err != nil {
			return err
		}
		if count.Count == 0 {
			return r.counts.DeleteCount(ctx, tx, params.ConnectionID, params.EnvironmentID, params.Model)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(logFields(params.ConnectionID, params.Model)).WithFields(map[string]any{
			"environment_id": params.EnvironmentID,
			"mode":           params.Mode,
		}).Error("Failed to delete records")
		return nil, storageError(fmt.Sprintf("failed to delete records connection %d, model %s", params.ConnectionID, params.Model), err)
	}

	span.SetAttributes(attribute.Int64("deleted", result.Count))
	return result, nil
}

// deleteBatch affects the next toDelete rows. after only applies to dry runs, where
// nothing changes between batches and the walk must move forward on its own.
func (r *Repository) deleteBatch(ctx context.Context, tx database.Tx, params DeleteParams, upTo, after *cursor.Cursor, toDelete int) ([]deletedRow, error) {
	target := sqlbuilder.PostgreSQL.NewSelectBuilder()
	target.Select("id", "updated_at", "pg_column_size(json) AS size_bytes", "deleted_at IS NULL AS live")
	target.From(table)
	where := []string{
		target.Equal("connection_id", params.ConnectionID),
		target.Equal("model", params.Model),
	}
	if upTo != nil {
		where = append(where, database.RowTuple(target.Var, []string{"updated_at", "id"}, "<=", upTo.Sort, upTo.ID))
	}
	if params.DryRun && after != nil {
		where = append(where, database.RowTuple(target.Var, []string{"updated_at", "id"}, ">", after.Sort, after.ID))
	}
	switch params.Mode {
	case DeleteModeSoft:
		where = append(where, target.IsNull("deleted_at"))
	case DeleteModePrune:
		where = append(where, target.IsNull("pruned_at"))
	}
	target.Where(where...)
	target.OrderBy("updated_at", "id")
	target.Limit(toDelete)

	var builder sqlbuilder.Builder
	switch {
	case params.DryRun:
		builder = target
	case params.Mode == DeleteModePrune:
		// updated_at is left alone so the pruned row keeps its cursor position
		builder = sqlbuilder.Buildf(`WITH target AS (%v)
			UPDATE records SET pruned_at = clock_timestamp(), json = '{}'::jsonb
			FROM target
			WHERE records.connection_id = %v AND records.model = %v AND records.id = target.id
			RETURNING records.id, target.updated_at, target.size_bytes - pg_column_size(records.json) AS size_bytes, target.live`,
			target, params.ConnectionID, params.Model)
	case params.Mode == DeleteModeSoft:
		builder = sqlbuilder.Buildf(`WITH target AS (%v)
			UPDATE records SET deleted_at = statement_timestamp(), updated_at = statement_timestamp()
			FROM target
			WHERE records.connection_id = %v AND records.model = %v AND records.id = target.id
			RETURNING records.id, target.updated_at, target.size_bytes, target.live`,
			target, params.ConnectionID, params.Model)
	default:
		builder = sqlbuilder.Buildf(`WITH target AS (%v)
			DELETE FROM records
			USING target
			WHERE records.connection_id = %v AND records.model = %v AND records.id = target.id
			RETURNING records.id, target.updated_at, target.size_bytes, target.live`,
			target, params.ConnectionID, params.Model)
	}

	query, args := builder.BuildWithFlavor(sqlbuilder.PostgreSQL)
	var rows []deletedRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to %s delete records batch: %w", params.Mode, err)
	}
	return rows, nil
}
