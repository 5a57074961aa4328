package recordcount

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "record_counts"

var columns = []string{"connection_id", "environment_id", "model", "count", "size_bytes", "updated_at"}

// Repository maintains the running record tallies used for usage display and billing.
type Repository struct {
	db     database.DB
	readDB database.DB
	logger ectologger.Logger
}

// NewRepository creates a record count repository. readDB may be nil, in which case reads use db.
func NewRepository(db database.DB, readDB database.DB, logger ectologger.Logger) *Repository {
	if readDB == nil {
		readDB = db
	}
	return &Repository{
		db:     db,
		readDB: readDB,
		logger: logger,
	}
}

// IncrCount applies a signed delta inside tx. A missing row is created with the delta floored at zero;
// an existing row never drops below zero.
func (r *Repository) IncrCount(ctx context.Context, tx database.Tx, delta models.CountDelta) (*models.RecordCount, error) {
	ctx, span := tracing.StartSpan(ctx, "recordcount.Repository.IncrCount")
	defer span.End()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("connection_id", "environment_id", "model", "count", "size_bytes")
	ib.Values(delta.ConnectionID, delta.EnvironmentID, delta.Model, max(delta.Delta, 0), max(delta.DeltaSizeBytes, 0))
	ib.SQL(fmt.Sprintf("ON CONFLICT (connection_id, environment_id, model) DO UPDATE SET count = GREATEST(0, %[1]s.count + %[2]s), size_bytes = GREATEST(0, %[1]s.size_bytes + %[3]s), updated_at = NOW()",
		table, ib.Var(delta.Delta), ib.Var(delta.DeltaSizeBytes)))
	ib.SQL("RETURNING " + strings.Join(columns, ", "))

	query, args := ib.Build()
	var count models.RecordCount
	if err := tx.GetContext(ctx, &count, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id":    delta.ConnectionID,
			"environment_id":   delta.EnvironmentID,
			"model":            delta.Model,
			"delta":            delta.Delta,
			"delta_size_bytes": delta.DeltaSizeBytes,
		}).Error("Failed to increment record count")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to increment record count: %v", err)
	}

	return &count, nil
}

// DeleteCount removes the tally row inside tx.
func (r *Repository) DeleteCount(ctx context.Context, tx database.Tx, connectionID, environmentID int64, model string) error {
	ctx, span := tracing.StartSpan(ctx, "recordcount.Repository.DeleteCount")
	defer span.End()

	delb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	delb.DeleteFrom(table)
	delb.Where(
		delb.Equal("connection_id", connectionID),
		delb.Equal("environment_id", environmentID),
		delb.Equal("model", model),
	)

	query, args := delb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id":  connectionID,
			"environment_id": environmentID,
			"model":          model,
		}).Error("Failed to delete record count")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to delete record count: %v", err)
	}
	return nil
}

// DeleteRecordCount removes the tally row in its own transaction.
func (r *Repository) DeleteRecordCount(ctx context.Context, connectionID, environmentID int64, model string) error {
	return database.WithTx(ctx, r.db, nil, func(ctx context.Context, tx database.Tx) error {
		return r.DeleteCount(ctx, tx, connectionID, environmentID, model)
	})
}

// GetRecordCountsByModel returns the tallies of a connection keyed by model.
func (r *Repository) GetRecordCountsByModel(ctx context.Context, connectionID, environmentID int64) (map[string]models.RecordCount, error) {
	ctx, span := tracing.StartSpan(ctx, "recordcount.Repository.GetRecordCountsByModel")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("connection_id", connectionID),
		sb.Equal("environment_id", environmentID),
	)
	sb.OrderBy("model")

	query, args := sb.Build()
	var counts []models.RecordCount
	if err := r.readDB.SelectContext(ctx, &counts, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id":  connectionID,
			"environment_id": environmentID,
		}).Error("Failed to get record counts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record counts")
	}

	byModel := make(map[string]models.RecordCount, len(counts))
	for _, count := range counts {
		byModel[count.Model] = count
	}
	return byModel, nil
}

// CountMetric sums the tallies of the given environments. No environments means all of them.
func (r *Repository) CountMetric(ctx context.Context, environmentIDs []int64) (*models.CountMetric, error) {
	ctx, span := tracing.StartSpan(ctx, "recordcount.Repository.CountMetric")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COALESCE(SUM(count), 0) AS count", "COALESCE(SUM(size_bytes), 0) AS size_bytes")
	sb.From(table)
	if len(environmentIDs) > 0 {
		sb.Where(sb.In("environment_id", sqlbuilder.Flatten(environmentIDs)...))
	}

	query, args := sb.Build()
	metric := &models.CountMetric{}
	if err := r.readDB.GetContext(ctx, metric, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return metric, nil
		}
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"environment_ids": environmentIDs}).Error("Failed to get record count metric")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record count metric")
	}
	return metric, nil
}

// PaginateCounts walks the tallies of the given environments in (connection_id, environment_id, model)
// order, calling fn once per page. No environments means all of them. Returning an error from fn stops the walk.
func (r *Repository) PaginateCounts(ctx context.Context, environmentIDs []int64, batchSize int, fn func([]models.RecordCount) error) error {
	ctx, span := tracing.StartSpan(ctx, "recordcount.Repository.PaginateCounts")
	defer span.End()

	if batchSize <= 0 {
		batchSize = 1000
	}

	keyset := []string{"connection_id", "environment_id", "model"}
	var last *models.RecordCount
	for {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select(columns...)
		sb.From(table)
		var where []string
		if len(environmentIDs) > 0 {
			where = append(where, sb.In("environment_id", sqlbuilder.Flatten(environmentIDs)...))
		}
		if last != nil {
			where = append(where, database.RowTuple(sb.Var, keyset, ">", last.ConnectionID, last.EnvironmentID, last.Model))
		}
		if len(where) > 0 {
			sb.Where(where...)
		}
		sb.OrderBy(keyset...)
		sb.Limit(batchSize)

		query, args := sb.Build()
		var page []models.RecordCount
		if err := r.readDB.SelectContext(ctx, &page, query, args...); err != nil {
			tracing.RecordError(span, err)
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"environment_ids": environmentIDs}).Error("Failed to paginate record counts")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to paginate record counts")
		}

		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < batchSize {
			return nil
		}
		last = &page[len(page)-1]
	}
}
