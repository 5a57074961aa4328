package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/cursor"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	OffsetFirst = "first"
	OffsetLast  = "last"
)

type GetRecordsParams struct {
	ConnectionID int64
	Model        string
	// ModifiedAfter is an RFC3339 timestamp; only rows with updated_at >= it are returned.
	ModifiedAfter string
	// Limit is the raw page size as received, defaulting to 100 and capped at Config.MaxLimit.
	Limit string
	// Filter is a comma separated list of ADDED, UPDATED and DELETED.
	Filter      string
	Cursor      string
	ExternalIDs []string
}

type recordRow struct {
	ID         string         `db:"id"`
	ExternalID string         `db:"external_id"`
	JSON       database.JSONB `db:"json"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
	DeletedAt  *time.Time     `db:"deleted_at"`
	PrunedAt   *time.Time     `db:"pruned_at"`
	LastAction string         `db:"last_action"`
	Partition  string         `db:"partition"`
}

var modifiedAfterLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// GetRecords returns one page of records in (updated_at, id) order from the read pool.
func (r *Repository) GetRecords(ctx context.Context, params GetRecordsParams) (*models.GetRecordsResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.GetRecords",
		attribute.Int64("connection_id", params.ConnectionID),
		attribute.String("model", params.Model),
	)
	defer span.End()

	if params.Model == "" {
		return nil, ErrMissingModel
	}

	limit := r.cfg.DefaultLimit
	if params.Limit != "" {
		n, err := strconv.Atoi(strings.TrimSpace(params.Limit))
		if err != nil || n <= 0 || n > r.cfg.MaxLimit {
			return nil, ErrInvalidLimit
		}
		limit = n
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"id", "external_id", "json", "created_at", "updated_at", "deleted_at", "pruned_at",
		"CASE WHEN deleted_at IS NOT NULL THEN 'DELETED' WHEN created_at = updated_at THEN 'ADDED' ELSE 'UPDATED' END AS last_action",
		"tableoid::regclass::text AS partition",
	)
	sb.From(table)
	where := []string{
		sb.Equal("connection_id", params.ConnectionID),
		sb.Equal("model", params.Model),
	}

	if params.Cursor != "" {
		c, err := cursor.Decode(params.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, database.RowTuple(sb.Var, []string{"updated_at", "id"}, ">", c.Sort, c.ID))
	}

	if params.ModifiedAfter != "" {
		modifiedAfter, err := parseTimestamp(params.ModifiedAfter)
		if err != nil {
			return nil, err
		}
		where = append(where, sb.GreaterEqualThan("updated_at", modifiedAfter))
	}

	if params.ExternalIDs != nil {
		ids := make([]string, len(params.ExternalIDs))
		for i, id := range params.ExternalIDs {
			// Postgres text cannot hold NUL bytes
			ids[i] = strings.ReplaceAll(id, "\x00", "")
		}
		if len(ids) == 0 {
			return &models.GetRecordsResponse{Records: []models.ReturnedRecord{}}, nil
		}
		where = append(where, sb.In("external_id", sqlbuilder.Flatten(ids)...))
	}

	if condition := filterCondition(ParseFilter(params.Filter)); condition != "" {
		where = append(where, condition)
	}

	sb.Where(where...)
	sb.OrderBy("updated_at", "id")
	sb.Limit(limit + 1)

	query, args := sb.Build()
	var rows []recordRow
	err := r.withReadTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return tx.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(logFields(params.ConnectionID, params.Model)).Error("Failed to list records")
		return nil, storageError(fmt.Sprintf("list records error for model %s", params.Model), err)
	}

	if len(rows) > 0 && rows[0].Partition != "" {
		span.SetAttributes(attribute.String("partition", rows[0].Partition))
	}

	var nextCursor *string
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next := cursor.Encode(last.UpdatedAt, last.ID)
		nextCursor = &next
	}

	records := make([]models.ReturnedRecord, 0, len(rows))
	for _, row := range rows {
		record, err := r.toReturnedRecord(row)
		if err != nil {
			tracing.RecordError(span, err)
			r.logger.WithContext(ctx).WithError(err).WithFields(logFields(params.ConnectionID, params.Model)).Error("Failed to decode record")
			return nil, storageError(fmt.Sprintf("list records error for model %s", params.Model), err)
		}
		records = append(records, record)
	}

	return &models.GetRecordsResponse{Records: records, NextCursor: nextCursor}, nil
}

// GetCursor returns the cursor of the first or last record, or "" when there are none.
func (r *Repository) GetCursor(ctx context.Context, connectionID int64, model, offset string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.GetCursor",
		attribute.Int64("connection_id", connectionID),
		attribute.String("model", model),
		attribute.String("offset", offset),
	)
	defer span.End()

	if model == "" {
		return "", ErrMissingModel
	}

	var order []string
	switch offset {
	case OffsetFirst:
		order = []string{"updated_at ASC", "id ASC"}
	case OffsetLast:
		order = []string{"updated_at DESC", "id DESC"}
	default:
		return "", ErrInvalidOffset
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "updated_at")
	sb.From(table)
	sb.Where(
		sb.Equal("connection_id", connectionID),
		sb.Equal("model", model),
	)
	sb.OrderBy(order...)
	sb.Limit(1)

	query, args := sb.Build()
	var row struct {
		ID        string    `db:"id"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := r.withReadTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return tx.GetContext(ctx, &row, query, args...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(logFields(connectionID, model)).Error("Failed to get cursor")
		return "", storageError(fmt.Sprintf("error getting cursor for offset %s", offset), err)
	}

	return cursor.Encode(row.UpdatedAt, row.ID), nil
}

// withReadTx runs fn in a read-only transaction on the read pool with a statement timeout.
func (r *Repository) withReadTx(ctx context.Context, fn func(ctx context.Context, tx database.Tx) error) error {
	return database.WithTx(ctx, r.readDB, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx database.Tx) error {
		timeout := fmt.Sprintf("SET LOCAL statement_timeout = %d", r.cfg.ReadTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, timeout); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func (r *Repository) toReturnedRecord(row recordRow) (models.ReturnedRecord, error) {
	data, err := r.encryptor.Decrypt(row.JSON.RawMessage())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record %s: %w", row.ExternalID, err)
	}

	record := models.ReturnedRecord{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", row.ExternalID, err)
		}
		if record == nil {
			record = models.ReturnedRecord{}
		}
	}

	// pruned payloads are empty, the id always comes from the row
	record["id"] = row.ExternalID
	record[models.MetadataKey] = models.RecordMetadata{
		FirstSeenAt:    row.CreatedAt,
		LastModifiedAt: row.UpdatedAt,
		LastAction:     models.LastAction(row.LastAction),
		DeletedAt:      row.DeletedAt,
		PrunedAt:       row.PrunedAt,
		Cursor:         cursor.Encode(row.UpdatedAt, row.ID),
	}
	return record, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range modifiedAfterLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrInvalidTimestamp
}
