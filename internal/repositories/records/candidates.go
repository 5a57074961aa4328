package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/cursor"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// PruningCandidate is a (connection, model) holding at least one stale unpruned record.
// Cursor is the position of that record.
type PruningCandidate struct {
	Partition     int
	EnvironmentID int64
	ConnectionID  int64
	Model         string
	Cursor        string
}

// DeletingCandidate is a (connection, model) whose count has not moved for a while.
type DeletingCandidate struct {
	EnvironmentID int64
	ConnectionID  int64
	Model         string
}

// AutoPruningCandidate looks in one random partition for a record not modified since staleAfter
// that has not been pruned yet. It returns nil when there is none.
func (r *Repository) AutoPruningCandidate(ctx context.Context, staleAfter time.Duration) (*PruningCandidate, error) {
	partition := rand.IntN(PartitionCount)
	partitionTable := fmt.Sprintf("%s_p%d", table, partition)

	ctx, span := tracing.StartSpan(ctx, "records.Repository.AutoPruningCandidate", attribute.String("partition", partitionTable))
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		partitionTable+".id",
		partitionTable+".connection_id",
		partitionTable+".model",
		partitionTable+".updated_at",
		"record_counts.environment_id",
	)
	sb.From(partitionTable)
	sb.JoinWithOption(sqlbuilder.LeftJoin, "record_counts",
		fmt.Sprintf("%[1]s.connection_id = record_counts.connection_id AND %[1]s.model = record_counts.model", partitionTable))
	sb.Where(
		sb.IsNull(partitionTable+".pruned_at"),
		sb.LessThan(partitionTable+".updated_at", r.now().Add(-staleAfter)),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var row struct {
		ID            string        `db:"id"`
		ConnectionID  int64         `db:"connection_id"`
		Model         string        `db:"model"`
		UpdatedAt     time.Time     `db:"updated_at"`
		EnvironmentID sql.NullInt64 `db:"environment_id"`
	}
	err := r.db.GetContext(ctx, &row, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows), database.IsMissingTable(err):
		return nil, nil
	case err != nil:
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to find auto-pruning candidate in partition %d: %w", partition, err)
	}

	if !row.EnvironmentID.Valid {
		return nil, fmt.Errorf("missing record_counts entry for connection_id=%d model=%s in partition %d", row.ConnectionID, row.Model, partition)
	}

	return &PruningCandidate{
		Partition:     partition,
		EnvironmentID: row.EnvironmentID.Int64,
		ConnectionID:  row.ConnectionID,
		Model:         row.Model,
		Cursor:        cursor.Encode(row.UpdatedAt, row.ID),
	}, nil
}

// AutoDeletingCandidate picks a random count row with records that has not been updated since staleAfter.
// It returns nil when there is none.
func (r *Repository) AutoDeletingCandidate(ctx context.Context, staleAfter time.Duration) (*DeletingCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "records.Repository.AutoDeletingCandidate")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("connection_id", "environment_id", "model", "count", "size_bytes", "updated_at")
	sb.From("record_counts")
	sb.Where(
		sb.LessThan("updated_at", r.now().Add(-staleAfter)),
		sb.GreaterThan("count", 0),
	)
	sb.OrderBy("RANDOM()")
	sb.Limit(1)

	query, args := sb.Build()
	var count models.RecordCount
	err := r.db.GetContext(ctx, &count, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows), database.IsMissingTable(err):
		return nil, nil
	case err != nil:
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to find auto-delete candidate: %w", err)
	}

	return &DeletingCandidate{
		EnvironmentID: count.EnvironmentID,
		ConnectionID:  count.ConnectionID,
		Model:         count.Model,
	}, nil
}
