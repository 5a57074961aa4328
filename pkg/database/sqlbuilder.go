package database

import (
	"fmt"
	"strings"
)

func Excluded(column string) string {
	return fmt.Sprintf("EXCLUDED.%s", column)
}

// OnConflictDoUpdate renders `ON CONFLICT (...) DO UPDATE SET col = EXCLUDED.col, ...` for ib.SQL.
// Extra assignments are appended verbatim after the excluded columns.
func OnConflictDoUpdate(conflict []string, columns []string, extra ...string) string {
	assignments := make([]string, 0, len(columns)+len(extra))
	for _, col := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = %s", col, Excluded(col)))
	}
	assignments = append(assignments, extra...)

	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(assignments, ", "))
}

// Returning renders a RETURNING clause for ib.SQL or ub.SQL.
func Returning(columns ...string) string {
	return "RETURNING " + strings.Join(columns, ", ")
}

// WithGate appends a WHERE clause to an ON CONFLICT DO UPDATE, or returns clause unchanged when gate is empty.
func WithGate(clause, gate string) string {
	if gate == "" {
		return clause
	}
	return clause + " WHERE " + gate
}

// RowTuple renders `(a, b) op (x, y)` with x and y bound through the builder's Var.
func RowTuple(bind func(any) string, columns []string, op string, values ...any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = bind(v)
	}
	return fmt.Sprintf("(%s) %s (%s)", strings.Join(columns, ", "), op, strings.Join(placeholders, ", "))
}

// TupleIn renders `(a, b) IN ((x1, y1), (x2, y2))` with every value bound through bind.
// op is IN or NOT IN; an empty rows list renders a constant predicate.
func TupleIn(bind func(any) string, columns []string, op string, rows [][]any) string {
	if len(rows) == 0 {
		if op == "NOT IN" {
			return "TRUE"
		}
		return "FALSE"
	}

	tuples := make([]string, len(rows))
	for i, row := range rows {
		placeholders := make([]string, len(row))
		for j, v := range row {
			placeholders[j] = bind(v)
		}
		tuples[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}
	return fmt.Sprintf("(%s) %s (%s)", strings.Join(columns, ", "), op, strings.Join(tuples, ", "))
}
