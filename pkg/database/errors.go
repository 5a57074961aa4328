package database

import (
	"errors"

	"github.com/lib/pq"
)

// Postgres SQLSTATE codes the store reacts to
const (
	CodeStringDataRightTruncation = "22001"
	CodeSerializationFailure      = "40001"
	CodeDeadlockDetected          = "40P01"
	CodeUndefinedTable            = "42P01"
	CodeInvalidSchemaName         = "3F000"
	CodeQueryCanceled             = "57014"
)

// ErrorCode returns the SQLSTATE of a Postgres error anywhere in the chain, or "".
func ErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// ErrorDetail returns the DETAIL field of a Postgres error, or "".
func ErrorDetail(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Detail
	}
	return ""
}

// IsRetryable reports deadlocks and serialization failures.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case CodeDeadlockDetected, CodeSerializationFailure:
		return true
	}
	return false
}

// IsMissingTable reports errors caused by a table or schema that does not exist.
func IsMissingTable(err error) bool {
	switch ErrorCode(err) {
	case CodeUndefinedTable, CodeInvalidSchemaName:
		return true
	}
	return false
}
