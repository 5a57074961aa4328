package records

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/cursor"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/format"
)

// Caller input errors. None of them mutates state.
var (
	ErrMissingModel      = errors.New("missing_model")
	ErrInvalidCursor     = cursor.ErrInvalidCursor
	ErrInvalidLimit      = errors.New("invalid_limit")
	ErrInvalidTimestamp  = errors.New("invalid_timestamp")
	ErrNoRecordsToUpsert = errors.New("no_records_to_upsert")
	ErrMissingIDField    = format.ErrMissingIDField
	ErrInvalidMode       = errors.New("invalid_mode")
	ErrInvalidOffset     = errors.New("invalid_offset")
)

var validationErrors = []error{
	ErrMissingModel,
	ErrInvalidCursor,
	ErrInvalidLimit,
	ErrInvalidTimestamp,
	ErrNoRecordsToUpsert,
	ErrMissingIDField,
	ErrInvalidMode,
	ErrInvalidOffset,
}

// ErrorCode returns the stable code of a validation error, or "" for anything else.
func ErrorCode(err error) string {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return v.Error()
		}
	}
	return ""
}

// IsValidationError reports whether err was caused by caller input.
func IsValidationError(err error) bool {
	return ErrorCode(err) != ""
}

// AsHTTPError maps validation errors to 400 with their code as the message.
// Storage errors are already http errors and pass through.
func AsHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if code := ErrorCode(err); code != "" {
		return httperror.NewHTTPError(http.StatusBadRequest, code)
	}
	if httperror.IsHTTPError(err) {
		return err
	}
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "%v", err)
}

func noRecordsError(model string, received int) error {
	return fmt.Errorf("%w: there were no records that were not duplicates to insert, but there were %d records received for the %q model",
		ErrNoRecordsToUpsert, received, model)
}

// writeError builds the fatal error of an upsert or update, naming the model, the connection,
// the attempted record count and the Postgres code when there is one.
func writeError(operation, model string, connectionID int64, attempted int, err error) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to %s records to table %s. Model: %s, Connection ID: %d. Attempted to insert/update/delete: %d records.",
		operation, table, model, connectionID, attempted)

	if code := database.ErrorCode(err); code != "" {
		fmt.Fprintf(&b, " Error code: %s.", code)
		if code == database.CodeStringDataRightTruncation {
			b.WriteString(" Info: String length exceeds the column's maximum length (string_data_right_truncation).")
		}
	}
	if detail := database.ErrorDetail(err); detail != "" {
		fmt.Fprintf(&b, " Detail: %s.", detail)
	}

	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "%s %v", b.String(), err)
}

func storageError(message string, err error) error {
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "%s: %v", message, err)
}
