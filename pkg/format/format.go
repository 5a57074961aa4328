// Package format turns raw sync payloads into records ready for the upsert engine.
package format

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrMissingIDField is returned when a payload has no usable id.
var ErrMissingIDField = errors.New("missing_id_field")

// Params describes a batch of raw payloads.
type Params struct {
	Data         []map[string]any
	ConnectionID int64
	Model        string
	SyncID       string
	SyncJobID    int64
	SoftDelete   bool
	Now          func() time.Time
}

// FormatRecords assigns row ids and data hashes to every payload.
// For soft deletes the deletion time comes from the payload's deletedAt field when it parses, otherwise now.
func FormatRecords(params Params) ([]models.FormattedRecord, error) {
	now := params.Now
	if now == nil {
		now = time.Now
	}

	records := make([]models.FormattedRecord, 0, len(params.Data))
	for i, data := range params.Data {
		externalID, ok := ExternalID(data)
		if !ok {
			return nil, fmt.Errorf("%w: record at index %d", ErrMissingIDField, i)
		}

		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", externalID, err)
		}

		record := models.FormattedRecord{
			ID:           uuid.New().String(),
			ExternalID:   externalID,
			ConnectionID: params.ConnectionID,
			Model:        params.Model,
			JSON:         payload,
			DataHash:     fingerprint.Generate(data),
			SyncID:       params.SyncID,
			SyncJobID:    params.SyncJobID,
		}

		if params.SoftDelete {
			deletedAt := now().UTC()
			if raw, ok := data["deletedAt"].(string); ok {
				if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					deletedAt = parsed.UTC()
				}
			}
			record.DeletedAt = &deletedAt
		}

		records = append(records, record)
	}

	return records, nil
}

// ExternalID extracts the id field of a payload as a string.
func ExternalID(data map[string]any) (string, bool) {
	switch v := data["id"].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}
