package format

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
)

func TestFormatRecords(t *testing.T) {
	data := []map[string]any{
		{"id": "A", "title": "first"},
		{"id": 42.0, "title": "numeric id"},
	}

	records, err := FormatRecords(Params{
		Data:         data,
		ConnectionID: 1,
		Model:        "Issue",
		SyncID:       "sync-1",
		SyncJobID:    3,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "A", records[0].ExternalID)
	assert.Equal(t, "42", records[1].ExternalID)
	for i, r := range records {
		_, err := uuid.Parse(r.ID)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), r.ConnectionID)
		assert.Equal(t, "Issue", r.Model)
		assert.Equal(t, "sync-1", r.SyncID)
		assert.Equal(t, int64(3), r.SyncJobID)
		assert.Equal(t, fingerprint.Generate(data[i]), r.DataHash)
		assert.Nil(t, r.DeletedAt)
	}
	assert.JSONEq(t, `{"id":"A","title":"first"}`, string(records[0].JSON))
}

func TestFormatRecords_MissingID(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{"absent", map[string]any{"title": "x"}},
		{"empty string", map[string]any{"id": ""}},
		{"unsupported type", map[string]any{"id": []any{"a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FormatRecords(Params{Data: []map[string]any{{"id": "ok"}, tt.data}, Model: "Issue"})
			assert.ErrorIs(t, err, ErrMissingIDField)
		})
	}
}

func TestFormatRecords_SoftDelete(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	records, err := FormatRecords(Params{
		Data: []map[string]any{
			{"id": "A"},
			{"id": "B", "deletedAt": "2024-05-20T08:30:00Z"},
			{"id": "C", "deletedAt": "not a date"},
		},
		Model:      "Issue",
		SoftDelete: true,
		Now:        func() time.Time { return fixed },
	})
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.NotNil(t, records[0].DeletedAt)
	assert.True(t, fixed.Equal(*records[0].DeletedAt))
	require.NotNil(t, records[1].DeletedAt)
	assert.True(t, time.Date(2024, 5, 20, 8, 30, 0, 0, time.UTC).Equal(*records[1].DeletedAt))
	require.NotNil(t, records[2].DeletedAt)
	assert.True(t, fixed.Equal(*records[2].DeletedAt))
}
