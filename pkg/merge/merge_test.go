package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		source   string
		expected string
	}{
		{
			name:     "add new field",
			target:   `{"id": "1", "title": "Bug"}`,
			source:   `{"state": "open"}`,
			expected: `{"id": "1", "title": "Bug", "state": "open"}`,
		},
		{
			name:     "overwrite field",
			target:   `{"id": "1", "title": "Bug"}`,
			source:   `{"title": "Feature"}`,
			expected: `{"id": "1", "title": "Feature"}`,
		},
		{
			name:     "nested objects merge recursively",
			target:   `{"assignee": {"login": "ada", "type": "user"}}`,
			source:   `{"assignee": {"name": "Ada"}}`,
			expected: `{"assignee": {"login": "ada", "type": "user", "name": "Ada"}}`,
		},
		{
			name:     "arrays are replaced",
			target:   `{"labels": ["bug", "p1"]}`,
			source:   `{"labels": ["p2"]}`,
			expected: `{"labels": ["p2"]}`,
		},
		{
			name:     "scalar replaces object",
			target:   `{"milestone": {"title": "v1"}}`,
			source:   `{"milestone": 7}`,
			expected: `{"milestone": 7}`,
		},
		{
			name:     "null replaces value",
			target:   `{"closed_at": "2024-01-01"}`,
			source:   `{"closed_at": null}`,
			expected: `{"closed_at": null}`,
		},
		{
			name:     "empty target",
			target:   ``,
			source:   `{"id": "1"}`,
			expected: `{"id": "1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := JSON(json.RawMessage(tt.target), json.RawMessage(tt.source))
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(result))
		})
	}
}

func TestJSON_InvalidSource(t *testing.T) {
	_, err := JSON(json.RawMessage(`{}`), json.RawMessage(`not json`))
	assert.Error(t, err)
}
