package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"id": "1", "name": "Ada", "nested": map[string]any{"x": 1.0, "y": []any{"a", "b"}}}
	b := map[string]any{"nested": map[string]any{"y": []any{"a", "b"}, "x": 1.0}, "name": "Ada", "id": "1"}

	assert.Equal(t, Generate(a), Generate(b))
	assert.Len(t, Generate(a), 64)
}

func TestGenerate_DetectsChanges(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]any
	}{
		{"value change", map[string]any{"id": "1", "v": "a"}, map[string]any{"id": "1", "v": "b"}},
		{"added key", map[string]any{"id": "1"}, map[string]any{"id": "1", "v": nil}},
		{"array order", map[string]any{"tags": []any{"a", "b"}}, map[string]any{"tags": []any{"b", "a"}}},
		{"type change", map[string]any{"n": 1.0}, map[string]any{"n": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, HasChanged(Generate(tt.a), Generate(tt.b)))
		})
	}
}

func TestHasChanged(t *testing.T) {
	hash := Generate(map[string]any{"id": "1"})
	assert.False(t, HasChanged(hash, hash))
	assert.True(t, HasChanged(hash, ""))
}

func TestGenerateFromJSON(t *testing.T) {
	fromJSON, err := GenerateFromJSON(json.RawMessage(`{"b": 2, "a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, Generate(map[string]any{"a": 1.0, "b": 2.0}), fromJSON)

	_, err = GenerateFromJSON(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}
