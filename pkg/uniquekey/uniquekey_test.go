package uniquekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type item struct {
	id    string
	value int
}

func byID(i item) string { return i.id }

func TestRemoveDuplicateKey(t *testing.T) {
	tests := []struct {
		name          string
		input         []item
		wantUnique    []item
		wantNonUnique []string
	}{
		{
			name:          "empty",
			input:         nil,
			wantUnique:    []item{},
			wantNonUnique: []string{},
		},
		{
			name:          "no duplicates",
			input:         []item{{"a", 1}, {"b", 2}},
			wantUnique:    []item{{"a", 1}, {"b", 2}},
			wantNonUnique: []string{},
		},
		{
			name:          "last occurrence wins at first position",
			input:         []item{{"1", 1}, {"2", 2}, {"1", 3}, {"3", 4}},
			wantUnique:    []item{{"1", 3}, {"2", 2}, {"3", 4}},
			wantNonUnique: []string{"1"},
		},
		{
			name:          "triplicate key reported once",
			input:         []item{{"x", 1}, {"x", 2}, {"x", 3}},
			wantUnique:    []item{{"x", 3}},
			wantNonUnique: []string{"x"},
		},
		{
			name:          "order of first collision",
			input:         []item{{"a", 1}, {"b", 1}, {"b", 2}, {"a", 2}},
			wantUnique:    []item{{"a", 2}, {"b", 2}},
			wantNonUnique: []string{"b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unique, nonUnique := RemoveDuplicateKey(tt.input, byID)
			assert.Equal(t, tt.wantUnique, unique)
			assert.Equal(t, tt.wantNonUnique, nonUnique)
		})
	}
}
