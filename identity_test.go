package threadsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeID(t *testing.T) {
	s := " 7 "
	var nilStr *string
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"empty string", "", ""},
		{"string", "abc", "abc"},
		{"trimmed", "  42 ", "42"},
		{"int", 1, "1"},
		{"int64", int64(9007199254740993), "9007199254740993"},
		{"uint", uint(3), "3"},
		{"integral float", 1.0, "1"},
		{"fractional float", 1.5, "1.5"},
		{"json number", json.Number("12"), "12"},
		{"string pointer", &s, "7"},
		{"nil string pointer", nilStr, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeID(tt.in))
		})
	}
}

func TestSameID(t *testing.T) {
	assert.True(t, SameID(1, "1"))
	assert.True(t, SameID(float64(101), "101"))
	assert.True(t, SameID("T1", " T1"))
	assert.False(t, SameID("1", "2"))
	assert.False(t, SameID(nil, ""))
	assert.False(t, SameID("", ""))
}
