package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsInt64FromUint64(t *testing.T) {
	tests := []struct {
		name     string
		input    uint64
		expected int64
	}{
		{
			name:     "zero value",
			input:    0,
			expected: 0,
		},
		{
			name:     "replica count",
			input:    3,
			expected: 3,
		},
		{
			name:     "max int64 value",
			input:    math.MaxInt64,
			expected: math.MaxInt64,
		},
		{
			name:     "above max int64 clamps",
			input:    math.MaxUint64,
			expected: math.MaxInt64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, AsInt64FromUint64(tt.input))
		})
	}
}

func TestAsUint64(t *testing.T) {
	require.Equal(t, uint64(0), AsUint64(-5))
	require.Equal(t, uint64(7), AsUint64(7))
}
