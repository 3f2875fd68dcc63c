package safe

import (
	"math"
	"testing"
)

func TestSafeUint64ToInt64(t *testing.T) {
	tests := []struct {
		name            string
		input           uint64
		expectedValue   int64
		expectedClamped bool
	}{
		{
			name:            "zero value",
			input:           0,
			expectedValue:   0,
			expectedClamped: false,
		},
		{
			name:            "small positive value",
			input:           12345,
			expectedValue:   12345,
			expectedClamped: false,
		},
		{
			name:            "max int64 value",
			input:           math.MaxInt64,
			expectedValue:   math.MaxInt64,
			expectedClamped: false,
		},
		{
			name:            "max int64 plus one (overflow)",
			input:           math.MaxInt64 + 1,
			expectedValue:   math.MaxInt64,
			expectedClamped: true,
		},
		{
			name:            "max uint64 value (overflow)",
			input:           math.MaxUint64,
			expectedValue:   math.MaxInt64,
			expectedClamped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, clamped := Uint64ToInt64(tt.input)
			if value != tt.expectedValue {
				t.Errorf("Uint64ToInt64(%d) value = %d, expected %d", tt.input, value, tt.expectedValue)
			}
			if clamped != tt.expectedClamped {
				t.Errorf("Uint64ToInt64(%d) clamped = %v, expected %v", tt.input, clamped, tt.expectedClamped)
			}
		})
	}
}

func TestSafeIntToUint64(t *testing.T) {
	tests := []struct {
		name            string
		input           int
		expectedValue   uint64
		expectedClamped bool
	}{
		{
			name:            "zero value",
			input:           0,
			expectedValue:   0,
			expectedClamped: false,
		},
		{
			name:            "positive allocation size",
			input:           4096,
			expectedValue:   4096,
			expectedClamped: false,
		},
		{
			name:            "negative value (clamped)",
			input:           -1,
			expectedValue:   0,
			expectedClamped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, clamped := IntToUint64(tt.input)
			if value != tt.expectedValue {
				t.Errorf("IntToUint64(%d) value = %d, expected %d", tt.input, value, tt.expectedValue)
			}
			if clamped != tt.expectedClamped {
				t.Errorf("IntToUint64(%d) clamped = %v, expected %v", tt.input, clamped, tt.expectedClamped)
			}
		})
	}
}

func TestSafeInt64ToUint64(t *testing.T) {
	value, clamped := Int64ToUint64(-5)
	if value != 0 || !clamped {
		t.Errorf("Int64ToUint64(-5) = (%d, %v), expected (0, true)", value, clamped)
	}

	value, clamped = Int64ToUint64(math.MaxInt64)
	if value != math.MaxInt64 || clamped {
		t.Errorf("Int64ToUint64(MaxInt64) = (%d, %v), expected (MaxInt64, false)", value, clamped)
	}
}
