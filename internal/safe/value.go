// Package safe provides checked numeric conversions for profiling counters.
package safe

import (
	"math"
)

// IntToUint64 safely converts an int value to uint64, clamping negative
// values to zero.
// Returns the converted value and a boolean indicating whether clamping occurred.
func IntToUint64(val int) (uint64, bool) {
	if val < 0 {
		return 0, true
	}
	return uint64(val), false
}

// Uint64ToInt64 safely converts an uint64 value to int64, clamping to math.MaxInt64 if overflow
// would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Int64ToUint64 safely converts an int64 value to uint64, clamping negative
// values to zero.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Int64ToUint64(val int64) (uint64, bool) {
	if val < 0 {
		return 0, true
	}
	return uint64(val), false
}
