package util

import "math"

// AsInt64FromUint64 converts uint64 to int64, clamping at math.MaxInt64.
// Used when storing replica counts in BIGINT columns.
func AsInt64FromUint64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	// #nosec G115 - bounded by explicit check
	return int64(u)
}

// AsUint64 converts int64 to uint64, clamping negatives to zero.
func AsUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	// #nosec G115 - bounded by explicit check
	return uint64(i)
}
