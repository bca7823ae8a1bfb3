package billing

import "math"

// Amounts are computed in dollars and converted to minor units exactly once,
// at the boundary to the payment gateway. Composed totals must never be built
// from already-rounded parts.

func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func FromMinorUnits(minor int64) float64 {
	return float64(minor) / 100
}
