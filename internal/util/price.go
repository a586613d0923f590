// Package util provides common helpers for price and quantity arithmetic.
package util

import "math"

// boundaryEps absorbs float noise at tick boundaries so that values a few ulps
// away from an exact multiple land on it instead of the neighboring tick.
const boundaryEps = 1e-9

// RoundToTick rounds x to the nearest tick increment; ties round away from
// zero. Non-finite x and non-positive tick pass through unchanged.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to a tick multiple.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Floor(x/tick+boundaryEps) * tick
}

// CeilToTick rounds x up to a tick multiple.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Ceil(x/tick-boundaryEps) * tick
}

// Clip bounds v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FloorToLot rounds a quantity down to a whole number of lots. Lot sizes of
// zero or one leave the quantity unchanged; negative quantities floor to zero.
func FloorToLot(qty, lot int) int {
	if qty <= 0 {
		return 0
	}
	if lot <= 1 {
		return qty
	}
	return (qty / lot) * lot
}
