package strategy

import "github.com/anirbansen/tradepulse/internal/models"

// BullishEngulfing reports whether curr engulfs a bearish prev: the current
// body opens at or below the prior close and closes at or above the prior
// open. Boundary touches count as engulfing.
func BullishEngulfing(prev, curr models.Candle) bool {
	return prev.Close < prev.Open &&
		curr.Close > curr.Open &&
		curr.Close >= prev.Open &&
		curr.Open <= prev.Close
}

// BearishEngulfing is the mirror image: curr engulfs a bullish prev to the
// downside.
func BearishEngulfing(prev, curr models.Candle) bool {
	return prev.Close > prev.Open &&
		curr.Close < curr.Open &&
		curr.Close <= prev.Open &&
		curr.Open >= prev.Close
}

// Engulfing dispatches on signal direction.
func Engulfing(direction models.SignalDirection, prev, curr models.Candle) bool {
	if direction == models.DirectionBearish {
		return BearishEngulfing(prev, curr)
	}
	return BullishEngulfing(prev, curr)
}
