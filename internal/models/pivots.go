package models

// PivotLevels holds one session's precomputed pivot ladder for an instrument:
// the central pivot plus four supports and four resistances.
type PivotLevels struct {
	Pivot       float64 `json:"pivot"`
	Support1    float64 `json:"support1"`
	Support2    float64 `json:"support2"`
	Support3    float64 `json:"support3"`
	Support4    float64 `json:"support4"`
	Resistance1 float64 `json:"resistance1"`
	Resistance2 float64 `json:"resistance2"`
	Resistance3 float64 `json:"resistance3"`
	Resistance4 float64 `json:"resistance4"`
}

// Resistances returns the resistance ladder in ascending order.
func (p PivotLevels) Resistances() [4]float64 {
	return [4]float64{p.Resistance1, p.Resistance2, p.Resistance3, p.Resistance4}
}

// Supports returns the support ladder in descending order (S1 first).
func (p PivotLevels) Supports() [4]float64 {
	return [4]float64{p.Support1, p.Support2, p.Support3, p.Support4}
}

// NextTarget returns the next logical pivot level past the given price in the
// trade's direction: the nearest resistance above for bullish, the nearest
// support below for bearish. The second return is false when the price is
// already beyond the whole ladder.
func (p PivotLevels) NextTarget(price float64, dir SignalDirection) (float64, bool) {
	if dir == DirectionBullish {
		for _, r := range p.Resistances() {
			if r > price {
				return r, true
			}
		}
		return 0, false
	}
	for _, s := range p.Supports() {
		if s > 0 && s < price {
			return s, true
		}
	}
	return 0, false
}

// Zero reports whether the levels are unset.
func (p PivotLevels) Zero() bool {
	return p.Pivot == 0
}
