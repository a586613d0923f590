package models

import "time"

// Candle is one 1-minute OHLCV bar for an instrument. Candles for a given
// instrument are strictly ordered by WindowStartMs; the history keeps a bounded
// rolling tail and drops late arrivals.
type Candle struct {
	InstrumentKey string  `json:"instrumentKey"`
	WindowStartMs int64   `json:"windowStartMs"`
	WindowEndMs   int64   `json:"windowEndMs"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
}

// WindowStart returns the bar's opening timestamp.
func (c Candle) WindowStart() time.Time {
	return time.UnixMilli(c.WindowStartMs).UTC()
}

// WindowEnd returns the bar's closing timestamp.
func (c Candle) WindowEnd() time.Time {
	return time.UnixMilli(c.WindowEndMs).UTC()
}

// Bullish reports whether the bar closed above its open.
func (c Candle) Bullish() bool {
	return c.Close > c.Open
}

// Bearish reports whether the bar closed below its open.
func (c Candle) Bearish() bool {
	return c.Close < c.Open
}

// Body returns the absolute size of the bar's body.
func (c Candle) Body() float64 {
	if c.Close >= c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Range returns high minus low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// Tick is one market-data update for an instrument as consumed from the bus.
// Field names follow the feed's wire schema.
type Tick struct {
	ScripCode     string  `json:"scripCode"`
	Token         string  `json:"token,omitempty"`
	LastRate      float64 `json:"lastRate"`
	BidRate       float64 `json:"bidRate"`
	OfferRate     float64 `json:"offerRate"`
	High          float64 `json:"high,omitempty"`
	Low           float64 `json:"low,omitempty"`
	Open          float64 `json:"open,omitempty"`
	PreviousClose float64 `json:"previousClose,omitempty"`
	// Time is the exchange timestamp in milliseconds since epoch.
	Time int64 `json:"time"`
}

// At returns the tick's exchange timestamp.
func (t Tick) At() time.Time {
	return time.UnixMilli(t.Time).UTC()
}

// Instrument identifies where and what to trade. ScripCode is the broker's
// numeric code as a string; Exchange and ExchangeType use the broker's
// single-letter codes (N/B/M and C/D).
type Instrument struct {
	ScripCode    string  `json:"scripCode"`
	Exchange     string  `json:"exchange"`
	ExchangeType string  `json:"exchangeType"`
	TickSize     float64 `json:"tickSize,omitempty"`
	LotSize      int     `json:"lotSize,omitempty"`
}

// Exchange codes used by the broker wire protocol.
const (
	ExchangeNSE = "N"
	ExchangeBSE = "B"
	ExchangeMCX = "M"

	ExchTypeCash       = "C"
	ExchTypeDerivative = "D"
	ExchTypeCommodity  = "U"
)

// Derivative reports whether the instrument trades on a derivative or
// commodity segment, which routes exits through spread-aware limit orders.
func (i Instrument) Derivative() bool {
	return i.ExchangeType == ExchTypeDerivative || i.Exchange == ExchangeMCX
}

// Key returns the canonical instrument key used by caches and candle history.
func (i Instrument) Key() string {
	return i.ScripCode
}
