package models

// Side is the order side on the wire.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// EntrySide maps a trade direction to the side that opens it.
func EntrySide(d SignalDirection) Side {
	if d == DirectionBearish {
		return SideSell
	}
	return SideBuy
}

// OrderBase carries the fields every order variant shares.
type OrderBase struct {
	Instrument Instrument `json:"instrument"`
	Side       Side       `json:"side"`
	Qty        int        `json:"qty"`
	// ClientID is the caller-assigned idempotency id echoed by the broker.
	ClientID string `json:"clientId,omitempty"`
}

// Base returns the shared order fields; it also makes the struct satisfy Order.
func (b OrderBase) Base() OrderBase { return b }

// Order is the closed set of order variants the broker adapter accepts.
// Adapters type-switch on the concrete type for variant-specific fields.
type Order interface {
	Base() OrderBase
}

// MarketOrder executes at the touch.
type MarketOrder struct {
	OrderBase
}

// LimitOrder executes at LimitPrice or better.
type LimitOrder struct {
	OrderBase
	LimitPrice float64 `json:"limitPrice"`
}

// StopLimitOrder arms a limit order when TriggerPrice trades.
type StopLimitOrder struct {
	OrderBase
	TriggerPrice float64 `json:"triggerPrice"`
	LimitPrice   float64 `json:"limitPrice"`
}
