package models

import "time"

// TradeResult is the immutable record of a completed trade, published to the
// trade-results topic keyed by TradeID and archived to the trade store.
type TradeResult struct {
	TradeID   string          `json:"tradeId"`
	SignalID  string          `json:"signalId,omitempty"`
	ScripCode string          `json:"scripCode"`
	Company   string          `json:"companyName,omitempty"`
	Direction SignalDirection `json:"direction"`
	Strategy  string          `json:"strategyName,omitempty"`

	EntryPrice float64   `json:"entryPrice"`
	ExitPrice  float64   `json:"exitPrice"`
	EntryTime  time.Time `json:"entryTime"`
	ExitTime   time.Time `json:"exitTime"`
	Quantity   int       `json:"quantity"`

	PnL             float64    `json:"pnl"`
	RMultiple       float64    `json:"rMultiple"`
	ExitReason      ExitReason `json:"exitReason"`
	DurationMinutes int        `json:"durationMinutes"`

	MaxFavorableExcursion float64 `json:"maxFavorableExcursion"`
	MaxAdverseExcursion   float64 `json:"maxAdverseExcursion"`
}

// ResultFromTrade freezes a completed trade into its result record. The
// trade's accumulated RealizedPnL is authoritative; it already reflects
// partial exits and actual fills.
func ResultFromTrade(t *ActiveTrade) TradeResult {
	return TradeResult{
		TradeID:               t.TradeID,
		SignalID:              t.SignalID,
		ScripCode:             t.ScripCode,
		Company:               t.CompanyName,
		Direction:             t.Direction,
		Strategy:              t.StrategyName,
		EntryPrice:            t.EntryPrice,
		ExitPrice:             t.ExitPrice,
		EntryTime:             t.EntryTime,
		ExitTime:              t.ExitTime,
		Quantity:              t.PositionSize,
		PnL:                   t.RealizedPnL,
		RMultiple:             t.RMultiple(t.ExitPrice),
		ExitReason:            t.ExitReason,
		DurationMinutes:       t.DurationMinutes(),
		MaxFavorableExcursion: t.MaxFavorableExcursion(),
		MaxAdverseExcursion:   t.MaxAdverseExcursion(),
	}
}
