package models

import (
	"fmt"
	"strings"
	"time"
)

// SignalDirection is the normalized direction of a strategy signal.
type SignalDirection string

const (
	// DirectionBullish expects the price to rise (long entry).
	DirectionBullish SignalDirection = "BULLISH"
	// DirectionBearish expects the price to fall (short entry).
	DirectionBearish SignalDirection = "BEARISH"
)

// Valid reports whether the direction is one of the defined constants.
func (d SignalDirection) Valid() bool {
	return d == DirectionBullish || d == DirectionBearish
}

// StrategySignal is one upstream signal exactly as consumed from the bus.
// The schema tolerates unknown fields; only the fields the engine uses are
// declared. A signal is immutable after ingestion.
type StrategySignal struct {
	SignalID    string `json:"signalId,omitempty"`
	ScripCode   string `json:"scripCode"`
	CompanyName string `json:"companyName,omitempty"`
	// Signal is the raw upstream direction: BUY, SELL, BULLISH or BEARISH.
	Signal       string  `json:"signal"`
	StrategyName string  `json:"strategyName,omitempty"`
	EntryPrice   float64 `json:"entryPrice"`
	StopLoss     float64 `json:"stopLoss"`
	Target1      float64 `json:"target1"`
	Target2      float64 `json:"target2,omitempty"`
	Target3      float64 `json:"target3,omitempty"`
	Confidence   float64 `json:"confidence"`

	MLConfidence             *float64 `json:"mlConfidence,omitempty"`
	Volatility               *float64 `json:"volatility,omitempty"`
	MicrostructureLiquidity  *float64 `json:"microstructureLiquidity,omitempty"`
	PositionSizeMultiplier   *float64 `json:"positionSizeMultiplier,omitempty"`
	XFactor                  bool     `json:"xFactor,omitempty"`

	Exchange     string `json:"exchange,omitempty"`
	ExchangeType string `json:"exchangeType,omitempty"`

	// Execution-instrument overrides. When the strategy wants the order routed
	// to a different instrument than the one it signalled on (e.g. an option on
	// the signalled underlying) it sets these.
	OrderScripCode       string  `json:"orderScripCode,omitempty"`
	OrderExchange        string  `json:"orderExchange,omitempty"`
	OrderExchangeType    string  `json:"orderExchangeType,omitempty"`
	OrderLimitPriceEntry float64 `json:"orderLimitPriceEntry,omitempty"`
	OrderLimitPriceExit  float64 `json:"orderLimitPriceExit,omitempty"`
	OrderTickSize        float64 `json:"orderTickSize,omitempty"`
	OrderLotSize         int     `json:"orderLotSize,omitempty"`

	// Timestamp is the producer time in milliseconds since epoch.
	Timestamp int64 `json:"timestamp"`
}

// Direction normalizes the raw signal field: BUY maps to BULLISH, SELL to
// BEARISH. Returns an error for anything else.
func (s *StrategySignal) Direction() (SignalDirection, error) {
	switch strings.ToUpper(strings.TrimSpace(s.Signal)) {
	case "BUY", "BULLISH":
		return DirectionBullish, nil
	case "SELL", "BEARISH":
		return DirectionBearish, nil
	default:
		return "", fmt.Errorf("unrecognized signal direction %q", s.Signal)
	}
}

// ProducedAt converts the producer timestamp to a time.Time.
func (s *StrategySignal) ProducedAt() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// IdempotencyKey returns the deduplication key for this signal: the signalId
// when the producer set one, else scripCode|timestamp.
func (s *StrategySignal) IdempotencyKey() string {
	if s.SignalID != "" {
		return s.SignalID
	}
	return fmt.Sprintf("%s|%d", s.ScripCode, s.Timestamp)
}

// PendingSignal is a watchlist entry: an admitted signal waiting for its entry
// confirmation, plus the working state the evaluator accumulates across candles.
type PendingSignal struct {
	Signal    StrategySignal  `json:"signal"`
	Direction SignalDirection `json:"direction"`

	AdmittedAt time.Time `json:"admittedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`

	// SignalPrice is the entry price quoted by the strategy at signal time;
	// kept separately because confirmation recomputes the working entry from
	// the confirming candle.
	SignalPrice float64 `json:"signalPrice"`

	// BreachCandle records the pivot-breach candle once one is seen. Nil until
	// the retest's first leg happens.
	BreachCandle *Candle `json:"breachCandle,omitempty"`

	// PotentialRR is the risk-reward computed by the most recent READY
	// evaluation; zero until the signal has been READY at least once.
	PotentialRR float64 `json:"potentialRR,omitempty"`

	ValidationAttempts  int    `json:"validationAttempts"`
	LastRejectionReason string `json:"lastRejectionReason,omitempty"`
}

// NewPendingSignal builds a watchlist entry from an admitted signal.
func NewPendingSignal(sig StrategySignal, dir SignalDirection, now time.Time, ttl time.Duration) *PendingSignal {
	return &PendingSignal{
		Signal:      sig,
		Direction:   dir,
		AdmittedAt:  now,
		ExpiresAt:   now.Add(ttl),
		SignalPrice: sig.EntryPrice,
	}
}

// Expired reports whether the entry window has closed.
func (p *PendingSignal) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// RecordBreach stores the first pivot-breach candle. Later breaches do not
// overwrite the original: the retest measures breach-then-reclaim from the
// first touch.
func (p *PendingSignal) RecordBreach(c Candle) {
	if p.BreachCandle == nil {
		breached := c
		p.BreachCandle = &breached
	}
}

// RecordRejection notes a failed validation attempt with its reason.
func (p *PendingSignal) RecordRejection(reason string) {
	p.ValidationAttempts++
	p.LastRejectionReason = reason
}
