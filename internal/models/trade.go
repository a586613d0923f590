package models

import (
	"fmt"
	"math"
	"time"
)

// ExitReason names why a trade left the book.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTarget1      ExitReason = "TARGET1"
	ExitTarget2      ExitReason = "TARGET2"
	ExitEndOfSession ExitReason = "END_OF_SESSION"
	ExitManual       ExitReason = "MANUAL"
)

// Valid reports whether the reason is one of the defined constants.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitStopLoss, ExitTarget1, ExitTarget2, ExitEndOfSession, ExitManual:
		return true
	default:
		return false
	}
}

// ExecutionDetail carries the typed execution-instrument fields for a trade:
// where the orders actually route, and the price geometry used to build them.
type ExecutionDetail struct {
	Instrument Instrument `json:"instrument"`
	// LimitEntry/LimitExit are strategy-provided limit prices; zero means none.
	LimitEntry float64 `json:"limitEntry,omitempty"`
	LimitExit  float64 `json:"limitExit,omitempty"`
}

// ActiveTrade is the mutable record of one trade from promotion through
// completion. All mutation happens inside the position manager's writer
// goroutine; everyone else sees copies.
type ActiveTrade struct {
	Machine *StatusMachine `json:"-"`      // runtime only, rebuilt from Status on load
	Status  TradeStatus    `json:"status"` // canonical persisted status

	TradeID      string          `json:"tradeId"`
	SignalID     string          `json:"signalId,omitempty"`
	ScripCode    string          `json:"scripCode"`
	CompanyName  string          `json:"companyName,omitempty"`
	Direction    SignalDirection `json:"direction"`
	StrategyName string          `json:"strategyName,omitempty"`

	SignalTime time.Time `json:"signalTime"`
	EntryTime  time.Time `json:"entryTime,omitempty"`
	ExitTime   time.Time `json:"exitTime,omitempty"`

	EntryPrice      float64 `json:"entryPrice"`
	PositionSize    int     `json:"positionSize"`
	RequestedQty    int     `json:"requestedQty"`
	StopLoss        float64 `json:"stopLoss"`
	InitialStopLoss float64 `json:"initialStopLoss"`
	Target1         float64 `json:"target1"`
	Target2         float64 `json:"target2,omitempty"`
	Target3         float64 `json:"target3,omitempty"`

	Target1Hit   bool    `json:"target1Hit"`
	Target2Hit   bool    `json:"target2Hit"`
	TrailingStop float64 `json:"trailingStop,omitempty"`
	TrailStage   int     `json:"trailStage"`

	HighSinceEntry float64 `json:"highSinceEntry,omitempty"`
	LowSinceEntry  float64 `json:"lowSinceEntry,omitempty"`

	Exec ExecutionDetail `json:"exec"`

	EntryOrderID      string     `json:"entryOrderId,omitempty"`
	ExitOrderID       string     `json:"exitOrderId,omitempty"`
	ExitPrice         float64    `json:"exitPrice,omitempty"`
	ExitReason        ExitReason `json:"exitReason,omitempty"`
	ExitFailureReason string     `json:"exitFailureReason,omitempty"`
	ExitAttempts      int        `json:"exitAttempts,omitempty"`
	LastExitAttempt   time.Time  `json:"lastExitAttempt,omitempty"`

	// RealizedPnL accumulates booked P&L across partial and final exits.
	RealizedPnL float64 `json:"realizedPnl,omitempty"`
}

// NewActiveTrade promotes a pending signal into a trade at WAITING_FOR_ENTRY.
// entryPrice and stopLoss come from the confirming candle, target from the
// pivot ladder; the signal's own levels are retained as targets 2 and 3.
func NewActiveTrade(id string, ps *PendingSignal, entryPrice, stopLoss, target float64, qty int, exec ExecutionDetail) *ActiveTrade {
	return &ActiveTrade{
		Machine:         NewStatusMachine(),
		Status:          StatusWaitingForEntry,
		TradeID:         id,
		SignalID:        ps.Signal.SignalID,
		ScripCode:       ps.Signal.ScripCode,
		CompanyName:     ps.Signal.CompanyName,
		Direction:       ps.Direction,
		StrategyName:    ps.Signal.StrategyName,
		SignalTime:      ps.Signal.ProducedAt(),
		EntryPrice:      entryPrice,
		RequestedQty:    qty,
		StopLoss:        stopLoss,
		InitialStopLoss: stopLoss,
		Target1:         target,
		Target2:         ps.Signal.Target2,
		Target3:         ps.Signal.Target3,
		Exec:            exec,
	}
}

// ensureMachine rebuilds the runtime machine from the persisted status.
func (t *ActiveTrade) ensureMachine() *StatusMachine {
	if t.Machine == nil {
		t.Machine = NewStatusMachineFromStatus(t.Status)
	}
	return t.Machine
}

// TransitionStatus moves the trade to a new status, stamping entry and exit
// times on the relevant edges.
func (t *ActiveTrade) TransitionStatus(to TradeStatus, condition string) error {
	if err := t.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("trade %s: %w", t.TradeID, err)
	}
	t.Status = to

	if to == StatusActive && t.EntryTime.IsZero() {
		t.EntryTime = time.Now().UTC()
	}
	if to.Terminal() && t.ExitTime.IsZero() {
		t.ExitTime = time.Now().UTC()
	}
	return nil
}

// HoldsSlot reports whether this trade occupies the single active-trade slot.
func (t *ActiveTrade) HoldsSlot() bool {
	return t.Status.HoldsSlot()
}

// R returns the initial risk per unit: |entry - initial stop|.
func (t *ActiveTrade) R() float64 {
	return math.Abs(t.EntryPrice - t.InitialStopLoss)
}

// RMultiple expresses a P&L-per-unit move in R units. Returns 0 when the
// initial risk is degenerate.
func (t *ActiveTrade) RMultiple(exitPrice float64) float64 {
	r := t.R()
	if r <= 0 {
		return 0
	}
	move := exitPrice - t.EntryPrice
	if t.Direction == DirectionBearish {
		move = -move
	}
	return move / r
}

// UpdateExcursions folds a bar into the high/low watermarks since entry.
func (t *ActiveTrade) UpdateExcursions(c Candle) {
	if t.HighSinceEntry == 0 || c.High > t.HighSinceEntry {
		t.HighSinceEntry = c.High
	}
	if t.LowSinceEntry == 0 || c.Low < t.LowSinceEntry {
		t.LowSinceEntry = c.Low
	}
}

// MaxFavorableExcursion returns the best unrealized move since entry in price
// units, never negative.
func (t *ActiveTrade) MaxFavorableExcursion() float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	var fav float64
	if t.Direction == DirectionBullish {
		fav = t.HighSinceEntry - t.EntryPrice
	} else if t.LowSinceEntry > 0 {
		fav = t.EntryPrice - t.LowSinceEntry
	}
	return math.Max(fav, 0)
}

// MaxAdverseExcursion returns the worst unrealized move since entry in price
// units, never negative.
func (t *ActiveTrade) MaxAdverseExcursion() float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	var adv float64
	if t.Direction == DirectionBullish {
		if t.LowSinceEntry > 0 {
			adv = t.EntryPrice - t.LowSinceEntry
		}
	} else {
		adv = t.HighSinceEntry - t.EntryPrice
	}
	return math.Max(adv, 0)
}

// DurationMinutes returns the whole minutes between entry and exit, or since
// entry when still open.
func (t *ActiveTrade) DurationMinutes() int {
	if t.EntryTime.IsZero() {
		return 0
	}
	end := t.ExitTime
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return int(end.Sub(t.EntryTime).Minutes())
}

// EffectiveStop returns the stop currently protecting the position: the
// trailing stop once set, otherwise the working stop loss.
func (t *ActiveTrade) EffectiveStop() float64 {
	if t.TrailingStop != 0 {
		return t.TrailingStop
	}
	return t.StopLoss
}

// ValidateState checks the trade's data against the invariants of its status.
func (t *ActiveTrade) ValidateState() error {
	if err := t.ensureMachine().ValidateConsistency(); err != nil {
		return fmt.Errorf("trade %s status validation failed: %w", t.TradeID, err)
	}
	if !t.Direction.Valid() {
		return fmt.Errorf("trade %s: invalid direction %q", t.TradeID, t.Direction)
	}

	// Price geometry: stop on the losing side, target on the winning side.
	if t.EntryPrice > 0 && t.Target1 > 0 && t.InitialStopLoss > 0 {
		if t.Direction == DirectionBullish {
			if !(t.InitialStopLoss <= t.EntryPrice && t.EntryPrice <= t.Target1) {
				return fmt.Errorf("trade %s: bullish geometry violated: stop %.4f entry %.4f target %.4f",
					t.TradeID, t.InitialStopLoss, t.EntryPrice, t.Target1)
			}
		} else {
			if !(t.Target1 <= t.EntryPrice && t.EntryPrice <= t.InitialStopLoss) {
				return fmt.Errorf("trade %s: bearish geometry violated: target %.4f entry %.4f stop %.4f",
					t.TradeID, t.Target1, t.EntryPrice, t.InitialStopLoss)
			}
		}
	}

	switch t.Status {
	case StatusWaitingForEntry:
		if !t.EntryTime.IsZero() {
			return fmt.Errorf("trade %s in %s: EntryTime must be zero (current: %v)", t.TradeID, t.Status, t.EntryTime)
		}
	case StatusPendingFill:
		if t.EntryOrderID == "" {
			return fmt.Errorf("trade %s in %s: EntryOrderID must be set", t.TradeID, t.Status)
		}
	case StatusActive, StatusPartialExit:
		if t.EntryTime.IsZero() {
			return fmt.Errorf("trade %s in %s: EntryTime must be set", t.TradeID, t.Status)
		}
		if t.EntryPrice <= 0 {
			return fmt.Errorf("trade %s in %s: EntryPrice must be positive (current: %.4f)", t.TradeID, t.Status, t.EntryPrice)
		}
		if t.PositionSize <= 0 {
			return fmt.Errorf("trade %s in %s: PositionSize must be > 0 (current: %d)", t.TradeID, t.Status, t.PositionSize)
		}
		if t.Status == StatusPartialExit && !t.Target1Hit {
			return fmt.Errorf("trade %s in %s: Target1Hit must be true after a partial exit", t.TradeID, t.Status)
		}
	case StatusCompleted:
		if t.ExitTime.IsZero() {
			return fmt.Errorf("trade %s in %s: ExitTime must be set", t.TradeID, t.Status)
		}
		if !t.ExitReason.Valid() {
			return fmt.Errorf("trade %s in %s: invalid exit reason %q", t.TradeID, t.Status, t.ExitReason)
		}
		if !t.EntryTime.IsZero() && !t.EntryTime.Before(t.ExitTime) {
			return fmt.Errorf("trade %s in %s: EntryTime (%v) must precede ExitTime (%v)",
				t.TradeID, t.Status, t.EntryTime, t.ExitTime)
		}
	case StatusFailed, StatusCancelled:
		// Terminal without fills; nothing further to require.
	default:
		return fmt.Errorf("trade %s: unknown status %q", t.TradeID, t.Status)
	}

	// Trail bookkeeping: once TP1 is booked the trail must have advanced.
	if t.Target1Hit && t.TrailStage < 1 && t.Status != StatusCompleted {
		return fmt.Errorf("trade %s: target1Hit with trailStage %d", t.TradeID, t.TrailStage)
	}
	if t.TrailStage < 0 || t.TrailStage > 3 {
		return fmt.Errorf("trade %s: trailStage %d out of range", t.TradeID, t.TrailStage)
	}
	return nil
}

// Copy returns a deep copy safe to hand outside the writer goroutine.
func (t *ActiveTrade) Copy() *ActiveTrade {
	if t == nil {
		return nil
	}
	out := *t
	out.Machine = t.Machine.Copy()
	return &out
}
