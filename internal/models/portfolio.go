package models

import (
	"math"
	"time"
)

// PortfolioState is the account-level view the risk engine reasons over. It is
// owned by the position manager's writer goroutine; readers receive copies.
type PortfolioState struct {
	AccountValue      float64 `json:"accountValue"`
	PeakValue         float64 `json:"peakValue"`
	SessionStartValue float64 `json:"sessionStartValue"`
	DailyRealizedPnL  float64 `json:"dailyRealizedPnl"`
	// SessionDate is the trading session in the configured zone, YYYY-MM-DD.
	SessionDate string `json:"sessionDate"`

	OpenPositions        int                `json:"openPositions"`
	ExposureByInstrument map[string]float64 `json:"exposureByInstrument,omitempty"`
	ExposureByStrategy   map[string]float64 `json:"exposureByStrategy,omitempty"`

	BreakerTripped bool      `json:"circuitBreakerTripped"`
	BreakerReason  string    `json:"circuitBreakerReason,omitempty"`
	BreakerTripAt  time.Time `json:"circuitBreakerTripAt,omitempty"`
}

// NewPortfolioState seeds the portfolio at session start.
func NewPortfolioState(accountValue float64, sessionDate string) *PortfolioState {
	return &PortfolioState{
		AccountValue:         accountValue,
		PeakValue:            accountValue,
		SessionStartValue:    accountValue,
		SessionDate:          sessionDate,
		ExposureByInstrument: make(map[string]float64),
		ExposureByStrategy:   make(map[string]float64),
	}
}

// ApplyRealized books realized P&L into the account and advances the peak.
func (p *PortfolioState) ApplyRealized(pnl float64) {
	p.AccountValue += pnl
	p.DailyRealizedPnL += pnl
	if p.AccountValue > p.PeakValue {
		p.PeakValue = p.AccountValue
	}
}

// AddExposure records an opened position's notional against its instrument and
// strategy buckets.
func (p *PortfolioState) AddExposure(scrip, strategy string, notional float64) {
	p.OpenPositions++
	if p.ExposureByInstrument == nil {
		p.ExposureByInstrument = make(map[string]float64)
	}
	if p.ExposureByStrategy == nil {
		p.ExposureByStrategy = make(map[string]float64)
	}
	p.ExposureByInstrument[scrip] += notional
	if strategy != "" {
		p.ExposureByStrategy[strategy] += notional
	}
}

// ReduceExposure trims notional from the buckets without freeing the position
// slot. A partial exit leaves the position open on the remainder.
func (p *PortfolioState) ReduceExposure(scrip, strategy string, notional float64) {
	if v, ok := p.ExposureByInstrument[scrip]; ok {
		if v -= notional; v <= 1e-9 {
			delete(p.ExposureByInstrument, scrip)
		} else {
			p.ExposureByInstrument[scrip] = v
		}
	}
	if strategy == "" {
		return
	}
	if v, ok := p.ExposureByStrategy[strategy]; ok {
		if v -= notional; v <= 1e-9 {
			delete(p.ExposureByStrategy, strategy)
		} else {
			p.ExposureByStrategy[strategy] = v
		}
	}
}

// ReleaseExposure removes a closed position's notional and frees its slot.
// Buckets never go negative; releasing more than recorded clamps at zero.
func (p *PortfolioState) ReleaseExposure(scrip, strategy string, notional float64) {
	if p.OpenPositions > 0 {
		p.OpenPositions--
	}
	p.ReduceExposure(scrip, strategy, notional)
}

// TotalExposure sums open notional across instruments.
func (p *PortfolioState) TotalExposure() float64 {
	var total float64
	for _, v := range p.ExposureByInstrument {
		total += v
	}
	return total
}

// DrawdownPct returns the current drawdown from the session peak in [0,1].
func (p *PortfolioState) DrawdownPct() float64 {
	if p.PeakValue <= 0 {
		return 0
	}
	dd := (p.PeakValue - p.AccountValue) / p.PeakValue
	return math.Max(dd, 0)
}

// SessionLoss returns today's total loss (realized plus the given unrealized)
// as a positive fraction of the session-start account value; zero when the
// session is net positive.
func (p *PortfolioState) SessionLoss(unrealized float64) float64 {
	if p.SessionStartValue <= 0 {
		return 0
	}
	total := p.DailyRealizedPnL + unrealized
	if total >= 0 {
		return 0
	}
	return -total / p.SessionStartValue
}

// TripBreaker latches the circuit breaker with a reason. Idempotent.
func (p *PortfolioState) TripBreaker(reason string, at time.Time) {
	if p.BreakerTripped {
		return
	}
	p.BreakerTripped = true
	p.BreakerReason = reason
	p.BreakerTripAt = at
}

// ResetBreaker clears the latch. Only operators do this.
func (p *PortfolioState) ResetBreaker() {
	p.BreakerTripped = false
	p.BreakerReason = ""
	p.BreakerTripAt = time.Time{}
}

// RollSession resets the daily counters for a new trading session while
// carrying the account value forward.
func (p *PortfolioState) RollSession(sessionDate string) {
	p.SessionDate = sessionDate
	p.SessionStartValue = p.AccountValue
	p.PeakValue = p.AccountValue
	p.DailyRealizedPnL = 0
	p.ResetBreaker()
}

// Copy returns a deep copy safe to hand outside the writer goroutine.
func (p *PortfolioState) Copy() *PortfolioState {
	if p == nil {
		return nil
	}
	out := *p
	out.ExposureByInstrument = make(map[string]float64, len(p.ExposureByInstrument))
	for k, v := range p.ExposureByInstrument {
		out.ExposureByInstrument[k] = v
	}
	out.ExposureByStrategy = make(map[string]float64, len(p.ExposureByStrategy))
	for k, v := range p.ExposureByStrategy {
		out.ExposureByStrategy[k] = v
	}
	return &out
}
