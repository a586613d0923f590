// Package risk enforces per-signal rules, portfolio gates, position sizing
// and the periodic threshold monitor.
package risk

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
)

// Rule names carried on violations and risk events.
const (
	RuleMinMove          = "min_move"
	RuleMaxStopDistance  = "max_stop_distance"
	RuleMinRR            = "min_rr"
	RuleDirection        = "direction_consistency"
	RuleBreaker          = "circuit_breaker"
	RuleMaxPositions     = "max_concurrent_positions"
	RulePerTradeRisk     = "per_trade_risk"
	RuleExposure         = "portfolio_exposure"
	RuleConcentration    = "instrument_concentration"
	RuleMaxPositionValue = "max_position_value"
)

// boundaryEps absorbs float noise so a ratio that is exactly at a limit
// passes the way the rule reads.
const boundaryEps = 1e-9

// Violation is a failed risk rule with the numbers that failed it.
type Violation struct {
	Rule    string
	Message string
	Current float64
	Limit   float64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s (current %.4f, limit %.4f)", v.Rule, v.Message, v.Current, v.Limit)
}

// Event converts the violation into a risk event for publication. Per-signal
// rules map to their VALIDATION_* types; portfolio gates report RISK_BLOCKED.
func (v *Violation) Event(scope string) models.RiskEvent {
	eventType := models.EventRiskBlocked
	switch v.Rule {
	case RuleMinMove:
		eventType = models.EventValidationMinMove
	case RuleMaxStopDistance:
		eventType = models.EventValidationStopTooFar
	case RuleMinRR:
		eventType = models.EventValidationMinRR
	case RuleDirection:
		eventType = models.EventValidationDirection
	}
	sev := models.SeverityWarning
	if v.Rule == RuleBreaker {
		sev = models.SeverityCritical
	}
	return models.NewRiskEvent(eventType, sev, scope, v.Error()).
		WithValues(v.Current, v.Limit)
}

// Policy evaluates signals and entry candidates against configured limits.
type Policy struct {
	cfg config.RiskConfig
	log *logrus.Logger
}

// NewPolicy returns a policy bound to the configured limits.
func NewPolicy(cfg config.RiskConfig, log *logrus.Logger) *Policy {
	return &Policy{cfg: cfg, log: log}
}

// ValidateSignal applies the per-signal rules around the given entry
// reference. It runs once at admission with the signal's own numbers and
// again before submission with the confirmation bar's geometry.
func (p *Policy) ValidateSignal(direction models.SignalDirection, entry, stop, target float64) error {
	if entry <= 0 {
		return &Violation{Rule: RuleDirection, Message: "entry price must be positive", Current: entry}
	}

	move := math.Abs(target-entry) / entry
	if move+boundaryEps < p.cfg.MinMove {
		return &Violation{
			Rule:    RuleMinMove,
			Message: "target too close to entry",
			Current: move,
			Limit:   p.cfg.MinMove,
		}
	}

	stopDist := math.Abs(entry-stop) / entry
	if stopDist > p.cfg.MaxStopDistance+boundaryEps {
		return &Violation{
			Rule:    RuleMaxStopDistance,
			Message: "stop too far from entry",
			Current: stopDist,
			Limit:   p.cfg.MaxStopDistance,
		}
	}

	risk := math.Abs(entry - stop)
	if risk < boundaryEps {
		return &Violation{Rule: RuleMinRR, Message: "stop collapses onto entry", Current: 0, Limit: p.cfg.MinRR}
	}
	rr := math.Abs(target-entry) / risk
	if rr+boundaryEps < p.cfg.MinRR {
		return &Violation{
			Rule:    RuleMinRR,
			Message: "reward:risk below minimum",
			Current: rr,
			Limit:   p.cfg.MinRR,
		}
	}

	switch direction {
	case models.DirectionBullish:
		if !(stop < entry && entry < target) {
			return &Violation{Rule: RuleDirection, Message: "bullish geometry requires stop < entry < target"}
		}
	case models.DirectionBearish:
		if !(target < entry && entry < stop) {
			return &Violation{Rule: RuleDirection, Message: "bearish geometry requires target < entry < stop"}
		}
	default:
		return &Violation{Rule: RuleDirection, Message: fmt.Sprintf("unknown direction %q", direction)}
	}

	return nil
}

// ApproveEntry applies the portfolio gates to a sized candidate immediately
// before order submission. state is the manager's current snapshot.
func (p *Policy) ApproveEntry(state *models.PortfolioState, scripCode string, entry, stop float64, qty int) error {
	if state.BreakerTripped {
		return &Violation{
			Rule:    RuleBreaker,
			Message: fmt.Sprintf("circuit breaker tripped: %s", state.BreakerReason),
		}
	}

	if state.OpenPositions >= p.cfg.MaxConcurrentPositions {
		return &Violation{
			Rule:    RuleMaxPositions,
			Message: "position slots exhausted",
			Current: float64(state.OpenPositions),
			Limit:   float64(p.cfg.MaxConcurrentPositions),
		}
	}

	perTradeRisk := math.Abs(entry-stop) * float64(qty)
	riskLimit := p.cfg.MaxPositionRisk * state.AccountValue
	if perTradeRisk > riskLimit+boundaryEps {
		return &Violation{
			Rule:    RulePerTradeRisk,
			Message: "stop-out loss exceeds per-trade risk budget",
			Current: perTradeRisk,
			Limit:   riskLimit,
		}
	}

	notional := entry * float64(qty)
	exposure := state.TotalExposure() + notional
	exposureLimit := p.cfg.MaxExposurePct * state.AccountValue
	if exposure > exposureLimit+boundaryEps {
		return &Violation{
			Rule:    RuleExposure,
			Message: "portfolio exposure limit exceeded",
			Current: exposure,
			Limit:   exposureLimit,
		}
	}

	instrument := state.ExposureByInstrument[scripCode] + notional
	if exposure > 0 {
		share := instrument / exposure
		if share > p.cfg.MaxInstrumentShare+boundaryEps {
			return &Violation{
				Rule:    RuleConcentration,
				Message: "instrument concentration limit exceeded",
				Current: share,
				Limit:   p.cfg.MaxInstrumentShare,
			}
		}
	}

	if p.cfg.MaxPositionValue > 0 && notional > p.cfg.MaxPositionValue+boundaryEps {
		return &Violation{
			Rule:    RuleMaxPositionValue,
			Message: "position value limit exceeded",
			Current: notional,
			Limit:   p.cfg.MaxPositionValue,
		}
	}

	return nil
}

// ShouldTrip evaluates the breaker conditions against a portfolio snapshot
// plus current unrealized P&L, returning the trip reason when one fires.
func (p *Policy) ShouldTrip(state *models.PortfolioState, unrealized float64) (string, bool) {
	if loss := state.SessionLoss(unrealized); loss >= p.cfg.MaxDailyLoss {
		return fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%", loss*100, p.cfg.MaxDailyLoss*100), true
	}
	if dd := state.DrawdownPct(); dd >= p.cfg.MaxDrawdown {
		return fmt.Sprintf("drawdown %.2f%% breached limit %.2f%%", dd*100, p.cfg.MaxDrawdown*100), true
	}
	return "", false
}
