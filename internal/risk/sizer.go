package risk

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/util"
)

// Multiplier bounds applied to signal-provided adjustments.
const (
	minSizeMultiplier = 0.5
	maxSizeMultiplier = 2.0

	minMicroMultiplier = 0.5
	maxMicroMultiplier = 1.5
)

// Sizer converts an approved candidate into a quantity. Sizing is risk-based:
// the stop-out loss of the full position equals the per-trade risk budget
// before multipliers.
type Sizer struct {
	cfg config.RiskConfig
	log *logrus.Logger
}

// NewSizer returns a sizer bound to the configured risk fractions.
func NewSizer(cfg config.RiskConfig, log *logrus.Logger) *Sizer {
	return &Sizer{cfg: cfg, log: log}
}

// Size computes the quantity for a candidate entry. Zero means the trade is
// not worth taking; the result is never negative.
func (s *Sizer) Size(accountValue float64, sig models.StrategySignal, entry, stop float64, lotSize int) int {
	risk := math.Abs(entry - stop)
	if risk <= 0 || entry <= 0 || accountValue <= 0 {
		return 0
	}

	baseRisk := accountValue * s.cfg.RiskPerTrade
	raw := math.Floor(baseRisk / risk)
	if raw <= 0 {
		return 0
	}

	confidence := 1.0
	if sig.MLConfidence != nil {
		confidence = 0.5 + 0.5*util.Clip(*sig.MLConfidence, 0, 1)
	}

	micro := 1.0
	if sig.MicrostructureLiquidity != nil {
		micro = util.Clip(minMicroMultiplier+*sig.MicrostructureLiquidity,
			minMicroMultiplier, maxMicroMultiplier)
	}

	signalMult := 1.0
	if sig.PositionSizeMultiplier != nil {
		signalMult = util.Clip(*sig.PositionSizeMultiplier, minSizeMultiplier, maxSizeMultiplier)
	}

	size := math.Floor(raw * confidence * micro * signalMult)

	// Cap the notional value of the position.
	if s.cfg.MaxPositionValue > 0 {
		maxByValue := math.Floor(s.cfg.MaxPositionValue / entry)
		if size > maxByValue {
			size = maxByValue
		}
	}

	qty := util.FloorToLot(int(size), lotSize)
	if qty < 0 {
		qty = 0
	}

	s.log.WithFields(logrus.Fields{
		"event":      "position_sized",
		"scripCode":  sig.ScripCode,
		"baseRisk":   baseRisk,
		"rawSize":    raw,
		"confidence": confidence,
		"micro":      micro,
		"signalMult": signalMult,
		"lotSize":    lotSize,
		"qty":        qty,
	}).Debug("sized candidate")

	return qty
}
