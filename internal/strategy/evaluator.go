// Package strategy decides when a pending signal is ready to become a trade.
// The evaluator is a stateless predicate over one candle; the only state it
// touches is the breach/rejection memo on the pending signal itself.
package strategy

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/hours"
	"github.com/anirbansen/tradepulse/internal/models"
)

// Rejection reasons recorded on the pending signal and logged per bar.
const (
	ReasonOutsideWindow = "outside_golden_window"
	ReasonNoBreach      = "no_pivot_breach"
	ReasonNoReclaim     = "no_pivot_reclaim"
	ReasonLowVolume     = "volume_below_threshold"
	ReasonNoPattern     = "no_engulfing_pattern"
	ReasonNoTarget      = "no_pivot_target"
)

// Stop offsets applied to the confirmation bar's extreme.
const (
	bullishStopFactor = 0.999
	bearishStopFactor = 1.001
)

// rrEpsilon floors the risk denominator so a stop collapsing onto the close
// cannot blow up the ratio.
const rrEpsilon = 1e-9

// Candidate is a pending signal whose confirmation bar passed every entry
// predicate, with the trade geometry computed from that bar.
type Candidate struct {
	Pending  *models.PendingSignal
	Bar      models.Candle
	EntryRef float64 // confirmation close; the reference for RR and sizing
	StopLoss float64
	Target   float64
	RR       float64
}

// Evaluator applies the entry-confirmation predicates: golden window, pivot
// breach-then-reclaim, volume expansion, engulfing pattern.
type Evaluator struct {
	gate         *hours.Gate
	volumeFactor float64
	volumeTail   int
	log          *logrus.Logger
}

// NewEvaluator builds an evaluator from trading configuration.
func NewEvaluator(gate *hours.Gate, cfg config.TradingConfig, log *logrus.Logger) *Evaluator {
	return &Evaluator{
		gate:         gate,
		volumeFactor: cfg.VolumeFactor,
		volumeTail:   cfg.VolumeTail,
		log:          log,
	}
}

// Evaluate runs the predicates for one pending signal against the newest bar.
// prior holds bars strictly before curr, newest last. A nil candidate comes
// with the reason the bar was not good enough; breach memos and rejection
// counters are written through to the pending signal.
func (e *Evaluator) Evaluate(ps *models.PendingSignal, curr models.Candle, prior []models.Candle, levels models.PivotLevels) (*Candidate, string) {
	if !e.gate.InGoldenWindow(curr.WindowStart()) {
		// A skip, not a rejection: the signal keeps waiting.
		return nil, ReasonOutsideWindow
	}

	pivot := levels.Pivot

	if ps.BreachCandle == nil && breached(ps.Direction, curr, pivot) {
		ps.RecordBreach(curr)
	}
	if ps.BreachCandle == nil {
		return e.reject(ps, curr, ReasonNoBreach)
	}
	if !reclaimed(ps.Direction, curr, pivot) {
		return e.reject(ps, curr, ReasonNoReclaim)
	}
	if !e.volumeExpanded(curr, prior) {
		return e.reject(ps, curr, ReasonLowVolume)
	}
	if len(prior) == 0 || !Engulfing(ps.Direction, prior[len(prior)-1], curr) {
		return e.reject(ps, curr, ReasonNoPattern)
	}

	stop := curr.Low * bullishStopFactor
	if ps.Direction == models.DirectionBearish {
		stop = curr.High * bearishStopFactor
	}
	target, ok := levels.NextTarget(curr.Close, ps.Direction)
	if !ok {
		return e.reject(ps, curr, ReasonNoTarget)
	}

	rr := math.Abs(target-curr.Close) / math.Max(math.Abs(curr.Close-stop), rrEpsilon)
	ps.PotentialRR = rr

	return &Candidate{
		Pending:  ps,
		Bar:      curr,
		EntryRef: curr.Close,
		StopLoss: stop,
		Target:   target,
		RR:       rr,
	}, ""
}

func (e *Evaluator) reject(ps *models.PendingSignal, curr models.Candle, reason string) (*Candidate, string) {
	ps.RecordRejection(reason)
	e.log.WithFields(logrus.Fields{
		"event":     "entry_rejected",
		"scripCode": ps.Signal.ScripCode,
		"signalId":  ps.Signal.SignalID,
		"window":    curr.WindowStartMs,
		"reason":    reason,
		"attempts":  ps.ValidationAttempts,
	}).Debug("confirmation bar rejected")
	return nil, reason
}

// breached reports whether the bar crossed the pivot against the signal.
func breached(direction models.SignalDirection, c models.Candle, pivot float64) bool {
	if direction == models.DirectionBearish {
		return c.High >= pivot
	}
	return c.Low <= pivot
}

// reclaimed reports whether the bar closed back on the signal's side of the
// pivot. The breach bar itself may reclaim when both conditions hold.
func reclaimed(direction models.SignalDirection, c models.Candle, pivot float64) bool {
	if direction == models.DirectionBearish {
		return c.Close < pivot
	}
	return c.Close > pivot
}

// volumeExpanded checks the bar's volume against the mean of the tail-N prior
// bars. Insufficient history passes neutrally.
func (e *Evaluator) volumeExpanded(curr models.Candle, prior []models.Candle) bool {
	if e.volumeTail <= 0 || len(prior) < e.volumeTail {
		return true
	}
	tail := prior[len(prior)-e.volumeTail:]
	var sum float64
	for _, c := range tail {
		sum += c.Volume
	}
	mean := sum / float64(len(tail))
	if mean <= 0 {
		return true
	}
	return curr.Volume > mean*e.volumeFactor
}

// SelectBest picks the winner among READY candidates: largest RR, then
// earliest admission, then lexicographic scrip code.
func SelectBest(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.beats(best) {
			best = c
		}
	}
	return best, true
}

func (c Candidate) beats(o Candidate) bool {
	if c.RR != o.RR {
		return c.RR > o.RR
	}
	if !c.Pending.AdmittedAt.Equal(o.Pending.AdmittedAt) {
		return c.Pending.AdmittedAt.Before(o.Pending.AdmittedAt)
	}
	return c.Pending.Signal.ScripCode < o.Pending.Signal.ScripCode
}
