package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
	"github.com/anirbansen/tradepulse/internal/util"
)

// trailEps keeps an excursion landing exactly on a stage trigger inside the
// stage.
const trailEps = 1e-9

// manage applies one bar to the open position: watermarks, trailing, then
// exit detection. Nothing here completes a trade; completion waits for the
// verifier.
func (e *Engine) manage(c models.Candle) {
	t := e.trade
	if t.Status != models.StatusActive && t.Status != models.StatusPartialExit {
		return
	}

	t.UpdateExcursions(c)
	e.advanceTrail(t)

	switch {
	case t.ExitOrderID != "":
		// Exit order in flight; persist the watermarks and wait.
		e.persistTrade()
	case e.exitStuck:
		e.persistTrade()
	case t.ExitReason != "":
		e.retryExit(t)
	default:
		if reason, level, ok := e.detectExit(t, c); ok {
			e.beginExit(t, reason, level)
		} else {
			e.persistTrade()
		}
	}
}

// advanceTrail walks the R-multiple ladder from the trade's current stage.
// The stage index never moves backwards and the stop only tightens.
func (e *Engine) advanceTrail(t *models.ActiveTrade) {
	if !e.cfg.Trailing.Enabled || len(e.cfg.Trailing.Stages) == 0 {
		return
	}
	r := t.R()
	if r <= 0 {
		return
	}
	fav := t.MaxFavorableExcursion() / r

	stages := e.cfg.Trailing.Stages
	for i := t.TrailStage; i < len(stages); i++ {
		st := stages[i]
		if fav < st.TriggerR-trailEps {
			break
		}
		stop := t.EntryPrice + st.StopR*r
		if t.Direction == models.DirectionBearish {
			stop = t.EntryPrice - st.StopR*r
		}
		improved := false
		if t.Direction == models.DirectionBullish && stop > t.EffectiveStop() {
			t.TrailingStop = stop
			improved = true
		}
		if t.Direction == models.DirectionBearish && stop < t.EffectiveStop() {
			t.TrailingStop = stop
			improved = true
		}
		t.TrailStage = i + 1

		e.log.WithFields(logrus.Fields{
			"event":    "trail_advance",
			"tradeId":  t.TradeID,
			"stage":    t.TrailStage,
			"triggerR": st.TriggerR,
			"stop":     t.EffectiveStop(),
			"moved":    improved,
		}).Info("trailing stop advanced")
	}
}

// detectExit checks the bar against the effective stop and the working
// target. When both trigger within one bar the stop wins. The exit price is
// the level itself, never the bar extreme.
func (e *Engine) detectExit(t *models.ActiveTrade, c models.Candle) (models.ExitReason, float64, bool) {
	stop := t.EffectiveStop()
	target := t.Target1
	targetReason := models.ExitTarget1
	if t.Status == models.StatusPartialExit {
		target = t.Target2
		targetReason = models.ExitTarget2
	}

	if t.Direction == models.DirectionBullish {
		if stop > 0 && c.Low <= stop {
			return models.ExitStopLoss, stop, true
		}
		if target > 0 && c.High >= target {
			return targetReason, target, true
		}
		return "", 0, false
	}
	if stop > 0 && c.High >= stop {
		return models.ExitStopLoss, stop, true
	}
	if target > 0 && c.Low <= target {
		return targetReason, target, true
	}
	return "", 0, false
}

// beginExit stamps the exit reason and submits the order. A TARGET1 hit on
// the virtual path closes only the configured fraction; the remainder runs
// to TARGET2 behind a breakeven stop once the partial fill verifies.
func (e *Engine) beginExit(t *models.ActiveTrade, reason models.ExitReason, level float64) {
	qty := t.PositionSize
	partial := false
	if reason == models.ExitTarget1 && t.Status == models.StatusActive && e.partialExitEnabled() {
		if fq, ok := e.partialExitQty(t); ok {
			qty, partial = fq, true
		}
	}

	t.ExitReason = reason
	e.log.WithFields(logrus.Fields{
		"event":   "exit_triggered",
		"tradeId": t.TradeID,
		"reason":  reason,
		"level":   level,
		"qty":     qty,
		"partial": partial,
	}).Info("exit condition met")

	_ = e.submitExit(t, reason, qty, level, partial)
}

// partialExitEnabled reports whether TP1 closes a fraction instead of the
// whole position. Only the virtual path supports it.
func (e *Engine) partialExitEnabled() bool {
	frac := e.cfg.Trading.TP1ExitFraction
	return e.mode != config.ModeLive && frac > 0 && frac < 1
}

// partialExitQty computes the TP1 leg, floored to the lot. A split that
// rounds to zero or swallows the position, or a missing TARGET2 beyond
// TARGET1, falls back to a full exit.
func (e *Engine) partialExitQty(t *models.ActiveTrade) (int, bool) {
	hasRunway := t.Target2 > t.Target1
	if t.Direction == models.DirectionBearish {
		hasRunway = t.Target2 > 0 && t.Target2 < t.Target1
	}
	if !hasRunway {
		return 0, false
	}

	fq := int(float64(t.PositionSize) * e.cfg.Trading.TP1ExitFraction)
	if lot := t.Exec.Instrument.LotSize; lot > 1 {
		fq = util.FloorToLot(fq, lot)
	}
	if fq <= 0 || fq >= t.PositionSize {
		return 0, false
	}
	return fq, true
}

// retryExit resubmits a previously failed or partially filled exit. Bar
// driven: one attempt per bar until the ladder escalates.
func (e *Engine) retryExit(t *models.ActiveTrade) {
	if e.exitStuck || t.ExitOrderID != "" || t.ExitReason == "" {
		return
	}
	e.log.WithFields(logrus.Fields{
		"event":    "exit_retry",
		"tradeId":  t.TradeID,
		"reason":   t.ExitReason,
		"attempts": t.ExitAttempts,
	}).Warn("retrying exit")
	e.beginExit(t, t.ExitReason, e.exitLevel(t, t.ExitReason))
}

// exitLevel resolves the reference price for an exit reason. Session and
// manual closes use the freshest mark available.
func (e *Engine) exitLevel(t *models.ActiveTrade, reason models.ExitReason) float64 {
	switch reason {
	case models.ExitStopLoss:
		return t.EffectiveStop()
	case models.ExitTarget1:
		return t.Target1
	case models.ExitTarget2:
		return t.Target2
	default:
		if c, ok := e.history.Last(t.ScripCode); ok {
			return c.Close
		}
		if px, ok := e.prices.Price(t.ScripCode); ok {
			return px
		}
		return t.EntryPrice
	}
}

// submitExit places the exit order and registers its verification.
func (e *Engine) submitExit(t *models.ActiveTrade, reason models.ExitReason, qty int, level float64, partial bool) error {
	order := e.buildExitOrder(t, reason, qty, level)
	orderID, err := e.placeOrder(order)
	if err != nil {
		e.recordExitFailure(t, fmt.Sprintf("exit submission: %v", err))
		return err
	}

	t.ExitOrderID = orderID
	e.exit = &exitIntent{orderID: orderID, reason: reason, qty: qty, level: level, partial: partial}
	e.persistTrade()
	e.verifier.Watch(e.ctx, orders.Request{
		OrderID:     orderID,
		TradeID:     t.TradeID,
		Entry:       false,
		Qty:         qty,
		SubmittedAt: e.now(),
	})

	e.log.WithFields(logrus.Fields{
		"event":   "exit_submitted",
		"tradeId": t.TradeID,
		"orderId": orderID,
		"reason":  reason,
		"qty":     qty,
		"level":   level,
		"partial": partial,
	}).Info("exit order submitted")
	return nil
}

// buildExitOrder constructs the closing order: spread-aware LIMIT on
// derivative segments, MARKET otherwise. A strategy-provided exit limit is
// honored only for target exits; stops must cross the book.
func (e *Engine) buildExitOrder(t *models.ActiveTrade, reason models.ExitReason, qty int, level float64) models.Order {
	side := models.EntrySide(t.Direction).Opposite()
	base := models.OrderBase{
		Instrument: t.Exec.Instrument,
		Side:       side,
		Qty:        qty,
		ClientID:   uuid.New().String(),
	}
	if !t.Exec.Instrument.Derivative() {
		return models.MarketOrder{OrderBase: base}
	}

	limit := 0.0
	if t.Exec.LimitExit > 0 && (reason == models.ExitTarget1 || reason == models.ExitTarget2) {
		limit = t.Exec.LimitExit
	}
	if limit <= 0 {
		limit = e.spreadLimit(t.Exec.Instrument, side, level)
	}
	return models.LimitOrder{OrderBase: base, LimitPrice: limit}
}

// recordExitFailure advances the retry ladder. Three consecutive failures
// escalate to CRITICAL and freeze further attempts until an operator
// acknowledges.
func (e *Engine) recordExitFailure(t *models.ActiveTrade, msg string) {
	t.ExitAttempts++
	t.LastExitAttempt = e.now()
	t.ExitFailureReason = msg
	e.exit = nil

	retries := e.cfg.Trading.ExitVerifyRetries
	if retries <= 0 {
		retries = 3
	}
	if t.ExitAttempts >= retries {
		e.exitStuck = true
		e.emitEvent(models.NewRiskEvent(models.EventVerifyFail, models.SeverityCritical, t.ScripCode,
			fmt.Sprintf("exit failed %d times (%s); operator acknowledgment required", t.ExitAttempts, msg)))
		e.log.WithFields(logrus.Fields{
			"event":    "exit_escalated",
			"tradeId":  t.TradeID,
			"attempts": t.ExitAttempts,
		}).Error("exit retries exhausted, awaiting operator acknowledgment")
	} else {
		e.emitEvent(models.NewRiskEvent(models.EventVerifyFail, models.SeverityWarning, t.ScripCode, msg))
	}
	e.persistTrade()
}
