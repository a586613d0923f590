package engine

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
)

// onVerification applies an order verification result to the open trade.
// Results for trades no longer on the book are logged and dropped; the
// verifier already guarantees at most one result per order.
func (e *Engine) onVerification(res orders.Result) {
	t := e.trade
	if t == nil || t.TradeID != res.TradeID {
		e.log.WithFields(logrus.Fields{
			"event":   "verification_stale",
			"orderId": res.OrderID,
			"tradeId": res.TradeID,
		}).Debug("verification result for unknown trade")
		return
	}
	if res.Entry {
		e.onEntryVerified(t, res)
		return
	}
	e.onExitVerified(t, res)
}

// onEntryVerified settles the entry order: adopt the actual fill and go
// ACTIVE, or release the slot on rejection, cancel, or timeout.
func (e *Engine) onEntryVerified(t *models.ActiveTrade, res orders.Result) {
	if t.Status != models.StatusPendingFill {
		e.log.WithFields(logrus.Fields{
			"event":   "verification_stale",
			"tradeId": t.TradeID,
			"status":  t.Status,
		}).Debug("entry verification in unexpected status")
		return
	}

	if !res.Success {
		cond := models.ConditionEntryRejected
		if strings.Contains(res.Message, "timeout") {
			cond = models.ConditionEntryTimeout
		}
		if err := t.TransitionStatus(models.StatusFailed, cond); err != nil {
			e.log.WithError(err).Error("entry-failed transition rejected")
		}
		e.emitEvent(models.NewRiskEvent(models.EventVerifyFail, models.SeverityCritical, t.ScripCode,
			fmt.Sprintf("entry not filled: %s", res.Message)))
		e.trade = nil
		e.persistTrade()
		e.log.WithFields(logrus.Fields{
			"event":   "entry_failed",
			"tradeId": t.TradeID,
			"orderId": res.OrderID,
			"reason":  res.Message,
		}).Error("entry verification failed, slot released")
		return
	}

	// The broker's fill is authoritative.
	if res.AvgPrice > 0 {
		t.EntryPrice = res.AvgPrice
	}
	if res.FilledQty > 0 {
		t.PositionSize = res.FilledQty
	}
	if res.Partial {
		e.emitEvent(models.NewRiskEvent(models.EventRiskPartialFill, models.SeverityWarning, t.ScripCode,
			fmt.Sprintf("entry filled %d of %d; position sized to the fill", t.PositionSize, t.RequestedQty)).
			WithValues(float64(t.PositionSize), float64(t.RequestedQty)))
	}
	if err := t.TransitionStatus(models.StatusActive, models.ConditionEntryVerified); err != nil {
		e.log.WithError(err).Error("active transition rejected")
		return
	}

	e.portfolio.AddExposure(t.ScripCode, t.StrategyName, t.EntryPrice*float64(t.PositionSize))
	e.persistTrade()
	e.persistPortfolio()

	if e.publisher != nil {
		e.publisher.TradeEntry(t)
	}
	e.notifyTradeOpened(t)

	e.log.WithFields(logrus.Fields{
		"event":     "trade_opened",
		"tradeId":   t.TradeID,
		"scripCode": t.ScripCode,
		"direction": t.Direction,
		"entry":     t.EntryPrice,
		"qty":       t.PositionSize,
		"partial":   res.Partial,
	}).Info("position live")
}

// onExitVerified settles an exit order. Anything filled is booked at the
// actual price; a completely unfilled exit feeds the retry ladder.
func (e *Engine) onExitVerified(t *models.ActiveTrade, res orders.Result) {
	if t.ExitOrderID != res.OrderID {
		e.log.WithFields(logrus.Fields{
			"event":   "verification_stale",
			"tradeId": t.TradeID,
			"orderId": res.OrderID,
		}).Debug("exit verification for unknown order")
		return
	}
	t.ExitOrderID = ""

	intent := e.exit
	e.exit = nil
	if intent == nil {
		// Rebuilt after a restart; treat as a full exit of whatever fills.
		intent = &exitIntent{orderID: res.OrderID, reason: t.ExitReason, qty: t.PositionSize}
	}

	if !res.Success && res.FilledQty == 0 {
		e.recordExitFailure(t, fmt.Sprintf("exit not filled: %s", res.Message))
		return
	}

	filled := res.FilledQty
	if filled <= 0 || filled > t.PositionSize {
		filled = t.PositionSize
	}
	price := res.AvgPrice
	if price <= 0 {
		price = intent.level
	}
	if price <= 0 {
		price = e.exitLevel(t, intent.reason)
	}

	pnl := priceMove(t.Direction, t.EntryPrice, price) * float64(filled)
	t.RealizedPnL += pnl
	e.portfolio.ApplyRealized(pnl)
	t.ExitAttempts = 0
	t.ExitFailureReason = ""

	if filled < t.PositionSize {
		// The leg frees its notional; the slot stays held by the remainder.
		e.portfolio.ReduceExposure(t.ScripCode, t.StrategyName, t.EntryPrice*float64(filled))
		e.bookPartialLeg(t, intent, filled, price, pnl)
		return
	}
	e.portfolio.ReleaseExposure(t.ScripCode, t.StrategyName, t.EntryPrice*float64(filled))
	e.completeTrade(t, price)
}

// bookPartialLeg books an exit that left quantity on: the intended TP1
// fraction, or an unintended partial fill whose remainder retries next bar.
func (e *Engine) bookPartialLeg(t *models.ActiveTrade, intent *exitIntent, filled int, price, pnl float64) {
	t.PositionSize -= filled

	if intent.partial && filled >= intent.qty {
		// TP1 leg complete: breakeven stop, remainder runs to TARGET2.
		t.Target1Hit = true
		t.ExitReason = ""
		if t.Direction == models.DirectionBullish && t.StopLoss < t.EntryPrice {
			t.StopLoss = t.EntryPrice
		}
		if t.Direction == models.DirectionBearish && t.StopLoss > t.EntryPrice {
			t.StopLoss = t.EntryPrice
		}
		if err := t.TransitionStatus(models.StatusPartialExit, models.ConditionTargetPartial); err != nil {
			e.log.WithError(err).Error("partial-exit transition rejected")
		}
		e.log.WithFields(logrus.Fields{
			"event":     "partial_exit",
			"tradeId":   t.TradeID,
			"filled":    filled,
			"price":     price,
			"pnl":       pnl,
			"remaining": t.PositionSize,
			"stop":      t.EffectiveStop(),
		}).Info("TP1 booked, remainder running to TARGET2")
	} else {
		// Exit meant to close this quantity but the fill came up short.
		e.emitEvent(models.NewRiskEvent(models.EventRiskPartialFill, models.SeverityWarning, t.ScripCode,
			fmt.Sprintf("exit filled %d of %d; remainder retried next bar", filled, intent.qty)).
			WithValues(float64(filled), float64(intent.qty)))
	}

	e.persistTrade()
	e.persistPortfolio()
	if e.publisher != nil {
		e.publisher.PortfolioUpdate(e.ctx, *e.portfolio)
	}
}

// completeTrade finishes the position at the given fill price: result
// archived, published once, slot released.
func (e *Engine) completeTrade(t *models.ActiveTrade, price float64) {
	t.ExitPrice = price
	if err := t.TransitionStatus(models.StatusCompleted, models.ConditionExitVerified); err != nil {
		e.log.WithError(err).Error("completed transition rejected")
	}

	result := models.ResultFromTrade(t)
	if err := e.store.CloseTrade(result); err != nil {
		e.log.WithError(err).WithField("tradeId", t.TradeID).Warn("result archive to snapshot failed")
	}
	e.persistPortfolio()

	if e.publisher != nil {
		e.publisher.TradeResult(e.ctx, result, e.portfolio.AccountValue)
		e.publisher.PortfolioUpdate(e.ctx, *e.portfolio)
	}
	e.notifyTradeClosed(result)

	e.trade = nil
	e.exitStuck = false

	e.log.WithFields(logrus.Fields{
		"event":     "trade_closed",
		"tradeId":   result.TradeID,
		"scripCode": result.ScripCode,
		"reason":    result.ExitReason,
		"exit":      result.ExitPrice,
		"qty":       result.Quantity,
		"pnl":       result.PnL,
		"rMultiple": result.RMultiple,
	}).Info("trade complete, slot released")
}

func (e *Engine) notifyTradeOpened(t *models.ActiveTrade) {
	if e.mode == config.ModeSilent {
		return
	}
	e.notifier.TradeOpened(*t.Copy())
}

func (e *Engine) notifyTradeClosed(res models.TradeResult) {
	if e.mode == config.ModeSilent {
		return
	}
	e.notifier.TradeClosed(res)
}

// priceMove returns the per-unit move from entry to exit in the trade's
// favor-positive convention.
func priceMove(dir models.SignalDirection, entry, exit float64) float64 {
	move := exit - entry
	if dir == models.DirectionBearish {
		move = -move
	}
	return move
}
