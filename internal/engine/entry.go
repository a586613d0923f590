package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
	"github.com/anirbansen/tradepulse/internal/risk"
	"github.com/anirbansen/tradepulse/internal/strategy"
	"github.com/anirbansen/tradepulse/internal/util"
)

// evaluateEntries runs the confirmation predicates for the bar's pending
// signal and promotes the best READY candidate. Pivot unavailability is a
// deferral: the signal stays pending and the next bar retries.
func (e *Engine) evaluateEntries(c models.Candle) {
	ps, ok := e.watch.Get(c.InstrumentKey)
	if !ok {
		return
	}
	if ps.Expired(e.now()) {
		e.watch.Remove(ps.Signal.ScripCode)
		e.emitEvent(models.NewRiskEvent(models.EventSignalExpired, models.SeverityInfo, ps.Signal.ScripCode,
			fmt.Sprintf("signal %s expired before confirmation", ps.Signal.SignalID)))
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PivotTimeout())
	levels, err := e.pivots.Levels(ctx, ps.Signal.ScripCode, c.Close, ps.Direction)
	cancel()
	if err != nil {
		ps.RecordRejection(models.EventPivotUnavailable)
		e.log.WithFields(logrus.Fields{
			"event":     "pivot_deferred",
			"scripCode": ps.Signal.ScripCode,
			"error":     err.Error(),
		}).Warn("pivot levels unavailable, retrying next bar")
		return
	}

	cand, reason := e.eval.Evaluate(ps, c, e.priorBars(c), levels)
	if cand == nil {
		e.log.WithFields(logrus.Fields{
			"event":     "entry_not_ready",
			"scripCode": ps.Signal.ScripCode,
			"reason":    reason,
		}).Debug("confirmation predicates not met")
		return
	}

	best, ok := strategy.SelectBest([]strategy.Candidate{*cand})
	if !ok {
		return
	}
	e.promote(best)
}

// priorBars returns the bars strictly before the current one, newest last,
// sized for the volume-expansion window.
func (e *Engine) priorBars(c models.Candle) []models.Candle {
	tail := e.cfg.Trading.VolumeTail
	if tail <= 0 {
		tail = 20
	}
	bars := e.history.Tail(c.InstrumentKey, tail+1)
	if n := len(bars); n > 0 && bars[n-1].WindowStartMs == c.WindowStartMs {
		bars = bars[:n-1]
	}
	return bars
}

// promote runs the pre-submission gates on a READY candidate: per-signal
// revalidation at the confirmation price, sizing, then the portfolio gate.
// Every refusal removes the signal from the watchlist; refusals are drops,
// not deferrals.
func (e *Engine) promote(cand strategy.Candidate) {
	ps := cand.Pending
	scrip := ps.Signal.ScripCode

	// The slot check cannot wait for ApproveEntry: open-position exposure is
	// only booked at fill, so a candidate arriving while an entry is pending
	// would otherwise double-submit.
	if e.trade != nil && e.trade.HoldsSlot() {
		e.rejectCandidate(scrip, &risk.Violation{
			Rule:    risk.RuleMaxPositions,
			Message: "active trade slot held",
			Current: 1,
			Limit:   1,
		}, "entry_blocked")
		return
	}

	if err := e.policy.ValidateSignal(ps.Direction, cand.EntryRef, cand.StopLoss, cand.Target); err != nil {
		e.rejectCandidate(scrip, err, "entry_revalidation_failed")
		return
	}

	inst := executionInstrument(ps.Signal, e.cfg.Trading.DefaultTickSize)
	lot := inst.LotSize
	if lot <= 0 {
		lot = 1
	}
	qty := e.sizer.Size(e.portfolio.AccountValue, ps.Signal, cand.EntryRef, cand.StopLoss, lot)
	if qty <= 0 {
		e.watch.Remove(scrip)
		e.emitEvent(models.NewRiskEvent(models.EventRiskSizerZero, models.SeverityWarning, scrip,
			fmt.Sprintf("position size rounded to zero at entry %.2f stop %.2f", cand.EntryRef, cand.StopLoss)))
		return
	}

	if err := e.policy.ApproveEntry(e.portfolio, scrip, cand.EntryRef, cand.StopLoss, qty); err != nil {
		e.rejectCandidate(scrip, err, "entry_blocked")
		return
	}

	e.submitEntry(cand, inst, qty)
}

// rejectCandidate drops a refused candidate with the violation's event type.
func (e *Engine) rejectCandidate(scrip string, err error, logEvent string) {
	e.watch.Remove(scrip)

	ev := models.NewRiskEvent(models.EventRiskBlocked, models.SeverityWarning, scrip, err.Error())
	var v *risk.Violation
	if errors.As(err, &v) {
		ev = v.Event(scrip)
	}
	e.emitEvent(ev)

	e.log.WithFields(logrus.Fields{
		"event":     logEvent,
		"scripCode": scrip,
		"reason":    err.Error(),
	}).Info("candidate removed from watchlist")
}

// submitEntry places the entry order and takes the single active-trade slot.
// The watchlist is cleared on submission: one position means nothing else is
// waiting for confirmation.
func (e *Engine) submitEntry(cand strategy.Candidate, inst models.Instrument, qty int) {
	ps := cand.Pending
	exec := models.ExecutionDetail{
		Instrument: inst,
		LimitEntry: ps.Signal.OrderLimitPriceEntry,
		LimitExit:  ps.Signal.OrderLimitPriceExit,
	}
	trade := models.NewActiveTrade(uuid.New().String(), ps, cand.EntryRef, cand.StopLoss, cand.Target, qty, exec)

	order := e.buildEntryOrder(trade, qty)
	orderID, err := e.placeOrder(order)
	if err != nil {
		if terr := trade.TransitionStatus(models.StatusFailed, models.ConditionEntryRejected); terr != nil {
			e.log.WithError(terr).Error("failed-entry transition rejected")
		}
		e.watch.Remove(ps.Signal.ScripCode)
		e.emitEvent(models.NewRiskEvent(brokerEventType(err), models.SeverityCritical, ps.Signal.ScripCode,
			fmt.Sprintf("entry order refused: %v", err)))
		e.log.WithFields(logrus.Fields{
			"event":     "entry_rejected",
			"tradeId":   trade.TradeID,
			"scripCode": ps.Signal.ScripCode,
			"error":     err.Error(),
		}).Error("entry order submission failed")
		return
	}

	trade.EntryOrderID = orderID
	if err := trade.TransitionStatus(models.StatusPendingFill, models.ConditionEntrySubmitted); err != nil {
		e.log.WithError(err).Error("pending-fill transition rejected")
		return
	}

	e.trade = trade
	cleared := e.watch.Clear()
	e.persistTrade()
	e.verifier.Watch(e.ctx, orders.Request{
		OrderID:     orderID,
		TradeID:     trade.TradeID,
		Entry:       true,
		Qty:         qty,
		SubmittedAt: e.now(),
	})

	e.log.WithFields(logrus.Fields{
		"event":            "entry_submitted",
		"tradeId":          trade.TradeID,
		"scripCode":        ps.Signal.ScripCode,
		"direction":        trade.Direction,
		"entry":            trade.EntryPrice,
		"stop":             trade.StopLoss,
		"target":           trade.Target1,
		"qty":              qty,
		"rr":               cand.RR,
		"orderId":          orderID,
		"watchlistCleared": cleared,
	}).Info("entry order submitted")
}

// buildEntryOrder constructs the broker order for an entry: spread-aware
// LIMIT on derivative segments, MARKET otherwise.
func (e *Engine) buildEntryOrder(t *models.ActiveTrade, qty int) models.Order {
	side := models.EntrySide(t.Direction)
	base := models.OrderBase{
		Instrument: t.Exec.Instrument,
		Side:       side,
		Qty:        qty,
		ClientID:   uuid.New().String(),
	}
	if !t.Exec.Instrument.Derivative() {
		return models.MarketOrder{OrderBase: base}
	}
	limit := t.Exec.LimitEntry
	if limit <= 0 {
		limit = e.spreadLimit(t.Exec.Instrument, side, t.EntryPrice)
	}
	return models.LimitOrder{OrderBase: base, LimitPrice: limit}
}

// spreadLimit prices a marketable limit from the cached book: cross the
// spread and pad by slippageTicks so a moving quote still fills. Falls back
// to the reference price when no quote is cached.
func (e *Engine) spreadLimit(inst models.Instrument, side models.Side, ref float64) float64 {
	bid, ask, ok := e.prices.Quote(inst.ScripCode)
	if !ok && e.kv != nil {
		if snap, found := e.kv.Orderbook(e.ctx, inst.ScripCode); found && snap.BestBid > 0 && snap.BestAsk > 0 {
			bid, ask, ok = snap.BestBid, snap.BestAsk, true
		}
	}

	pad := inst.TickSize * float64(e.cfg.Trading.SlippageTicks)
	var price float64
	if ok {
		if side == models.SideBuy {
			price = ask + pad
		} else {
			price = bid - pad
		}
	}
	if price <= 0 {
		price = ref
	}
	return util.RoundToTick(price, inst.TickSize)
}

// placeOrder submits with the standard bounded backoff and per-call broker
// deadline.
func (e *Engine) placeOrder(order models.Order) (string, error) {
	var orderID string
	err := e.retry.Do(e.ctx, "place_order", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout())
		defer cancel()
		id, err := e.broker.PlaceOrder(cctx, order)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	return orderID, err
}

// brokerEventType distinguishes a timed-out broker call from a refusal.
func brokerEventType(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.EventBrokerTimeout
	}
	return models.EventBrokerReject
}

// executionInstrument resolves where orders for this signal route: explicit
// order* overrides win, then the signal's own exchange fields, then NSE cash.
func executionInstrument(sig models.StrategySignal, defaultTick float64) models.Instrument {
	inst := models.Instrument{
		ScripCode:    sig.ScripCode,
		Exchange:     sig.Exchange,
		ExchangeType: sig.ExchangeType,
		TickSize:     sig.OrderTickSize,
		LotSize:      sig.OrderLotSize,
	}
	if sig.OrderScripCode != "" {
		inst.ScripCode = sig.OrderScripCode
	}
	if sig.OrderExchange != "" {
		inst.Exchange = sig.OrderExchange
	}
	if sig.OrderExchangeType != "" {
		inst.ExchangeType = sig.OrderExchangeType
	}
	if inst.Exchange == "" {
		inst.Exchange = models.ExchangeNSE
	}
	if inst.ExchangeType == "" {
		if inst.Exchange == models.ExchangeMCX {
			inst.ExchangeType = models.ExchTypeCommodity
		} else {
			inst.ExchangeType = models.ExchTypeCash
		}
	}
	if inst.TickSize <= 0 {
		inst.TickSize = defaultTick
	}
	return inst
}
