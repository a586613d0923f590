package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/broker"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
)

// recoverState rebuilds actor state from the persisted snapshot so a restart
// resumes the open position instead of abandoning it.
func (e *Engine) recoverState(ctx context.Context) error {
	session := e.gate.SessionDate(e.now())

	if p := e.store.Portfolio(); p != nil {
		e.portfolio = p
		if p.SessionDate != session {
			e.log.WithFields(logrus.Fields{
				"event": "session_rolled",
				"from":  p.SessionDate,
				"to":    session,
			}).Info("stale snapshot session, daily counters reset")
			e.portfolio.RollSession(session)
		}
	}
	e.pivots.RollSession(session)
	e.seedDailyPnL(ctx, session)

	if e.publisher != nil {
		history := e.store.History()
		ids := make([]string, 0, len(history))
		for _, res := range history {
			ids = append(ids, res.TradeID)
		}
		e.publisher.Seed(ids...)
	}

	if t := e.store.ActiveTrade(); t != nil {
		if err := e.reconcileTrade(ctx, t); err != nil {
			return err
		}
	}

	// Resume orders that were still unverified at shutdown. A stale
	// SubmittedAt clamps the fill deadline to zero, so leftovers settle
	// (cancel plus final status) on their first watcher pass.
	for _, req := range e.store.Verifications() {
		e.verifier.Watch(ctx, req)
	}
	e.persistPortfolio()
	return nil
}

// seedDailyPnL recovers today's realized loss from the archive when the local
// snapshot was lost. Without it a restart would reset the daily-loss gate.
func (e *Engine) seedDailyPnL(ctx context.Context, session string) {
	if !e.db.Enabled() || e.portfolio.DailyRealizedPnL != 0 {
		return
	}
	pnl, err := e.db.DailyRealizedPnL(ctx, session)
	if err != nil {
		e.log.WithError(err).WithField("event", "archive_unavailable").
			Warn("daily pnl seed skipped, archive unreachable")
		return
	}
	if pnl == 0 {
		return
	}
	e.portfolio.DailyRealizedPnL = pnl
	e.log.WithFields(logrus.Fields{
		"event":   "daily_pnl_seeded",
		"session": session,
		"pnl":     pnl,
	}).Info("daily realized pnl restored from archive")
}

// reconcileTrade resolves a persisted trade against broker reality.
func (e *Engine) reconcileTrade(ctx context.Context, t *models.ActiveTrade) error {
	switch t.Status {
	case models.StatusWaitingForEntry:
		// Never reached the broker; the signal is long stale.
		if err := t.TransitionStatus(models.StatusCancelled, models.ConditionSignalExpired); err != nil {
			return err
		}
		if err := e.store.SetActiveTrade(nil); err != nil {
			return err
		}
		e.log.WithFields(logrus.Fields{
			"event":   "recovery_cancelled",
			"tradeId": t.TradeID,
		}).Info("unsubmitted trade dropped on recovery")
		return nil

	case models.StatusPendingFill:
		return e.reconcilePendingFill(ctx, t)

	case models.StatusActive, models.StatusPartialExit:
		if err := t.ValidateState(); err != nil {
			e.log.WithError(err).WithField("tradeId", t.TradeID).
				Warn("recovered trade failed validation, resuming anyway")
		}
		e.trade = t
		if t.ExitOrderID != "" {
			// The exit's partial flag is not persisted; a fill that lands
			// after restart settles as a full exit of whatever filled.
			e.exit = &exitIntent{orderID: t.ExitOrderID, reason: t.ExitReason, qty: t.PositionSize}
			e.verifier.Watch(ctx, orders.Request{
				OrderID:     t.ExitOrderID,
				TradeID:     t.TradeID,
				Qty:         t.PositionSize,
				SubmittedAt: t.LastExitAttempt,
			})
		}
		e.log.WithFields(logrus.Fields{
			"event":   "recovered_active",
			"tradeId": t.TradeID,
			"scrip":   t.ScripCode,
			"status":  t.Status,
			"qty":     t.PositionSize,
			"stop":    t.EffectiveStop(),
		}).Info("resumed open position from snapshot")
		return nil

	default:
		// Terminal leftovers just need clearing.
		return e.store.SetActiveTrade(nil)
	}
}

// reconcilePendingFill asks the broker what became of an entry order that was
// unresolved at shutdown.
func (e *Engine) reconcilePendingFill(ctx context.Context, t *models.ActiveTrade) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout())
	status, err := e.broker.OrderStatus(callCtx, t.EntryOrderID)
	cancel()
	if err != nil {
		// Broker unreachable; keep the trade and let verification settle it.
		e.log.WithError(err).WithFields(logrus.Fields{
			"event":   "recovery_status_unavailable",
			"tradeId": t.TradeID,
			"orderId": t.EntryOrderID,
		}).Warn("entry status unavailable, resuming verification")
		e.trade = t
		e.verifier.Watch(ctx, orders.Request{
			OrderID: t.EntryOrderID,
			TradeID: t.TradeID,
			Entry:   true,
			Qty:     t.RequestedQty,
		})
		return nil
	}

	switch {
	case status.State == broker.StateFilled || status.FilledQty > 0:
		return e.adoptRecoveredFill(ctx, t, status)

	case status.State == broker.StateRejected || status.State == broker.StateCancelled:
		if err := t.TransitionStatus(models.StatusFailed, models.ConditionEntryRejected); err != nil {
			return err
		}
		if err := e.store.SetActiveTrade(nil); err != nil {
			return err
		}
		e.log.WithFields(logrus.Fields{
			"event":   "recovery_entry_failed",
			"tradeId": t.TradeID,
			"state":   status.State,
		}).Info("pending entry resolved as failed on recovery")
		return nil

	default:
		// Still open at the broker. The fill window lapsed during the
		// restart, so a zero submit time makes the watcher cancel the
		// remainder and settle on whatever executed.
		e.trade = t
		e.verifier.Watch(ctx, orders.Request{
			OrderID: t.EntryOrderID,
			TradeID: t.TradeID,
			Entry:   true,
			Qty:     t.RequestedQty,
		})
		e.log.WithFields(logrus.Fields{
			"event":   "recovery_pending_fill",
			"tradeId": t.TradeID,
			"orderId": t.EntryOrderID,
		}).Info("entry still open at broker, resuming verification")
		return nil
	}
}

// adoptRecoveredFill promotes a pending entry whose order filled while the
// engine was down.
func (e *Engine) adoptRecoveredFill(ctx context.Context, t *models.ActiveTrade, status broker.OrderStatus) error {
	if status.AvgFillPrice > 0 {
		t.EntryPrice = status.AvgFillPrice
	}
	filled := status.FilledQty
	if filled <= 0 || filled > t.RequestedQty {
		filled = t.RequestedQty
	}

	if filled < t.RequestedQty && status.State != broker.StateFilled {
		cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout())
		if cerr := e.broker.CancelOrder(cancelCtx, t.EntryOrderID); cerr != nil {
			e.log.WithError(cerr).WithField("orderId", t.EntryOrderID).
				Warn("remainder cancel failed on recovery")
		}
		cancel()
	}
	if filled < t.RequestedQty {
		e.emitEvent(models.NewRiskEvent(models.EventRiskPartialFill, models.SeverityWarning, t.ScripCode,
			fmt.Sprintf("entry filled %d of %d while down; position sized to the fill", filled, t.RequestedQty)).
			WithValues(float64(filled), float64(t.RequestedQty)))
	}
	t.PositionSize = filled

	if err := t.TransitionStatus(models.StatusActive, models.ConditionEntryVerified); err != nil {
		return err
	}
	e.trade = t
	e.portfolio.AddExposure(t.ScripCode, t.StrategyName, t.EntryPrice*float64(t.PositionSize))
	e.persistTrade()
	if e.publisher != nil {
		e.publisher.TradeEntry(t)
	}
	e.log.WithFields(logrus.Fields{
		"event":   "recovered_active",
		"tradeId": t.TradeID,
		"scrip":   t.ScripCode,
		"qty":     t.PositionSize,
		"entry":   t.EntryPrice,
	}).Info("entry filled while down, position adopted")
	return nil
}
