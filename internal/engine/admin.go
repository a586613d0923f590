package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
)

// Snapshot is the read-only view handed to the admin surface.
type Snapshot struct {
	Mode          config.Mode            `json:"mode"`
	Portfolio     models.PortfolioState  `json:"portfolio"`
	Trade         *models.ActiveTrade    `json:"trade,omitempty"`
	Watchlist     []models.PendingSignal `json:"watchlist"`
	Verifications []orders.Request       `json:"verifications,omitempty"`
	ExitEscalated bool                   `json:"exitEscalated"`
}

// Admin request events. Each carries a buffered reply channel so the handler
// never blocks the run loop.

type tripBreakerRequest struct {
	reason string
	done   chan error
}

type resetBreakerRequest struct{ done chan error }

type forceCloseRequest struct {
	reason models.ExitReason
	done   chan error
}

type setModeRequest struct {
	mode config.Mode
	done chan error
}

type acknowledgeRequest struct{ done chan error }

type snapshotRequest struct{ reply chan Snapshot }

func (*tripBreakerRequest) kind() string  { return "admin_trip_breaker" }
func (*resetBreakerRequest) kind() string { return "admin_reset_breaker" }
func (*forceCloseRequest) kind() string   { return "admin_force_close" }
func (*setModeRequest) kind() string      { return "admin_set_mode" }
func (*acknowledgeRequest) kind() string  { return "admin_acknowledge" }
func (*snapshotRequest) kind() string     { return "admin_snapshot" }

// ask enqueues an admin request and waits for the actor's answer.
func (e *Engine) ask(ctx context.Context, ev event, done chan error) error {
	select {
	case e.events <- ev:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TripBreaker halts new entries until the breaker is reset.
func (e *Engine) TripBreaker(ctx context.Context, reason string) error {
	req := &tripBreakerRequest{reason: reason, done: make(chan error, 1)}
	return e.ask(ctx, req, req.done)
}

// ResetBreaker re-arms entries after a trip.
func (e *Engine) ResetBreaker(ctx context.Context) error {
	req := &resetBreakerRequest{done: make(chan error, 1)}
	return e.ask(ctx, req, req.done)
}

// ForceClose exits the open position (or cancels a pending entry) on
// operator demand.
func (e *Engine) ForceClose(ctx context.Context, reason models.ExitReason) error {
	req := &forceCloseRequest{reason: reason, done: make(chan error, 1)}
	return e.ask(ctx, req, req.done)
}

// SetMode switches between paper and silent. Live cannot be entered or left
// at runtime.
func (e *Engine) SetMode(ctx context.Context, mode config.Mode) error {
	req := &setModeRequest{mode: mode, done: make(chan error, 1)}
	return e.ask(ctx, req, req.done)
}

// Acknowledge re-arms exit retries after an escalation.
func (e *Engine) Acknowledge(ctx context.Context) error {
	req := &acknowledgeRequest{done: make(chan error, 1)}
	return e.ask(ctx, req, req.done)
}

// State returns a consistent snapshot of the engine's view of the world.
func (e *Engine) State(ctx context.Context) (Snapshot, error) {
	req := &snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case e.events <- req:
	case <-e.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-e.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (e *Engine) handleTripBreaker(reason string) error {
	if reason == "" {
		reason = "manual trip"
	}
	if e.portfolio.BreakerTripped {
		return nil
	}
	e.tripBreaker(reason)
	return nil
}

func (e *Engine) handleResetBreaker() error {
	if !e.portfolio.BreakerTripped {
		return nil
	}
	e.portfolio.ResetBreaker()
	e.persistPortfolio()
	e.emitEvent(models.NewRiskEvent(models.EventRiskBreakerReset, models.SeverityInfo, "portfolio",
		"circuit breaker reset by operator"))
	if e.publisher != nil {
		e.publisher.PortfolioUpdate(e.ctx, *e.portfolio)
	}
	e.log.WithField("event", "breaker_reset").Info("circuit breaker reset, entries re-armed")
	return nil
}

func (e *Engine) handleForceClose(reason models.ExitReason) error {
	t := e.trade
	if t == nil || !t.HoldsSlot() {
		return ErrNoActiveTrade
	}

	if t.Status == models.StatusPendingFill {
		// No position yet; cancel the entry and let verification settle it.
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.BrokerTimeout())
		defer cancel()
		if err := e.broker.CancelOrder(ctx, t.EntryOrderID); err != nil {
			return fmt.Errorf("cancel pending entry: %w", err)
		}
		e.log.WithFields(logrus.Fields{
			"event":   "entry_cancelled",
			"tradeId": t.TradeID,
			"orderId": t.EntryOrderID,
		}).Warn("operator cancelled pending entry")
		return nil
	}

	if t.ExitOrderID != "" {
		return ErrExitInFlight
	}
	if !reason.Valid() {
		reason = models.ExitManual
	}

	// Operator intervention overrides a frozen retry ladder.
	e.exitStuck = false
	t.ExitAttempts = 0

	level := e.exitLevel(t, reason)
	e.log.WithFields(logrus.Fields{
		"event":   "force_close",
		"tradeId": t.TradeID,
		"reason":  reason,
		"level":   level,
	}).Warn("operator force-closing position")

	t.ExitReason = reason
	return e.submitExit(t, reason, t.PositionSize, level, false)
}

func (e *Engine) handleSetMode(mode config.Mode) error {
	switch mode {
	case config.ModePaper, config.ModeSilent:
	case config.ModeLive:
		return ErrLiveRequiresRestart
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if e.mode == config.ModeLive {
		return ErrLiveRequiresRestart
	}
	if e.mode == mode {
		return nil
	}

	prev := e.mode
	e.mode = mode
	e.log.WithFields(logrus.Fields{
		"event": "mode_changed",
		"from":  prev,
		"to":    mode,
	}).Info("trading mode changed")
	return nil
}

func (e *Engine) handleAcknowledge() error {
	if !e.exitStuck {
		return ErrNoEscalation
	}
	e.exitStuck = false
	if e.trade != nil {
		e.trade.ExitAttempts = 0
		e.trade.ExitFailureReason = ""
		e.persistTrade()
	}
	e.emitEvent(models.NewRiskEvent(models.EventVerifyFail, models.SeverityInfo, "engine",
		"operator acknowledged exit escalation; retries re-armed"))
	e.log.WithField("event", "exit_acknowledged").Info("exit retries re-armed by operator")
	return nil
}

func (e *Engine) buildSnapshot() Snapshot {
	return Snapshot{
		Mode:          e.mode,
		Portfolio:     *e.portfolio.Copy(),
		Trade:         e.trade.Copy(),
		Watchlist:     e.watch.Snapshot(),
		Verifications: e.verifier.Pending(),
		ExitEscalated: e.exitStuck,
	}
}
