// Package engine implements the position manager: a single-writer actor that
// owns the active trade, the portfolio state, and every decision between a
// confirmed entry candidate and a published trade result. Candles, order
// verification results, risk-monitor callbacks, and admin commands all enter
// through one event channel and are applied by one goroutine, so trade state
// never needs a lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/broker"
	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/database"
	"github.com/anirbansen/tradepulse/internal/hours"
	"github.com/anirbansen/tradepulse/internal/kv"
	"github.com/anirbansen/tradepulse/internal/market"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/notify"
	"github.com/anirbansen/tradepulse/internal/orders"
	"github.com/anirbansen/tradepulse/internal/publish"
	"github.com/anirbansen/tradepulse/internal/retry"
	"github.com/anirbansen/tradepulse/internal/risk"
	"github.com/anirbansen/tradepulse/internal/storage"
	"github.com/anirbansen/tradepulse/internal/strategy"
	"github.com/anirbansen/tradepulse/internal/watchlist"
)

const (
	// eventBuffer absorbs candle bursts while the actor is blocked on a
	// broker call.
	eventBuffer = 256

	// sessionTickInterval paces watchlist expiry sweeps and the
	// end-of-session cutoff check.
	sessionTickInterval = 30 * time.Second

	// shutdownGrace bounds how long shutdown waits for in-flight order
	// verifications before snapshotting whatever is left.
	shutdownGrace = 10 * time.Second
)

var (
	// ErrStopped is returned by admin calls after the run loop has exited.
	ErrStopped = errors.New("engine stopped")
	// ErrNoActiveTrade is returned by force-close when no trade holds the slot.
	ErrNoActiveTrade = errors.New("no active trade")
	// ErrLiveRequiresRestart refuses runtime switches into or out of live
	// mode; live trading must be confirmed at boot.
	ErrLiveRequiresRestart = errors.New("live mode requires a restart with confirmation")
	// ErrExitInFlight refuses a force-close while an exit order is already
	// out for verification.
	ErrExitInFlight = errors.New("exit order already in flight")
	// ErrNoEscalation is returned by acknowledge when no exit escalation is
	// pending.
	ErrNoEscalation = errors.New("no escalation awaiting acknowledgment")
)

// PivotSource supplies pivot ladders to entry evaluation. *pivots.Service
// satisfies it; tests substitute a canned ladder.
type PivotSource interface {
	Levels(ctx context.Context, scripCode string, currentPrice float64, direction models.SignalDirection) (models.PivotLevels, error)
	RollSession(sessionDate string)
}

// Deps wires the engine's collaborators. Config, Log, Store, Broker, Watch,
// Evaluator, Pivots, Policy, Sizer, Prices, History and Gate are required;
// the rest default to inert implementations.
type Deps struct {
	Config    *config.Config
	Log       *logrus.Logger
	Store     storage.Interface
	Broker    broker.Broker
	Watch     *watchlist.Watchlist
	Evaluator *strategy.Evaluator
	Pivots    PivotSource
	Policy    *risk.Policy
	Sizer     *risk.Sizer
	Prices    *market.PriceCache
	History   *market.History
	Gate      *hours.Gate

	Publisher *publish.Publisher
	Notifier  notify.Notifier
	KV        *kv.Store
	DB        *database.Store

	// VerifyCfg overrides the order-verification cadence; zero takes the
	// defaults with FillTimeout from the configured entry timeout.
	VerifyCfg orders.Config

	// Now overrides the clock in tests.
	Now func() time.Time
}

// exitIntent tracks the one exit order the engine may have in flight.
type exitIntent struct {
	orderID string
	reason  models.ExitReason
	qty     int
	level   float64
	partial bool
}

// Engine is the position manager. All fields below the events channel are
// confined to the run loop; tests exercise them by calling dispatch directly.
type Engine struct {
	cfg *config.Config
	log *logrus.Logger

	store     storage.Interface
	broker    broker.Broker
	verifier  *orders.Verifier
	watch     *watchlist.Watchlist
	eval      *strategy.Evaluator
	pivots    PivotSource
	policy    *risk.Policy
	sizer     *risk.Sizer
	prices    *market.PriceCache
	history   *market.History
	gate      *hours.Gate
	publisher *publish.Publisher
	notifier  notify.Notifier
	kv        *kv.Store
	db        *database.Store
	retry     *retry.Policy
	now       func() time.Time

	events  chan event
	stopped chan struct{}

	// Actor-confined state.
	ctx       context.Context
	mode      config.Mode
	trade     *models.ActiveTrade
	portfolio *models.PortfolioState
	exit      *exitIntent
	exitStuck bool
}

// event is the closed set of inputs the actor consumes.
type event interface {
	kind() string
}

type candleEvent struct{ candle models.Candle }

type verificationEvent struct{ result orders.Result }

type riskNoticeEvent struct{ notice models.RiskEvent }

type breakerTripEvent struct{ reason string }

type sessionTickEvent struct{ at time.Time }

func (candleEvent) kind() string       { return "candle" }
func (verificationEvent) kind() string { return "verification" }
func (riskNoticeEvent) kind() string   { return "risk_notice" }
func (breakerTripEvent) kind() string  { return "breaker_trip" }
func (sessionTickEvent) kind() string  { return "session_tick" }

// New wires an engine from its dependencies.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("engine: config is required")
	case d.Log == nil:
		return nil, errors.New("engine: logger is required")
	case d.Store == nil:
		return nil, errors.New("engine: storage is required")
	case d.Broker == nil:
		return nil, errors.New("engine: broker is required")
	case d.Watch == nil:
		return nil, errors.New("engine: watchlist is required")
	case d.Evaluator == nil:
		return nil, errors.New("engine: evaluator is required")
	case d.Pivots == nil:
		return nil, errors.New("engine: pivot source is required")
	case d.Policy == nil || d.Sizer == nil:
		return nil, errors.New("engine: risk policy and sizer are required")
	case d.Prices == nil || d.History == nil:
		return nil, errors.New("engine: market caches are required")
	case d.Gate == nil:
		return nil, errors.New("engine: hours gate is required")
	}

	if d.Notifier == nil {
		d.Notifier = notify.NewNoop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	vcfg := d.VerifyCfg
	if vcfg == (orders.Config{}) {
		vcfg = orders.DefaultConfig
		if d.Config.Trading.EntryTimeoutSec > 0 {
			vcfg.FillTimeout = d.Config.EntryTimeout()
		}
	}

	e := &Engine{
		cfg:       d.Config,
		log:       d.Log,
		store:     d.Store,
		broker:    d.Broker,
		watch:     d.Watch,
		eval:      d.Evaluator,
		pivots:    d.Pivots,
		policy:    d.Policy,
		sizer:     d.Sizer,
		prices:    d.Prices,
		history:   d.History,
		gate:      d.Gate,
		publisher: d.Publisher,
		notifier:  d.Notifier,
		kv:        d.KV,
		db:        d.DB,
		retry:     retry.New(d.Log),
		now:       d.Now,
		events:    make(chan event, eventBuffer),
		stopped:   make(chan struct{}),
		ctx:       context.Background(),
		mode:      d.Config.Trading.Mode,
	}
	e.verifier = orders.NewVerifier(d.Broker, vcfg, e.onVerifyResult, d.Log)
	e.portfolio = models.NewPortfolioState(d.Config.Trading.AccountValue, d.Gate.SessionDate(e.now()))
	return e, nil
}

// Run recovers persisted state and then consumes the event stream until the
// context is cancelled. It is the only goroutine that mutates trade state.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.ctx = ctx

	if err := e.recoverState(ctx); err != nil {
		return fmt.Errorf("engine recovery: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"event":   "engine_started",
		"mode":    e.mode,
		"session": e.portfolio.SessionDate,
	}).Info("position manager running")

	ticker := time.NewTicker(sessionTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case ev := <-e.events:
			e.dispatch(ev)
		case at := <-ticker.C:
			e.dispatch(sessionTickEvent{at: at})
		}
	}
}

// dispatch applies one event. Tests call it directly to drive the actor
// synchronously.
func (e *Engine) dispatch(ev event) {
	switch ev := ev.(type) {
	case candleEvent:
		e.onCandle(ev.candle)
	case verificationEvent:
		e.onVerification(ev.result)
	case riskNoticeEvent:
		e.emitEvent(ev.notice)
	case breakerTripEvent:
		e.tripBreaker(ev.reason)
	case sessionTickEvent:
		e.onSessionTick(ev.at)
	case *tripBreakerRequest:
		ev.done <- e.handleTripBreaker(ev.reason)
	case *resetBreakerRequest:
		ev.done <- e.handleResetBreaker()
	case *forceCloseRequest:
		ev.done <- e.handleForceClose(ev.reason)
	case *setModeRequest:
		ev.done <- e.handleSetMode(ev.mode)
	case *acknowledgeRequest:
		ev.done <- e.handleAcknowledge()
	case *snapshotRequest:
		ev.reply <- e.buildSnapshot()
	default:
		e.log.WithField("kind", ev.kind()).Warn("unhandled engine event")
	}
}

// enqueue delivers an event to the run loop, giving up once it has stopped.
func (e *Engine) enqueue(ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.stopped:
		return false
	}
}

// OnCandle feeds a closed 1-minute bar into the actor. Safe from any
// goroutine; blocks only if the actor is far behind.
func (e *Engine) OnCandle(c models.Candle) {
	e.enqueue(candleEvent{candle: c})
}

// onVerifyResult is the order verifier's callback.
func (e *Engine) onVerifyResult(res orders.Result) {
	e.enqueue(verificationEvent{result: res})
}

// AdoptOrderUpdate forwards a pushed broker order update to the verifier,
// which settles the order without waiting for the next poll.
func (e *Engine) AdoptOrderUpdate(u broker.OrderUpdate) {
	e.verifier.Adopt(u)
}

// EmitRiskEvent implements risk.Sink: monitor notices are serialized through
// the actor so publication and notification share one code path.
func (e *Engine) EmitRiskEvent(ev models.RiskEvent) {
	e.enqueue(riskNoticeEvent{notice: ev})
}

// RequestBreakerTrip implements risk.Sink.
func (e *Engine) RequestBreakerTrip(reason string) {
	e.enqueue(breakerTripEvent{reason: reason})
}

// onCandle routes a bar: the open position's instrument goes to exit
// management, everything else to entry evaluation. Entry evaluation still
// runs while the slot is held so a READY candidate is refused by the risk
// gate and leaves the watchlist instead of lingering.
func (e *Engine) onCandle(c models.Candle) {
	if c.InstrumentKey == "" {
		return
	}
	if e.trade != nil && e.trade.HoldsSlot() && e.trade.ScripCode == c.InstrumentKey {
		e.manage(c)
		return
	}
	if e.trade != nil && !e.trade.HoldsSlot() {
		e.trade = nil
	}
	e.evaluateEntries(c)
}

// tripBreaker halts new entries; the open position keeps running and exits
// through the normal paths.
func (e *Engine) tripBreaker(reason string) {
	if e.portfolio.BreakerTripped {
		return
	}
	e.portfolio.TripBreaker(reason, e.now())
	e.persistPortfolio()
	e.emitEvent(models.NewRiskEvent(models.EventRiskBreakerTripped, models.SeverityCritical, "portfolio", reason))
	if e.publisher != nil {
		e.publisher.PortfolioUpdate(e.ctx, *e.portfolio)
	}
	e.log.WithFields(logrus.Fields{
		"event":  "breaker_tripped",
		"reason": reason,
	}).Error("circuit breaker tripped, entries halted")
}

// emitEvent logs, publishes, and (for WARNING and above) notifies one risk
// event. Publication failures never touch trade state.
func (e *Engine) emitEvent(ev models.RiskEvent) {
	entry := e.log.WithFields(logrus.Fields{
		"event":    "risk_event",
		"type":     ev.Type,
		"severity": ev.Severity,
		"scope":    ev.Scope,
	})
	switch ev.Severity {
	case models.SeverityCritical:
		entry.Error(ev.Message)
	case models.SeverityWarning:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}

	if e.publisher != nil {
		e.publisher.RiskEvent(ev)
	}
	if ev.Severity != models.SeverityInfo && e.mode != config.ModeSilent {
		e.notifier.RiskAlert(ev)
	}
}

func (e *Engine) persistTrade() {
	if err := e.store.SetActiveTrade(e.trade); err != nil {
		e.log.WithError(err).Warn("trade snapshot save failed")
	}
}

func (e *Engine) persistPortfolio() {
	if err := e.store.SetPortfolio(e.portfolio); err != nil {
		e.log.WithError(err).Warn("portfolio snapshot save failed")
	}
}

// shutdown drains verification within the grace period and persists the
// snapshot the next start reconciles against.
func (e *Engine) shutdown() {
	e.log.WithField("event", "engine_stopping").Info("draining verification and snapshotting")

	if !e.verifier.Wait(shutdownGrace) {
		e.log.WithField("event", "verify_grace_expired").
			Warn("verification still in flight at shutdown; snapshot will resume it")
	}

	if err := e.store.SetVerifications(e.verifier.Pending()); err != nil {
		e.log.WithError(err).Warn("verification snapshot save failed")
	}
	e.persistTrade()
	e.persistPortfolio()

	e.emitEvent(models.NewRiskEvent(models.EventShutdown, models.SeverityInfo, "engine",
		"engine stopped; state snapshot persisted"))
	e.log.WithField("event", "engine_stopped").Info("position manager stopped")
}
