// Package ingress consumes the inbound topics: strategy signals through the
// admission pipeline, ticks and candles into the market caches and the
// manager's event stream.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/bus"
	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/hours"
	"github.com/anirbansen/tradepulse/internal/kv"
	"github.com/anirbansen/tradepulse/internal/market"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/risk"
	"github.com/anirbansen/tradepulse/internal/watchlist"
)

// RiskSink receives the RiskEvent emitted for every dropped signal.
type RiskSink interface {
	RiskEvent(ev models.RiskEvent)
}

// Auditor records each signal's admission outcome. *database.Store satisfies
// it; nil disables auditing.
type Auditor interface {
	AuditSignal(ctx context.Context, sig models.StrategySignal, stage, reason string)
}

// CandleLoader warms the candle history for newly admitted instruments.
type CandleLoader interface {
	RecentCandles(ctx context.Context, scripCode string, n int) ([]models.Candle, error)
}

// Admission stages recorded by the audit trail.
const (
	stageAdmitted = "ADMITTED"
	stageDropped  = "DROPPED"
)

// SignalConsumer runs the admission pipeline for one signal record:
// parse, dedup, age, hours, per-signal risk, admit. Every terminal drop is
// acked; only transient infrastructure failures redeliver.
type SignalConsumer struct {
	cfg     *config.Config
	store   *kv.Store
	gate    *hours.Gate
	policy  *risk.Policy
	watch   *watchlist.Watchlist
	history *market.History
	loader  CandleLoader
	events  RiskSink
	audit   Auditor
	log     *logrus.Logger

	preloadTail int
	now         func() time.Time
}

// NewSignalConsumer wires the admission pipeline. loader, events and audit
// may be nil.
func NewSignalConsumer(
	cfg *config.Config,
	store *kv.Store,
	gate *hours.Gate,
	policy *risk.Policy,
	watch *watchlist.Watchlist,
	history *market.History,
	loader CandleLoader,
	events RiskSink,
	audit Auditor,
	log *logrus.Logger,
) *SignalConsumer {
	tail := cfg.Trading.VolumeTail
	if tail <= 0 {
		tail = 20
	}
	return &SignalConsumer{
		cfg:         cfg,
		store:       store,
		gate:        gate,
		policy:      policy,
		watch:       watch,
		history:     history,
		loader:      loader,
		events:      events,
		audit:       audit,
		log:         log,
		preloadTail: tail + 1,
		now:         time.Now,
	}
}

// SetClock overrides the admission clock. The integration harness replays
// recorded sessions on a fixed timeline.
func (c *SignalConsumer) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Process runs one raw record through the pipeline and returns the ack
// disposition for the consumer loop.
func (c *SignalConsumer) Process(ctx context.Context, data []byte) bus.Disposition {
	now := c.now()

	var sig models.StrategySignal
	if err := json.Unmarshal(data, &sig); err != nil {
		c.drop(ctx, models.StrategySignal{}, models.EventIngestParse,
			models.NewRiskEvent(models.EventIngestParse, models.SeverityInfo, "",
				fmt.Sprintf("unparseable signal: %v", err)))
		return bus.Ack
	}
	if sig.ScripCode == "" {
		c.drop(ctx, sig, models.EventIngestParse,
			models.NewRiskEvent(models.EventIngestParse, models.SeverityInfo, "", "signal missing scripCode"))
		return bus.Ack
	}

	direction, err := sig.Direction()
	if err != nil {
		c.drop(ctx, sig, models.EventIngestParse,
			models.NewRiskEvent(models.EventIngestParse, models.SeverityInfo, sig.ScripCode, err.Error()))
		return bus.Ack
	}

	if !c.store.FirstSeen(ctx, "signal:"+sig.IdempotencyKey(), c.cfg.IdempotencyTTL()) {
		c.drop(ctx, sig, models.EventIngestDuplicate,
			models.NewRiskEvent(models.EventIngestDuplicate, models.SeverityInfo, sig.ScripCode,
				"duplicate signal "+sig.IdempotencyKey()))
		return bus.Ack
	}

	if age := now.Sub(sig.ProducedAt()); age > c.cfg.SignalMaxAge() {
		c.drop(ctx, sig, models.EventIngestStale,
			models.NewRiskEvent(models.EventIngestStale, models.SeverityInfo, sig.ScripCode,
				fmt.Sprintf("signal age %s exceeds %s", age.Round(time.Second), c.cfg.SignalMaxAge())))
		return bus.Ack
	}

	exchange := ResolveExchange(&sig)
	if !c.gate.Open(exchange, now) {
		c.drop(ctx, sig, models.EventIngestOutOfHours,
			models.NewRiskEvent(models.EventIngestOutOfHours, models.SeverityInfo, sig.ScripCode,
				fmt.Sprintf("exchange %s closed at signal time", exchange)))
		return bus.Ack
	}

	if err := c.policy.ValidateSignal(direction, sig.EntryPrice, sig.StopLoss, sig.Target1); err != nil {
		// The violation's own event names the rule that failed; the audit
		// trail records the pipeline stage.
		ev := models.NewRiskEvent(models.EventIngestRiskReject, models.SeverityWarning, sig.ScripCode, err.Error())
		var v *risk.Violation
		if errors.As(err, &v) {
			ev = v.Event(sig.ScripCode)
		}
		c.drop(ctx, sig, models.EventIngestRiskReject, ev)
		return bus.Ack
	}

	ps := models.NewPendingSignal(sig, direction, now, c.cfg.WatchlistTTL())
	replaced := c.watch.Admit(ps)

	c.preload(ctx, sig.ScripCode)

	if c.audit != nil {
		c.audit.AuditSignal(ctx, sig, stageAdmitted, "")
	}
	c.log.WithFields(logrus.Fields{
		"event":     "signal_admitted",
		"scripCode": sig.ScripCode,
		"signalId":  sig.SignalID,
		"direction": direction,
		"replaced":  replaced,
	}).Info("signal admitted")

	return bus.Ack
}

// preload warms the candle history so volume and engulfing checks have a tail
// to work with on the first evaluated bar.
func (c *SignalConsumer) preload(ctx context.Context, scripCode string) {
	if c.loader == nil || c.history.Len(scripCode) > 0 {
		return
	}
	candles, err := c.loader.RecentCandles(ctx, scripCode, c.preloadTail)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"event":     "history_preload_failed",
			"scripCode": scripCode,
		}).Warn("candle history not preloaded")
		return
	}
	c.history.Preload(scripCode, candles)
}

func (c *SignalConsumer) drop(ctx context.Context, sig models.StrategySignal, stage string, ev models.RiskEvent) {
	c.log.WithFields(logrus.Fields{
		"event":     "signal_dropped",
		"type":      stage,
		"scripCode": sig.ScripCode,
		"signalId":  sig.SignalID,
		"reason":    ev.Message,
	}).Info("signal dropped at ingress")

	if c.events != nil {
		c.events.RiskEvent(ev)
	}
	if c.audit != nil && sig.ScripCode != "" {
		c.audit.AuditSignal(ctx, sig, stageDropped, stage)
	}
}
