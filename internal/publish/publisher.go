// Package publish fans completed-trade records out to the bus topics, the
// Postgres archive and the dashboard stream. Publication is best-effort:
// failures are logged and never feed back into trading decisions.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
)

// Sink publishes JSON records to a topic. *bus.Bus satisfies it.
type Sink interface {
	Publish(subject string, v any) error
	PublishKeyed(subject, key string, v any) error
}

// Archive persists results and equity marks durably. *database.Store
// satisfies it; a nil *database.Store is a no-op.
type Archive interface {
	ArchiveResult(ctx context.Context, res models.TradeResult) error
	RecordEquity(ctx context.Context, state models.PortfolioState) error
}

// Broadcaster pushes events to connected dashboard clients.
type Broadcaster interface {
	Broadcast(event string, v any)
}

// Topics names the outbound subjects.
type Topics struct {
	TradeEntries string
	TradeResults string
	ProfitLoss   string
	RiskEvents   string
}

// TopicsFromBus reads the outbound subjects from bus config, with defaults.
func TopicsFromBus(cfg config.BusConfig) Topics {
	t := Topics{
		TradeEntries: cfg.TradeEntriesTopic,
		TradeResults: cfg.TradeResultsTopic,
		ProfitLoss:   cfg.ProfitLossTopic,
		RiskEvents:   cfg.RiskEventsTopic,
	}
	if t.TradeEntries == "" {
		t.TradeEntries = "trade-entries"
	}
	if t.TradeResults == "" {
		t.TradeResults = "trade-results"
	}
	if t.ProfitLoss == "" {
		t.ProfitLoss = "profit-loss"
	}
	if t.RiskEvents == "" {
		t.RiskEvents = "risk-events"
	}
	return t
}

// Publisher owns outbound publication. Results are deduplicated by trade ID
// on top of the bus-side keyed dedup, so a retried exit can never double-book
// a result downstream.
type Publisher struct {
	sink        Sink
	archive     Archive
	broadcaster Broadcaster
	topics      Topics
	logger      *logrus.Logger

	mu        sync.Mutex
	published map[string]struct{}
}

// New builds a publisher. sink, archive and broadcaster may each be nil;
// whatever is wired gets the record.
func New(sink Sink, archive Archive, broadcaster Broadcaster, topics Topics, logger *logrus.Logger) *Publisher {
	return &Publisher{
		sink:        sink,
		archive:     archive,
		broadcaster: broadcaster,
		topics:      topics,
		logger:      logger,
		published:   make(map[string]struct{}),
	}
}

// Seed marks trade IDs as already published, used on recovery so replayed
// history does not re-emit.
func (p *Publisher) Seed(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.published[id] = struct{}{}
	}
}

// TradeEntry announces a verified entry fill.
func (p *Publisher) TradeEntry(t *models.ActiveTrade) {
	entry := models.TradeEntryEvent{
		ScripCode:  t.ScripCode,
		Direction:  t.Direction,
		EntryPrice: t.EntryPrice,
		StopLoss:   t.StopLoss,
		TakeProfit: t.Target1,
		Quantity:   t.PositionSize,
		OrderID:    t.EntryOrderID,
		StrategyID: t.StrategyName,
		SignalID:   t.SignalID,
		EntryTime:  t.EntryTime,
	}
	p.emit(p.topics.TradeEntries, entry)
	p.emit(p.topics.ProfitLoss, models.PLEvent{
		EventType:  models.PLTradeEntry,
		TradeID:    t.TradeID,
		ScripCode:  t.ScripCode,
		EntryPrice: t.EntryPrice,
		Quantity:   t.PositionSize,
		Timestamp:  time.Now().UTC(),
	})
	p.broadcast("trade_entry", entry)
}

// TradeResult publishes a completed trade exactly once per trade ID and
// archives it. Returns true when the result was newly published.
func (p *Publisher) TradeResult(ctx context.Context, res models.TradeResult, accountValue float64) bool {
	p.mu.Lock()
	if _, seen := p.published[res.TradeID]; seen {
		p.mu.Unlock()
		p.logger.WithFields(logrus.Fields{
			"event":    "result_duplicate_suppressed",
			"trade_id": res.TradeID,
		}).Debug("result already published")
		return false
	}
	p.published[res.TradeID] = struct{}{}
	p.mu.Unlock()

	if p.sink != nil {
		if err := p.sink.PublishKeyed(p.topics.TradeResults, res.TradeID, res); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"event":    "result_publish_failed",
				"trade_id": res.TradeID,
			}).Warn("trade result not published to bus")
		}
	}

	roi := 0.0
	if notional := res.EntryPrice * float64(res.Quantity); notional != 0 {
		roi = res.PnL / notional * 100
	}
	p.emit(p.topics.ProfitLoss, models.PLEvent{
		EventType:       models.PLTradeExit,
		TradeID:         res.TradeID,
		ScripCode:       res.ScripCode,
		EntryPrice:      res.EntryPrice,
		ExitPrice:       res.ExitPrice,
		Quantity:        res.Quantity,
		PnL:             res.PnL,
		ROI:             roi,
		DurationMinutes: res.DurationMinutes,
		AccountValue:    accountValue,
		Timestamp:       time.Now().UTC(),
	})

	if p.archive != nil {
		if err := p.archive.ArchiveResult(ctx, res); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"event":    "result_archive_failed",
				"trade_id": res.TradeID,
			}).Warn("trade result not archived")
		}
	}

	p.broadcast("trade_result", res)
	return true
}

// PortfolioUpdate publishes the equity mark after realized P&L changes.
func (p *Publisher) PortfolioUpdate(ctx context.Context, state models.PortfolioState) {
	p.emit(p.topics.ProfitLoss, models.PLEvent{
		EventType:    models.PLPortfolioUpdate,
		AccountValue: state.AccountValue,
		PnL:          state.DailyRealizedPnL,
		Timestamp:    time.Now().UTC(),
	})
	if p.archive != nil {
		if err := p.archive.RecordEquity(ctx, state); err != nil {
			p.logger.WithError(err).WithField("event", "equity_record_failed").Warn("equity mark not archived")
		}
	}
	p.broadcast("portfolio", state)
}

// RiskEvent publishes an operational risk record.
func (p *Publisher) RiskEvent(ev models.RiskEvent) {
	p.emit(p.topics.RiskEvents, ev)
	p.broadcast("risk_event", ev)
}

func (p *Publisher) emit(subject string, v any) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Publish(subject, v); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event":   "publish_failed",
			"subject": subject,
		}).Warn("bus publish failed")
	}
}

func (p *Publisher) broadcast(event string, v any) {
	if p.broadcaster == nil {
		return
	}
	p.broadcaster.Broadcast(event, v)
}
