package ingress

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/kv"
	"github.com/anirbansen/tradepulse/internal/market"
	"github.com/anirbansen/tradepulse/internal/models"
)

// Handlers are the manager-side callbacks for market data. Both run on the
// consumer goroutine; implementations forward into the manager's event
// stream and must not block.
type Handlers struct {
	OnTick   func(models.Tick)
	OnCandle func(models.Candle)
}

// MarketDataConsumer folds ticks and 1-minute candles into the shared caches
// before handing them to the manager.
type MarketDataConsumer struct {
	prices   *market.PriceCache
	history  *market.History
	store    *kv.Store
	handlers Handlers
	log      *logrus.Logger
}

// NewMarketDataConsumer wires the tick and candle paths. store may be nil.
func NewMarketDataConsumer(prices *market.PriceCache, history *market.History, store *kv.Store, handlers Handlers, log *logrus.Logger) *MarketDataConsumer {
	return &MarketDataConsumer{
		prices:   prices,
		history:  history,
		store:    store,
		handlers: handlers,
		log:      log,
	}
}

// ProcessTick handles one market-data record: price cache, orderbook
// snapshot, then the manager callback. Malformed records are dropped
// silently at debug level; the feed is high-volume.
func (c *MarketDataConsumer) ProcessTick(ctx context.Context, data []byte) {
	var tick models.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		c.log.WithError(err).WithField("event", "tick_parse_failed").Debug("dropping malformed tick")
		return
	}
	if tick.ScripCode == "" || tick.LastRate <= 0 {
		return
	}

	c.prices.Update(tick)

	if c.store != nil {
		c.store.PutOrderbook(ctx, tick.ScripCode, kv.OrderbookSnapshot{
			BestBid:  tick.BidRate,
			BestAsk:  tick.OfferRate,
			LastRate: tick.LastRate,
			Ts:       tick.Time,
		})
	}

	if c.handlers.OnTick != nil {
		c.handlers.OnTick(tick)
	}
}

// ProcessCandle handles one 1-minute bar: history ring first so the manager
// evaluates against a tail that already contains the bar's predecessors.
// Out-of-order bars are dropped by the history and not forwarded.
func (c *MarketDataConsumer) ProcessCandle(_ context.Context, data []byte) {
	var candle models.Candle
	if err := json.Unmarshal(data, &candle); err != nil {
		c.log.WithError(err).WithField("event", "candle_parse_failed").Debug("dropping malformed candle")
		return
	}
	if candle.InstrumentKey == "" {
		return
	}

	if !c.history.Add(candle) {
		c.log.WithFields(logrus.Fields{
			"event":         "candle_out_of_order",
			"instrumentKey": candle.InstrumentKey,
			"windowStartMs": candle.WindowStartMs,
		}).Debug("late candle dropped")
		return
	}

	if c.handlers.OnCandle != nil {
		c.handlers.OnCandle(candle)
	}
}
