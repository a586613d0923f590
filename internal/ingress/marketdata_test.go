package ingress

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirbansen/tradepulse/internal/kv"
	"github.com/anirbansen/tradepulse/internal/market"
	"github.com/anirbansen/tradepulse/internal/models"
)

func newMarketFixture(t *testing.T) (*MarketDataConsumer, *market.PriceCache, *market.History, *kv.Store, *[]models.Tick, *[]models.Candle) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	prices := market.NewPriceCache(0)
	history := market.NewHistory(100)
	store := kv.NewOffline(logger)

	ticks := &[]models.Tick{}
	candles := &[]models.Candle{}
	consumer := NewMarketDataConsumer(prices, history, store, Handlers{
		OnTick:   func(tk models.Tick) { *ticks = append(*ticks, tk) },
		OnCandle: func(c models.Candle) { *candles = append(*candles, c) },
	}, logger)
	return consumer, prices, history, store, ticks, candles
}

func TestProcessTick(t *testing.T) {
	consumer, prices, _, store, ticks, _ := newMarketFixture(t)

	payload := []byte(`{"scripCode":"500325","lastRate":7.92,"bidRate":7.91,"offerRate":7.93,"time":1750000000000}`)
	consumer.ProcessTick(context.Background(), payload)

	price, ok := prices.Price("500325")
	require.True(t, ok)
	assert.Equal(t, 7.92, price)

	bid, offer, ok := prices.Quote("500325")
	require.True(t, ok)
	assert.Equal(t, 7.91, bid)
	assert.Equal(t, 7.93, offer)

	snap, ok := store.Orderbook(context.Background(), "500325")
	require.True(t, ok, "tick must refresh the orderbook snapshot")
	assert.Equal(t, 7.91, snap.BestBid)
	assert.Equal(t, 7.93, snap.BestAsk)
	assert.Equal(t, 7.92, snap.LastRate)

	require.Len(t, *ticks, 1)
	assert.Equal(t, "500325", (*ticks)[0].ScripCode)
}

func TestProcessTickDropsGarbage(t *testing.T) {
	consumer, prices, _, _, ticks, _ := newMarketFixture(t)

	consumer.ProcessTick(context.Background(), []byte(`{bad json`))
	consumer.ProcessTick(context.Background(), []byte(`{"scripCode":"","lastRate":5}`))
	consumer.ProcessTick(context.Background(), []byte(`{"scripCode":"500325","lastRate":0}`))

	_, ok := prices.Price("500325")
	assert.False(t, ok)
	assert.Empty(t, *ticks)
}

func TestProcessCandleForwardsNewBars(t *testing.T) {
	consumer, _, history, _, _, candles := newMarketFixture(t)

	first := []byte(`{"instrumentKey":"500325","windowStartMs":1000,"windowEndMs":61000,"open":7.85,"high":7.91,"low":7.72,"close":7.88,"volume":1300}`)
	consumer.ProcessCandle(context.Background(), first)

	require.Len(t, *candles, 1)
	assert.Equal(t, 7.88, (*candles)[0].Close)
	assert.Equal(t, 1, history.Len("500325"))

	// Redelivery of the same window reaches the cache but not the manager.
	consumer.ProcessCandle(context.Background(), first)
	assert.Len(t, *candles, 1)
	assert.Equal(t, 1, history.Len("500325"))
}

func TestProcessCandleDropsGarbage(t *testing.T) {
	consumer, _, history, _, _, candles := newMarketFixture(t)

	consumer.ProcessCandle(context.Background(), []byte(`nope`))
	consumer.ProcessCandle(context.Background(), []byte(`{"windowStartMs":1000}`))

	assert.Empty(t, *candles)
	assert.Zero(t, history.Len("500325"))
}
