package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
)

type capturedMsg struct {
	subject string
	key     string
	payload any
}

type fakeSink struct {
	mu       sync.Mutex
	messages []capturedMsg
	err      error
}

func (f *fakeSink) Publish(subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, capturedMsg{subject: subject, payload: v})
	return nil
}

func (f *fakeSink) PublishKeyed(subject, key string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, capturedMsg{subject: subject, key: key, payload: v})
	return nil
}

func (f *fakeSink) bySubject(subject string) []capturedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedMsg
	for _, m := range f.messages {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type fakeArchive struct {
	mu      sync.Mutex
	results []models.TradeResult
	equity  []models.PortfolioState
	err     error
}

func (f *fakeArchive) ArchiveResult(_ context.Context, res models.TradeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, res)
	return nil
}

func (f *fakeArchive) RecordEquity(_ context.Context, state models.PortfolioState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.equity = append(f.equity, state)
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBroadcaster) Broadcast(event string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testResult(id string) models.TradeResult {
	return models.TradeResult{
		TradeID:         id,
		ScripCode:       "500325",
		Direction:       models.DirectionBullish,
		EntryPrice:      7.90,
		ExitPrice:       8.20,
		ExitTime:        time.Now().UTC(),
		Quantity:        100,
		PnL:             30,
		RMultiple:       1.875,
		ExitReason:      models.ExitTarget1,
		DurationMinutes: 42,
	}
}

func TestTopicsFromBusDefaults(t *testing.T) {
	topics := TopicsFromBus(config.BusConfig{})
	assert.Equal(t, "trade-entries", topics.TradeEntries)
	assert.Equal(t, "trade-results", topics.TradeResults)
	assert.Equal(t, "profit-loss", topics.ProfitLoss)
	assert.Equal(t, "risk-events", topics.RiskEvents)

	topics = TopicsFromBus(config.BusConfig{TradeResultsTopic: "custom-results"})
	assert.Equal(t, "custom-results", topics.TradeResults)
}

func TestTradeResultPublishedOnce(t *testing.T) {
	sink := &fakeSink{}
	archive := &fakeArchive{}
	bcast := &fakeBroadcaster{}
	pub := New(sink, archive, bcast, TopicsFromBus(config.BusConfig{}), testLogger())

	res := testResult("trade-1")
	require.True(t, pub.TradeResult(context.Background(), res, 1_000_030))
	require.False(t, pub.TradeResult(context.Background(), res, 1_000_030), "second publish must be suppressed")

	results := sink.bySubject("trade-results")
	require.Len(t, results, 1)
	assert.Equal(t, "trade-1", results[0].key, "result must be keyed by trade ID")

	require.Len(t, archive.results, 1)
	assert.Equal(t, "trade-1", archive.results[0].TradeID)

	pl := sink.bySubject("profit-loss")
	require.Len(t, pl, 1)
	ev := pl[0].payload.(models.PLEvent)
	assert.Equal(t, models.PLTradeExit, ev.EventType)
	assert.InDelta(t, 30.0/790.0*100, ev.ROI, 1e-9)
	assert.Equal(t, 1_000_030.0, ev.AccountValue)

	assert.Contains(t, bcast.events, "trade_result")
}

func TestSeedSuppressesReplayedResults(t *testing.T) {
	sink := &fakeSink{}
	pub := New(sink, nil, nil, TopicsFromBus(config.BusConfig{}), testLogger())

	pub.Seed("trade-old")
	assert.False(t, pub.TradeResult(context.Background(), testResult("trade-old"), 0))
	assert.Empty(t, sink.bySubject("trade-results"))
}

func TestTradeEntryEmitsEntryAndPL(t *testing.T) {
	sink := &fakeSink{}
	bcast := &fakeBroadcaster{}
	pub := New(sink, nil, bcast, TopicsFromBus(config.BusConfig{}), testLogger())

	trade := &models.ActiveTrade{
		TradeID:      "trade-2",
		SignalID:     "sig-2",
		ScripCode:    "500325",
		Direction:    models.DirectionBullish,
		StrategyName: "pivot-momentum",
		EntryPrice:   7.90,
		PositionSize: 100,
		StopLoss:     7.74,
		Target1:      8.20,
		EntryOrderID: "ord-9",
		EntryTime:    time.Now().UTC(),
	}
	pub.TradeEntry(trade)

	entries := sink.bySubject("trade-entries")
	require.Len(t, entries, 1)
	entry := entries[0].payload.(models.TradeEntryEvent)
	assert.Equal(t, "500325", entry.ScripCode)
	assert.Equal(t, 8.20, entry.TakeProfit)
	assert.Equal(t, "ord-9", entry.OrderID)

	pl := sink.bySubject("profit-loss")
	require.Len(t, pl, 1)
	assert.Equal(t, models.PLTradeEntry, pl[0].payload.(models.PLEvent).EventType)

	assert.Contains(t, bcast.events, "trade_entry")
}

func TestSinkFailureStillArchives(t *testing.T) {
	sink := &fakeSink{err: errors.New("nats down")}
	archive := &fakeArchive{}
	pub := New(sink, archive, nil, TopicsFromBus(config.BusConfig{}), testLogger())

	require.True(t, pub.TradeResult(context.Background(), testResult("trade-3"), 0))
	require.Len(t, archive.results, 1, "archive write must not depend on bus health")
}

func TestPortfolioUpdate(t *testing.T) {
	sink := &fakeSink{}
	archive := &fakeArchive{}
	pub := New(sink, archive, nil, TopicsFromBus(config.BusConfig{}), testLogger())

	state := models.NewPortfolioState(1_000_000, "2025-09-15")
	state.ApplyRealized(-5_000)
	pub.PortfolioUpdate(context.Background(), *state)

	pl := sink.bySubject("profit-loss")
	require.Len(t, pl, 1)
	ev := pl[0].payload.(models.PLEvent)
	assert.Equal(t, models.PLPortfolioUpdate, ev.EventType)
	assert.Equal(t, 995_000.0, ev.AccountValue)
	require.Len(t, archive.equity, 1)
}

func TestRiskEventPublished(t *testing.T) {
	sink := &fakeSink{}
	bcast := &fakeBroadcaster{}
	pub := New(sink, nil, bcast, TopicsFromBus(config.BusConfig{}), testLogger())

	ev := models.NewRiskEvent(models.EventRiskBreakerTripped, models.SeverityCritical, "portfolio", "3 broker failures in 60s")
	pub.RiskEvent(ev)

	require.Len(t, sink.bySubject("risk-events"), 1)
	assert.Contains(t, bcast.events, "risk_event")
}

func TestNilWiringIsSafe(t *testing.T) {
	pub := New(nil, nil, nil, TopicsFromBus(config.BusConfig{}), testLogger())
	pub.TradeEntry(&models.ActiveTrade{TradeID: "t"})
	assert.True(t, pub.TradeResult(context.Background(), testResult("t"), 0))
	pub.PortfolioUpdate(context.Background(), models.PortfolioState{})
	pub.RiskEvent(models.RiskEvent{})
}
