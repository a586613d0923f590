package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
)

func (h *harness) tripBreaker(reason string) error {
	h.t.Helper()
	done := make(chan error, 1)
	h.eng.dispatch(&tripBreakerRequest{reason: reason, done: done})
	return <-done
}

func (h *harness) resetBreaker() error {
	h.t.Helper()
	done := make(chan error, 1)
	h.eng.dispatch(&resetBreakerRequest{done: done})
	return <-done
}

func (h *harness) forceClose(reason models.ExitReason) error {
	h.t.Helper()
	done := make(chan error, 1)
	h.eng.dispatch(&forceCloseRequest{reason: reason, done: done})
	return <-done
}

func (h *harness) setMode(mode config.Mode) error {
	h.t.Helper()
	done := make(chan error, 1)
	h.eng.dispatch(&setModeRequest{mode: mode, done: done})
	return <-done
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	reply := make(chan Snapshot, 1)
	h.eng.dispatch(&snapshotRequest{reply: reply})
	return <-reply
}

func TestBreakerTripBlocksEntries(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.tripBreaker("max daily loss breached"))
	require.True(t, h.eng.portfolio.BreakerTripped)
	assert.Equal(t, "max daily loss breached", h.eng.portfolio.BreakerReason)
	ev, ok := h.bus.lastRisk(models.EventRiskBreakerTripped)
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, ev.Severity)

	// Tripping again is a no-op.
	require.NoError(t, h.tripBreaker("again"))
	assert.Equal(t, "max daily loss breached", h.eng.portfolio.BreakerReason)

	// A READY candidate is refused while the breaker holds.
	h.hist.Preload("114311", priorBars())
	h.watch.Admit(pendingBuy(t))
	h.broker.FillPrice = 7.90
	h.feed(confirmationBar())

	assert.Equal(t, 0, h.broker.PlaceCalls())
	assert.Equal(t, 0, h.watch.Len())
	blocked, ok := h.bus.lastRisk(models.EventRiskBlocked)
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, blocked.Severity)

	require.NoError(t, h.resetBreaker())
	assert.False(t, h.eng.portfolio.BreakerTripped)
	_, ok = h.bus.lastRisk(models.EventRiskBreakerReset)
	assert.True(t, ok)

	// The same setup clears once the breaker is reset.
	h.watch.Admit(pendingBuy(t))
	h.feed(confirmationBar())
	require.Equal(t, 1, h.broker.PlaceCalls())
	h.pump()
	assert.Equal(t, models.StatusActive, h.eng.trade.Status)
}

func TestResetBreakerWithoutTrip(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.resetBreaker())
	assert.False(t, h.eng.portfolio.BreakerTripped)
}

func TestSetModeRules(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, config.ModePaper, h.eng.mode)

	require.NoError(t, h.setMode(config.ModeSilent))
	assert.Equal(t, config.ModeSilent, h.eng.mode)

	require.ErrorIs(t, h.setMode(config.ModeLive), ErrLiveRequiresRestart)
	assert.Equal(t, config.ModeSilent, h.eng.mode)

	require.Error(t, h.setMode(config.Mode("turbo")))

	require.NoError(t, h.setMode(config.ModeSilent)) // same mode is a no-op
	require.NoError(t, h.setMode(config.ModePaper))
}

func TestSetModeRefusedWhenLive(t *testing.T) {
	h := newHarness(t, withConfig(func(c *config.Config) {
		c.Trading.Mode = config.ModeLive
	}))
	require.ErrorIs(t, h.setMode(config.ModePaper), ErrLiveRequiresRestart)
	assert.Equal(t, config.ModeLive, h.eng.mode)
}

func TestForceCloseActiveTrade(t *testing.T) {
	h := newHarness(t)
	tr := h.installActive("500701", models.DirectionBullish, 100, 98, 110, 0, 10)
	h.feed(candleFor("500701", 10, 5, 100.1, 100.4, 99.9, 100.2, 800))
	h.broker.FillPrice = 100.2

	// A blank reason defaults to a manual close.
	require.NoError(t, h.forceClose(""))
	require.Equal(t, models.ExitManual, tr.ExitReason)
	require.NotEmpty(t, tr.ExitOrderID)

	h.pump()

	history := h.store.History()
	require.Len(t, history, 1)
	assert.Equal(t, models.ExitManual, history[0].ExitReason)
	assert.InDelta(t, 2, history[0].PnL, 1e-6)
	assert.Nil(t, h.eng.trade)
}

func TestForceCloseWithoutTrade(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.forceClose(models.ExitManual), ErrNoActiveTrade)
}

func TestForceClosePendingEntryCancels(t *testing.T) {
	h := newHarness(t)
	h.hist.Preload("114311", priorBars())
	h.watch.Admit(pendingBuy(t))
	h.broker.AutoFill = false

	h.feed(confirmationBar())
	tr := h.eng.trade
	require.NotNil(t, tr)
	require.Equal(t, models.StatusPendingFill, tr.Status)

	require.NoError(t, h.forceClose(models.ExitManual))
	assert.Contains(t, h.broker.Cancelled(), tr.EntryOrderID)

	h.pump() // the watcher settles the cancelled entry

	assert.Equal(t, models.StatusFailed, tr.Status)
	assert.Nil(t, h.eng.trade)
	assert.Nil(t, h.store.ActiveTrade())
}

func TestForceCloseRefusedWhileExitInFlight(t *testing.T) {
	h := newHarness(t)
	tr := h.installActive("500801", models.DirectionBullish, 100, 98, 110, 0, 10)
	h.broker.AutoFill = false

	h.feed(candleFor("500801", 10, 5, 99.5, 99.8, 97.5, 97.9, 900))
	require.NotEmpty(t, tr.ExitOrderID)

	err := h.forceClose(models.ExitManual)
	require.EqualError(t, err, "exit order already in flight")

	h.pump() // drain the failed exit so the goroutine finishes
	assert.Equal(t, 1, tr.ExitAttempts)
}

func TestStateSnapshot(t *testing.T) {
	h := newHarness(t)
	tr := h.installActive("500901", models.DirectionBullish, 100, 98, 110, 0, 10)
	h.watch.Admit(pendingBuy(t))

	snap := h.snapshot()

	assert.Equal(t, config.ModePaper, snap.Mode)
	require.NotNil(t, snap.Trade)
	assert.Equal(t, tr.TradeID, snap.Trade.TradeID)
	require.Len(t, snap.Watchlist, 1)
	assert.Equal(t, "114311", snap.Watchlist[0].Signal.ScripCode)
	assert.False(t, snap.ExitEscalated)
	assert.InDelta(t, 1_000_000, snap.Portfolio.AccountValue, 1e-9)
	assert.Equal(t, 1, snap.Portfolio.OpenPositions)

	// Snapshots are copies, not views.
	snap.Trade.PositionSize = 1
	snap.Portfolio.AccountValue = 7
	assert.Equal(t, 10, h.eng.trade.PositionSize)
	assert.InDelta(t, 1_000_000, h.eng.portfolio.AccountValue, 1e-9)
}
