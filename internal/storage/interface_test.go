package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
)

// TestInterface runs the shared contract against both implementations.
func TestInterface(t *testing.T) {
	t.Run("MockStore", func(t *testing.T) {
		testInterface(t, NewMockStore())
	})

	t.Run("JSONStore", func(t *testing.T) {
		path := fmt.Sprintf("%s/snapshot.json", t.TempDir())
		store, err := NewJSONStore(path)
		if err != nil {
			t.Fatalf("create JSON store: %v", err)
		}
		testInterface(t, store)
	})
}

func testTrade(t *testing.T, id string) *models.ActiveTrade {
	t.Helper()
	ps := models.NewPendingSignal(models.StrategySignal{
		SignalID:    "sig-" + id,
		ScripCode:   "500325",
		CompanyName: "RELIANCE",
		Signal:      "BUY",
		EntryPrice:  7.90,
		StopLoss:    7.74,
		Target1:     8.20,
		Confidence:  0.8,
		Timestamp:   time.Now().UnixMilli(),
	}, models.DirectionBullish, time.Now(), 15*time.Minute)

	trade := models.NewActiveTrade(id, ps, 7.90, 7.74, 8.20, 100, models.ExecutionDetail{
		Instrument: models.Instrument{
			ScripCode:    "500325",
			Exchange:     models.ExchangeNSE,
			ExchangeType: models.ExchTypeCash,
			TickSize:     0.05,
		},
	})
	if err := trade.TransitionStatus(models.StatusPendingFill, models.ConditionEntrySubmitted); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := trade.TransitionStatus(models.StatusActive, models.ConditionEntryVerified); err != nil {
		t.Fatalf("transition: %v", err)
	}
	trade.PositionSize = 100
	return trade
}

func testInterface(t *testing.T, store Interface) {
	if store.ActiveTrade() != nil {
		t.Error("expected no active trade initially")
	}
	if store.Portfolio() != nil {
		t.Error("expected no portfolio initially")
	}

	trade := testTrade(t, "trade-1")
	if err := store.SetActiveTrade(trade); err != nil {
		t.Fatalf("set active trade: %v", err)
	}

	got := store.ActiveTrade()
	if got == nil {
		t.Fatal("expected active trade, got nil")
	}
	if got.TradeID != trade.TradeID {
		t.Errorf("expected trade ID %s, got %s", trade.TradeID, got.TradeID)
	}
	// Mutating the returned copy must not leak into the store.
	got.StopLoss = 1.0
	if store.ActiveTrade().StopLoss == 1.0 {
		t.Error("ActiveTrade leaked internal state (mutation visible)")
	}

	portfolio := models.NewPortfolioState(1_000_000, "2025-09-15")
	portfolio.AddExposure("500325", "pivot-momentum", 790)
	if err := store.SetPortfolio(portfolio); err != nil {
		t.Fatalf("set portfolio: %v", err)
	}
	gotPortfolio := store.Portfolio()
	if gotPortfolio == nil {
		t.Fatal("expected portfolio, got nil")
	}
	if gotPortfolio.TotalExposure() != 790 {
		t.Errorf("expected exposure 790, got %v", gotPortfolio.TotalExposure())
	}

	reqs := []orders.Request{{
		OrderID:     "ord-1",
		TradeID:     trade.TradeID,
		Entry:       true,
		Qty:         100,
		SubmittedAt: time.Now().UTC(),
	}}
	if err := store.SetVerifications(reqs); err != nil {
		t.Fatalf("set verifications: %v", err)
	}
	gotReqs := store.Verifications()
	if len(gotReqs) != 1 || gotReqs[0].OrderID != "ord-1" {
		t.Fatalf("expected verification ord-1 back, got %+v", gotReqs)
	}

	exitTime := time.Date(2025, 9, 15, 14, 45, 0, 0, time.UTC)
	res := models.TradeResult{
		TradeID:    trade.TradeID,
		SignalID:   trade.SignalID,
		ScripCode:  trade.ScripCode,
		Direction:  trade.Direction,
		EntryPrice: 7.90,
		ExitPrice:  8.20,
		ExitTime:   exitTime,
		Quantity:   100,
		PnL:        30,
		RMultiple:  1.875,
		ExitReason: models.ExitTarget1,
	}
	if err := store.CloseTrade(res); err != nil {
		t.Fatalf("close trade: %v", err)
	}

	if store.ActiveTrade() != nil {
		t.Error("expected active trade cleared after close")
	}
	if !store.HasResult(trade.TradeID) {
		t.Error("expected HasResult true after close")
	}
	history := store.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 result in history, got %d", len(history))
	}
	if history[0].PnL != 30 {
		t.Errorf("expected PnL 30 in history, got %v", history[0].PnL)
	}

	stats := store.Statistics()
	if stats.TotalTrades != 1 || stats.WinningTrades != 1 {
		t.Errorf("expected 1 trade 1 win, got %+v", stats)
	}
	if stats.TotalPnL != 30 {
		t.Errorf("expected total PnL 30, got %v", stats.TotalPnL)
	}

	if got := store.DailyPnL("2025-09-15"); got != 30 {
		t.Errorf("expected daily PnL 30 for session, got %v", got)
	}

	// A second result for the same trade must be rejected.
	if err := store.CloseTrade(res); !errors.Is(err, ErrDuplicateResult) {
		t.Errorf("expected ErrDuplicateResult on repeat close, got %v", err)
	}
}

func TestMockStoreErrorInjection(t *testing.T) {
	mock := NewMockStore()

	injected := errors.New("disk full")
	mock.SetSaveError(injected)
	if err := mock.Save(); !errors.Is(err, injected) {
		t.Errorf("expected injected save error, got %v", err)
	}

	mock.SetSaveError(nil)
	if err := mock.Save(); err != nil {
		t.Errorf("unexpected save error: %v", err)
	}
	if mock.SaveCalls() != 2 {
		t.Errorf("expected 2 save calls, got %d", mock.SaveCalls())
	}

	mock.SetDailyPnL("2025-09-15", -1250)
	if got := mock.DailyPnL("2025-09-15"); got != -1250 {
		t.Errorf("expected daily PnL -1250, got %v", got)
	}
}

func TestFactory(t *testing.T) {
	store, err := New(fmt.Sprintf("%s/factory.json", t.TempDir()))
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if store == nil {
		t.Fatal("factory returned nil store")
	}
}
