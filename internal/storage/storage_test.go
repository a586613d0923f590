package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anirbansen/tradepulse/internal/models"
)

func TestNewJSONStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")

	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore failed: %v", err)
	}
	if store.ActiveTrade() != nil {
		t.Error("expected empty store")
	}
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected snapshot file on disk: %v", err)
	}
}

func TestJSONStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore failed: %v", err)
	}

	trade := testTrade(t, "trade-persist")
	if err := store.SetActiveTrade(trade); err != nil {
		t.Fatalf("set trade: %v", err)
	}
	portfolio := models.NewPortfolioState(1_000_000, "2025-09-15")
	if err := store.SetPortfolio(portfolio); err != nil {
		t.Fatalf("set portfolio: %v", err)
	}

	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got := reopened.ActiveTrade()
	if got == nil || got.TradeID != "trade-persist" {
		t.Fatalf("expected persisted trade back, got %+v", got)
	}
	if got.Status != models.StatusActive {
		t.Errorf("expected status ACTIVE after reload, got %s", got.Status)
	}
	if reopened.Portfolio() == nil {
		t.Error("expected persisted portfolio back")
	}
}

func TestJSONStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewJSONStore(path)
	if !errors.Is(err, ErrCorruptSnapshot) {
		t.Errorf("expected ErrCorruptSnapshot, got %v", err)
	}
}

func TestStatisticsStreaks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2025, 9, 15, 15, 0, 0, 0, time.UTC)
	book := func(id string, pnl, r float64) {
		t.Helper()
		err := store.CloseTrade(models.TradeResult{
			TradeID:   id,
			ScripCode: "500325",
			ExitTime:  day,
			PnL:       pnl,
			RMultiple: r,
		})
		if err != nil {
			t.Fatalf("close %s: %v", id, err)
		}
	}

	book("t1", 100, 1.0)
	book("t2", 50, 0.5)
	book("t3", -80, -1.0)
	book("t4", -20, -0.25)
	book("t5", 200, 2.0)

	stats := store.Statistics()
	if stats.TotalTrades != 5 {
		t.Fatalf("expected 5 trades, got %d", stats.TotalTrades)
	}
	if stats.WinningTrades != 3 || stats.LosingTrades != 2 {
		t.Errorf("expected 3 wins 2 losses, got %d/%d", stats.WinningTrades, stats.LosingTrades)
	}
	if stats.CurrentStreak != 1 {
		t.Errorf("expected streak +1 after win-following-losses, got %d", stats.CurrentStreak)
	}
	if stats.TotalPnL != 250 {
		t.Errorf("expected total PnL 250, got %v", stats.TotalPnL)
	}
	if want := (100.0 + 50 + 200) / 3; stats.AverageWin != want {
		t.Errorf("expected average win %v, got %v", want, stats.AverageWin)
	}
	if want := (-80.0 - 20) / 2; stats.AverageLoss != want {
		t.Errorf("expected average loss %v, got %v", want, stats.AverageLoss)
	}
	if stats.WinRate != 0.6 {
		t.Errorf("expected win rate 0.6, got %v", stats.WinRate)
	}
	if stats.BestTrade != 200 || stats.WorstTrade != -80 {
		t.Errorf("expected best 200 worst -80, got %v/%v", stats.BestTrade, stats.WorstTrade)
	}
	if want := (1.0 + 0.5 - 1.0 - 0.25 + 2.0) / 5; stats.AverageR != want {
		t.Errorf("expected average R %v, got %v", want, stats.AverageR)
	}

	if got := store.DailyPnL("2025-09-15"); got != 250 {
		t.Errorf("expected daily PnL 250, got %v", got)
	}

	// Loss streak after consecutive losses.
	book("t6", -10, -0.1)
	book("t7", -15, -0.2)
	if got := store.Statistics().CurrentStreak; got != -2 {
		t.Errorf("expected streak -2, got %d", got)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file renamed away, stat err=%v", err)
	}
}
