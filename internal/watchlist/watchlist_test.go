package watchlist

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func pending(t *testing.T, scripCode, signalID string, admittedAt time.Time, ttl time.Duration) *models.PendingSignal {
	t.Helper()
	sig := models.StrategySignal{
		SignalID:   signalID,
		ScripCode:  scripCode,
		Signal:     "BUY",
		EntryPrice: 7.90,
		StopLoss:   7.74,
		Target1:    8.20,
		Timestamp:  admittedAt.UnixMilli(),
	}
	return models.NewPendingSignal(sig, models.DirectionBullish, admittedAt, ttl)
}

func TestAdmitAndGet(t *testing.T) {
	w := New(testLogger())
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	if replaced := w.Admit(pending(t, "114311", "sig-1", now, 15*time.Minute)); replaced {
		t.Error("first admission must not report replacement")
	}
	if w.Len() != 1 {
		t.Fatalf("Len = %d, want 1", w.Len())
	}

	ps, ok := w.Get("114311")
	if !ok || ps.Signal.SignalID != "sig-1" {
		t.Fatalf("Get returned %+v, %v", ps, ok)
	}

	// Newer signal for the same instrument displaces the older one.
	if replaced := w.Admit(pending(t, "114311", "sig-2", now.Add(time.Minute), 15*time.Minute)); !replaced {
		t.Error("second admission must report replacement")
	}
	if w.Len() != 1 {
		t.Errorf("Len after replacement = %d, want 1", w.Len())
	}
	ps, _ = w.Get("114311")
	if ps.Signal.SignalID != "sig-2" {
		t.Errorf("expected newer signal to win, got %s", ps.Signal.SignalID)
	}
}

func TestAdmit_RejectsJunk(t *testing.T) {
	w := New(testLogger())
	if w.Admit(nil) {
		t.Error("nil admission must be a no-op")
	}
	now := time.Now()
	ps := pending(t, "", "sig-1", now, time.Minute)
	if w.Admit(ps) || w.Len() != 0 {
		t.Error("admission without scrip code must be a no-op")
	}
}

func TestRemove(t *testing.T) {
	w := New(testLogger())
	now := time.Now()
	w.Admit(pending(t, "114311", "sig-1", now, time.Minute))

	if !w.Remove("114311") {
		t.Error("Remove must report true for existing entry")
	}
	if w.Remove("114311") {
		t.Error("Remove must report false for missing entry")
	}
	if w.Len() != 0 {
		t.Errorf("Len = %d, want 0", w.Len())
	}
}

func TestClear(t *testing.T) {
	w := New(testLogger())
	now := time.Now()
	w.Admit(pending(t, "114311", "sig-1", now, time.Minute))
	w.Admit(pending(t, "500325", "sig-2", now, time.Minute))

	if n := w.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if w.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", w.Len())
	}
	if n := w.Clear(); n != 0 {
		t.Errorf("Clear on empty = %d, want 0", n)
	}
}

func TestSweepExpired(t *testing.T) {
	w := New(testLogger())
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	w.Admit(pending(t, "114311", "sig-1", now, 5*time.Minute))
	w.Admit(pending(t, "500325", "sig-2", now, 30*time.Minute))

	expired := w.SweepExpired(now.Add(10 * time.Minute))
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired signal, got %d", len(expired))
	}
	if expired[0].Signal.SignalID != "sig-1" {
		t.Errorf("expired signal = %s, want sig-1", expired[0].Signal.SignalID)
	}
	if w.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", w.Len())
	}
	if _, ok := w.Get("500325"); !ok {
		t.Error("unexpired signal must survive the sweep")
	}

	// Nothing left to expire.
	if again := w.SweepExpired(now.Add(10 * time.Minute)); len(again) != 0 {
		t.Errorf("second sweep returned %d entries, want 0", len(again))
	}
}

func TestSnapshot_CopiesState(t *testing.T) {
	w := New(testLogger())
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	ps := pending(t, "114311", "sig-1", now, 15*time.Minute)
	ps.RecordBreach(models.Candle{InstrumentKey: "114311", WindowStartMs: now.UnixMilli(), Low: 7.72, Close: 7.80})
	w.Admit(ps)

	snap := w.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(snap))
	}
	if snap[0].BreachCandle == nil {
		t.Fatal("snapshot must carry the breach memo")
	}

	// Mutating the snapshot must not leak back into the watchlist.
	snap[0].BreachCandle.Low = 1.0
	snap[0].ValidationAttempts = 99

	live, _ := w.Get("114311")
	if live.BreachCandle.Low != 7.72 {
		t.Error("snapshot mutation leaked into the live breach memo")
	}
	if live.ValidationAttempts == 99 {
		t.Error("snapshot mutation leaked into the live signal")
	}
}
