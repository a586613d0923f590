package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStrategySignal_Direction(t *testing.T) {
	tests := []struct {
		raw     string
		want    SignalDirection
		wantErr bool
	}{
		{"BUY", DirectionBullish, false},
		{"BULLISH", DirectionBullish, false},
		{"SELL", DirectionBearish, false},
		{"BEARISH", DirectionBearish, false},
		{"buy", DirectionBullish, false},
		{" sell ", DirectionBearish, false},
		{"HOLD", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		s := StrategySignal{Signal: tt.raw}
		got, err := s.Direction()
		if tt.wantErr {
			if err == nil {
				t.Errorf("Direction(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("Direction(%q) unexpected error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Direction(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestStrategySignal_IdempotencyKey(t *testing.T) {
	withID := StrategySignal{SignalID: "abc-123", ScripCode: "114311", Timestamp: 1700000000000}
	if got := withID.IdempotencyKey(); got != "abc-123" {
		t.Errorf("IdempotencyKey = %q, want signalId", got)
	}

	withoutID := StrategySignal{ScripCode: "114311", Timestamp: 1700000000000}
	if got := withoutID.IdempotencyKey(); got != "114311|1700000000000" {
		t.Errorf("IdempotencyKey = %q, want scrip|timestamp", got)
	}
}

func TestStrategySignal_TolerantDecoding(t *testing.T) {
	// Producers add fields freely; decoding must not reject unknown keys.
	payload := []byte(`{
		"signalId": "s-1",
		"scripCode": "114311",
		"signal": "BUY",
		"entryPrice": 7.90,
		"stopLoss": 7.74,
		"target1": 8.20,
		"confidence": 0.8,
		"timestamp": 1700000000000,
		"mlConfidence": 0.91,
		"someFutureField": {"nested": true}
	}`)

	var s StrategySignal
	if err := json.Unmarshal(payload, &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if s.EntryPrice != 7.90 || s.StopLoss != 7.74 {
		t.Errorf("Decoded prices wrong: entry=%.2f stop=%.2f", s.EntryPrice, s.StopLoss)
	}
	if s.MLConfidence == nil || *s.MLConfidence != 0.91 {
		t.Error("mlConfidence should decode when present")
	}
}

func TestPendingSignal_Expiry(t *testing.T) {
	now := time.Now().UTC()
	ps := NewPendingSignal(StrategySignal{ScripCode: "114311"}, DirectionBullish, now, 10*time.Minute)

	if ps.Expired(now.Add(9 * time.Minute)) {
		t.Error("Signal should not be expired before its TTL")
	}
	if !ps.Expired(now.Add(10 * time.Minute)) {
		t.Error("Signal should expire exactly at its TTL")
	}
}

func TestPendingSignal_RecordBreachKeepsFirst(t *testing.T) {
	ps := NewPendingSignal(StrategySignal{ScripCode: "114311"}, DirectionBullish, time.Now().UTC(), time.Minute)

	first := Candle{WindowStartMs: 1000, Low: 7.70}
	second := Candle{WindowStartMs: 2000, Low: 7.60}
	ps.RecordBreach(first)
	ps.RecordBreach(second)

	if ps.BreachCandle == nil {
		t.Fatal("Breach candle should be recorded")
	}
	if ps.BreachCandle.WindowStartMs != 1000 {
		t.Errorf("Breach candle = %d, want the first recorded (1000)", ps.BreachCandle.WindowStartMs)
	}
}
