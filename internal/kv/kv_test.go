package kv

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testStore() *Store {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewOffline(logger)
}

func TestFirstSeenDeduplicates(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	if !s.FirstSeen(ctx, "sig-1", time.Hour) {
		t.Fatal("first sighting should report true")
	}
	if s.FirstSeen(ctx, "sig-1", time.Hour) {
		t.Error("second sighting should report false")
	}
	if !s.FirstSeen(ctx, "sig-2", time.Hour) {
		t.Error("distinct key should report true")
	}
}

func TestFirstSeenExpiry(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if !s.FirstSeen(ctx, "sig-1", time.Minute) {
		t.Fatal("first sighting should report true")
	}
	now = now.Add(30 * time.Second)
	if s.FirstSeen(ctx, "sig-1", time.Minute) {
		t.Error("inside the window the key is a duplicate")
	}
	now = now.Add(2 * time.Minute)
	if !s.FirstSeen(ctx, "sig-1", time.Minute) {
		t.Error("after expiry the key counts as new again")
	}
}

func TestPutGetJSONRoundTrip(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	snap := OrderbookSnapshot{BestBid: 7.85, BestAsk: 7.95, LastRate: 7.90, Ts: 1700000000000}
	s.PutOrderbook(ctx, "52100", snap)

	got, ok := s.Orderbook(ctx, "52100")
	if !ok {
		t.Fatal("snapshot should be readable back")
	}
	if got != snap {
		t.Errorf("round trip mismatch: got %+v want %+v", got, snap)
	}

	if _, ok := s.Orderbook(ctx, "99999"); ok {
		t.Error("unknown instrument should report absent")
	}
}

func TestGetJSONHonorsTTL(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.PutJSON(ctx, VirtualOrderKey("abc"), map[string]int{"qty": 100}, time.Minute)

	var dest map[string]int
	if !s.GetJSON(ctx, VirtualOrderKey("abc"), &dest) {
		t.Fatal("fresh entry should be readable")
	}
	now = now.Add(2 * time.Minute)
	if s.GetJSON(ctx, VirtualOrderKey("abc"), &dest) {
		t.Error("expired entry should report absent")
	}
}

func TestDelete(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	s.PutJSON(ctx, VirtualPositionKey("52100"), map[string]int{"qty": 50}, 0)
	s.Delete(ctx, VirtualPositionKey("52100"))

	var dest map[string]int
	if s.GetJSON(ctx, VirtualPositionKey("52100"), &dest) {
		t.Error("deleted key should report absent")
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := OrderbookKey("52100"); got != "orderbook:52100:latest" {
		t.Errorf("OrderbookKey = %q", got)
	}
	if got := VirtualOrderKey("ord-1"); got != "virtual:orders:ord-1" {
		t.Errorf("VirtualOrderKey = %q", got)
	}
	if got := VirtualPositionKey("52100"); got != "virtual:positions:52100" {
		t.Errorf("VirtualPositionKey = %q", got)
	}
}

func TestSeenMirrorPrunesExpired(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.mu.Lock()
	for i := 0; i < 10; i++ {
		s.seen[string(rune('a'+i))] = now.Add(-time.Minute)
	}
	s.pruneSeenLocked(now)
	remaining := len(s.seen)
	s.mu.Unlock()

	if remaining != 0 {
		t.Errorf("expired entries survived prune: %d", remaining)
	}
}
