// Package kv wraps the shared Redis instance used for signal idempotency,
// orderbook snapshots and the paper broker's virtual-wallet keys. Every
// operation mirrors to an in-memory map so the engine keeps trading when
// Redis is unreachable; the store flips back to Redis as soon as a call
// succeeds again.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
)

const (
	seenKeyPrefix       = "signals:seen:"
	orderbookKeyPattern = "orderbook:%s:latest"

	// VirtualSettingsKey holds the paper broker's wallet snapshot.
	VirtualSettingsKey = "virtual:settings"

	pingTimeout = 2 * time.Second

	// maxSeenEntries bounds the in-memory idempotency mirror; expired keys
	// are swept before anything live is considered for eviction.
	maxSeenEntries = 100_000
)

// OrderbookSnapshot is the best-bid/offer view published per instrument for
// downstream consumers (dashboards, other strategies).
type OrderbookSnapshot struct {
	BestBid  float64 `json:"bestBid"`
	BestAsk  float64 `json:"bestAsk"`
	LastRate float64 `json:"lastRate"`
	Ts       int64   `json:"ts"`
}

// VirtualOrderKey returns the Redis key for a simulated order.
func VirtualOrderKey(orderID string) string {
	return "virtual:orders:" + orderID
}

// VirtualPositionKey returns the Redis key for a simulated position.
func VirtualPositionKey(scripCode string) string {
	return "virtual:positions:" + scripCode
}

// OrderbookKey returns the Redis key for an instrument's latest book snapshot.
func OrderbookKey(scripCode string) string {
	return fmt.Sprintf(orderbookKeyPattern, scripCode)
}

// Store is the engine's KV client. A nil Redis client selects memory-only
// mode, which the integration harness and tests use directly.
type Store struct {
	client    *redis.Client
	logger    *logrus.Logger
	available atomic.Bool

	mu   sync.RWMutex
	seen map[string]time.Time // idempotency mirror: key -> expiry
	mem  map[string]memEntry  // value mirror: key -> payload

	now func() time.Time
}

type memEntry struct {
	data    []byte
	expires time.Time // zero means no expiry
}

// New connects to Redis and returns the store. Connection failure is not
// fatal: the store starts in memory-only mode and logs the degradation.
func New(cfg config.RedisConfig, logger *logrus.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := newStore(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithFields(logrus.Fields{
			"event": "kv_degraded",
			"addr":  cfg.Addr,
			"error": err.Error(),
		}).Warn("redis unreachable at startup, using in-memory mirror")
		s.available.Store(false)
	} else {
		logger.WithFields(logrus.Fields{
			"event": "kv_connected",
			"addr":  cfg.Addr,
		}).Info("redis connected")
		s.available.Store(true)
	}
	return s
}

// NewOffline returns a memory-only store with no Redis behind it.
func NewOffline(logger *logrus.Logger) *Store {
	s := newStore(nil, logger)
	s.available.Store(false)
	return s
}

func newStore(client *redis.Client, logger *logrus.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		seen:   make(map[string]time.Time),
		mem:    make(map[string]memEntry),
		now:    time.Now,
	}
}

// FirstSeen records the idempotency key and reports whether this is its first
// sighting inside the TTL window. The in-memory verdict always stands; Redis
// extends the window across restarts when it is reachable.
func (s *Store) FirstSeen(ctx context.Context, key string, ttl time.Duration) bool {
	now := s.now()

	s.mu.Lock()
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		s.mu.Unlock()
		return false
	}
	s.seen[key] = now.Add(ttl)
	if len(s.seen) > maxSeenEntries {
		s.pruneSeenLocked(now)
	}
	s.mu.Unlock()

	if s.client == nil {
		return true
	}
	fresh, err := s.client.SetNX(ctx, seenKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		s.markDown("setnx", err)
		return true
	}
	s.markUp()
	return fresh
}

// pruneSeenLocked drops expired idempotency entries; if the mirror is still
// over capacity afterwards the oldest live entries go too. Caller holds mu.
func (s *Store) pruneSeenLocked(now time.Time) {
	for k, exp := range s.seen {
		if !now.Before(exp) {
			delete(s.seen, k)
		}
	}
	if len(s.seen) <= maxSeenEntries {
		return
	}
	// Over capacity with live keys only: evict whichever expire soonest.
	for k, exp := range s.seen {
		if len(s.seen) <= maxSeenEntries {
			break
		}
		_ = exp
		delete(s.seen, k)
	}
}

// PutOrderbook stores the latest book snapshot for the instrument.
func (s *Store) PutOrderbook(ctx context.Context, scripCode string, snap OrderbookSnapshot) {
	s.PutJSON(ctx, OrderbookKey(scripCode), snap, 0)
}

// Orderbook returns the latest book snapshot for the instrument.
func (s *Store) Orderbook(ctx context.Context, scripCode string) (OrderbookSnapshot, bool) {
	var snap OrderbookSnapshot
	ok := s.GetJSON(ctx, OrderbookKey(scripCode), &snap)
	return snap, ok
}

// PutJSON marshals v and stores it under key, mirroring to memory. A ttl of
// zero means no expiry. Marshal failures are logged and dropped; snapshot
// writes must never take the trading path down.
func (s *Store) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"event": "kv_marshal_failed",
			"key":   key,
			"error": err.Error(),
		}).Error("dropping kv write")
		return
	}

	entry := memEntry{data: data}
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.mem[key] = entry
	s.mu.Unlock()

	if s.client == nil {
		return
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.markDown("set", err)
		return
	}
	s.markUp()
}

// GetJSON loads key into dest, preferring Redis and falling back to the
// memory mirror. Returns false when the key is absent everywhere.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) bool {
	if s.client != nil && s.available.Load() {
		raw, err := s.client.Get(ctx, key).Result()
		switch {
		case err == nil:
			s.markUp()
			if jsonErr := json.Unmarshal([]byte(raw), dest); jsonErr == nil {
				return true
			}
			return false
		case err == redis.Nil:
			s.markUp()
			// Absent in Redis; the mirror may still carry a pre-outage write.
		default:
			s.markDown("get", err)
		}
	}

	s.mu.RLock()
	entry, ok := s.mem[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if !entry.expires.IsZero() && !s.now().Before(entry.expires) {
		return false
	}
	return json.Unmarshal(entry.data, dest) == nil
}

// Delete removes the key from both Redis and the mirror.
func (s *Store) Delete(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	if s.client == nil {
		return
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.markDown("del", err)
		return
	}
	s.markUp()
}

// Available reports whether Redis answered the most recent call.
func (s *Store) Available() bool {
	return s.available.Load()
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) markDown(op string, err error) {
	if s.available.Swap(false) {
		s.logger.WithFields(logrus.Fields{
			"event": "kv_degraded",
			"op":    op,
			"error": err.Error(),
		}).Warn("redis unavailable, serving from in-memory mirror")
	}
}

func (s *Store) markUp() {
	if !s.available.Swap(true) {
		s.logger.WithField("event", "kv_recovered").Info("redis reachable again")
	}
}
