// Package market holds the in-memory market-data state fed by the bus:
// the latest-tick price cache and the per-instrument candle history.
package market

import (
	"sync"
	"time"

	"github.com/anirbansen/tradepulse/internal/models"
)

const defaultMaxQuoteAge = 10 * time.Second

type quote struct {
	tick       models.Tick
	receivedAt time.Time
}

// PriceCache keeps the newest tick per instrument. Reads tolerate staleness
// up to maxAge; anything older is reported as unavailable so callers fall
// back or raise a stale-data event.
type PriceCache struct {
	mu     sync.RWMutex
	maxAge time.Duration
	quotes map[string]quote

	now func() time.Time
}

// NewPriceCache returns an empty cache. maxAge <= 0 selects the default.
func NewPriceCache(maxAge time.Duration) *PriceCache {
	if maxAge <= 0 {
		maxAge = defaultMaxQuoteAge
	}
	return &PriceCache{
		maxAge: maxAge,
		quotes: make(map[string]quote),
		now:    time.Now,
	}
}

// Update stores the tick as the newest quote for its instrument. Ticks
// without a scrip code or a positive last rate are ignored.
func (c *PriceCache) Update(t models.Tick) {
	if t.ScripCode == "" || t.LastRate <= 0 {
		return
	}
	c.mu.Lock()
	c.quotes[t.ScripCode] = quote{tick: t, receivedAt: c.now()}
	c.mu.Unlock()
}

// Last returns the newest tick for the instrument regardless of age.
func (c *PriceCache) Last(scripCode string) (models.Tick, bool) {
	c.mu.RLock()
	q, ok := c.quotes[scripCode]
	c.mu.RUnlock()
	return q.tick, ok
}

// Price returns the last traded price if the quote is still fresh.
func (c *PriceCache) Price(scripCode string) (float64, bool) {
	c.mu.RLock()
	q, ok := c.quotes[scripCode]
	c.mu.RUnlock()
	if !ok || c.now().Sub(q.receivedAt) > c.maxAge {
		return 0, false
	}
	return q.tick.LastRate, true
}

// Quote returns the fresh bid/offer pair for spread-aware limit pricing.
// Instruments whose feed carries no depth report ok=false.
func (c *PriceCache) Quote(scripCode string) (bid, offer float64, ok bool) {
	c.mu.RLock()
	q, found := c.quotes[scripCode]
	c.mu.RUnlock()
	if !found || c.now().Sub(q.receivedAt) > c.maxAge {
		return 0, 0, false
	}
	if q.tick.BidRate <= 0 || q.tick.OfferRate <= 0 {
		return 0, 0, false
	}
	return q.tick.BidRate, q.tick.OfferRate, true
}

// Age returns how long ago the newest tick for the instrument arrived.
func (c *PriceCache) Age(scripCode string) (time.Duration, bool) {
	c.mu.RLock()
	q, ok := c.quotes[scripCode]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return c.now().Sub(q.receivedAt), true
}
