package market

import (
	"sort"
	"sync"

	"github.com/anirbansen/tradepulse/internal/models"
)

const defaultHistoryTail = 100

// History is the bounded per-instrument ring of recent 1-minute candles.
// Bars are kept strictly ordered by WindowStartMs; duplicates are dropped,
// stragglers at most one window old are backfilled in place, and anything
// older is discarded.
type History struct {
	mu      sync.RWMutex
	tail    int
	byInstr map[string][]models.Candle
}

// NewHistory returns an empty history capped at tail bars per instrument.
// tail <= 0 selects the default.
func NewHistory(tail int) *History {
	if tail <= 0 {
		tail = defaultHistoryTail
	}
	return &History{
		tail:    tail,
		byInstr: make(map[string][]models.Candle),
	}
}

// Add ingests one candle. It returns true only when the bar becomes the
// newest for its instrument, which is the signal for downstream evaluation.
// Duplicate windows and backfilled stragglers return false.
func (h *History) Add(c models.Candle) bool {
	if c.InstrumentKey == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.byInstr[c.InstrumentKey]
	if len(s) == 0 {
		h.byInstr[c.InstrumentKey] = append(s, c)
		return true
	}

	last := s[len(s)-1]
	switch {
	case c.WindowStartMs > last.WindowStartMs:
		if len(s) >= h.tail {
			copy(s, s[len(s)-h.tail+1:])
			s = s[:h.tail-1]
		}
		h.byInstr[c.InstrumentKey] = append(s, c)
		return true

	case c.WindowStartMs == last.WindowStartMs:
		// Redelivery of the current bar.
		return false

	default:
		// Late bar: tolerate a single-window straggler, drop the rest.
		width := c.WindowEndMs - c.WindowStartMs
		if width <= 0 {
			width = 60_000
		}
		if last.WindowStartMs-c.WindowStartMs > width {
			return false
		}
		if len(s) >= 2 && s[len(s)-2].WindowStartMs >= c.WindowStartMs {
			return false
		}
		s = append(s[:len(s)-1], c, last)
		if len(s) > h.tail {
			trimmed := make([]models.Candle, h.tail)
			copy(trimmed, s[len(s)-h.tail:])
			s = trimmed
		}
		h.byInstr[c.InstrumentKey] = s
		return false
	}
}

// Preload seeds the history for an instrument that has none yet, e.g. on
// watchlist admission. Bars are sorted, deduplicated and capped; a non-empty
// history is left untouched.
func (h *History) Preload(instrumentKey string, candles []models.Candle) {
	if instrumentKey == "" || len(candles) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.byInstr[instrumentKey]) > 0 {
		return
	}

	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].WindowStartMs < sorted[j].WindowStartMs
	})

	deduped := sorted[:0]
	for _, c := range sorted {
		if len(deduped) > 0 && deduped[len(deduped)-1].WindowStartMs == c.WindowStartMs {
			continue
		}
		deduped = append(deduped, c)
	}
	if len(deduped) > h.tail {
		deduped = deduped[len(deduped)-h.tail:]
	}

	out := make([]models.Candle, len(deduped))
	copy(out, deduped)
	h.byInstr[instrumentKey] = out
}

// Last returns the newest bar for the instrument.
func (h *History) Last(instrumentKey string) (models.Candle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.byInstr[instrumentKey]
	if len(s) == 0 {
		return models.Candle{}, false
	}
	return s[len(s)-1], true
}

// Tail returns a copy of the newest n bars in ascending window order. Fewer
// bars than requested returns all of them; unknown instruments return nil.
func (h *History) Tail(instrumentKey string, n int) []models.Candle {
	if n <= 0 {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.byInstr[instrumentKey]
	if len(s) == 0 {
		return nil
	}
	if n > len(s) {
		n = len(s)
	}
	out := make([]models.Candle, n)
	copy(out, s[len(s)-n:])
	return out
}

// Len returns the number of bars held for the instrument.
func (h *History) Len(instrumentKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byInstr[instrumentKey])
}
