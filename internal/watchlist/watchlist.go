// Package watchlist holds admitted signals awaiting entry confirmation.
package watchlist

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/models"
)

// Watchlist is the set of pending signals, unique per instrument. Admission
// happens on the ingress path; breach/rejection memos are written only from
// the manager loop, so returned pointers are safe under that discipline.
type Watchlist struct {
	mu      sync.RWMutex
	pending map[string]*models.PendingSignal
	log     *logrus.Logger
}

// New returns an empty watchlist.
func New(log *logrus.Logger) *Watchlist {
	return &Watchlist{
		pending: make(map[string]*models.PendingSignal),
		log:     log,
	}
}

// Admit stores the pending signal, replacing any older one for the same
// instrument. It reports whether a previous entry was displaced.
func (w *Watchlist) Admit(ps *models.PendingSignal) bool {
	if ps == nil || ps.Signal.ScripCode == "" {
		return false
	}

	w.mu.Lock()
	_, replaced := w.pending[ps.Signal.ScripCode]
	w.pending[ps.Signal.ScripCode] = ps
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{
		"event":     "watchlist_admit",
		"scripCode": ps.Signal.ScripCode,
		"signalId":  ps.Signal.SignalID,
		"direction": ps.Direction,
		"replaced":  replaced,
	}).Info("signal admitted to watchlist")

	return replaced
}

// Get returns the pending signal for the instrument.
func (w *Watchlist) Get(scripCode string) (*models.PendingSignal, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ps, ok := w.pending[scripCode]
	return ps, ok
}

// Remove drops the instrument's pending signal and reports whether one existed.
func (w *Watchlist) Remove(scripCode string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[scripCode]; !ok {
		return false
	}
	delete(w.pending, scripCode)
	return true
}

// Clear drops every pending signal and returns how many were removed. Called
// when a trade takes the single active-trade slot.
func (w *Watchlist) Clear() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.pending)
	if n > 0 {
		w.pending = make(map[string]*models.PendingSignal)
	}
	return n
}

// Len returns the number of instruments being watched.
func (w *Watchlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.pending)
}

// SweepExpired removes every entry past its deadline and returns copies for
// event emission.
func (w *Watchlist) SweepExpired(now time.Time) []models.PendingSignal {
	w.mu.Lock()
	defer w.mu.Unlock()

	var expired []models.PendingSignal
	for scrip, ps := range w.pending {
		if !ps.Expired(now) {
			continue
		}
		expired = append(expired, clone(ps))
		delete(w.pending, scrip)
	}
	return expired
}

// Snapshot returns copies of every pending signal for read-only consumers.
func (w *Watchlist) Snapshot() []models.PendingSignal {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]models.PendingSignal, 0, len(w.pending))
	for _, ps := range w.pending {
		out = append(out, clone(ps))
	}
	return out
}

func clone(ps *models.PendingSignal) models.PendingSignal {
	cp := *ps
	if ps.BreachCandle != nil {
		c := *ps.BreachCandle
		cp.BreachCandle = &c
	}
	return cp
}
