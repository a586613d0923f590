// Package storage persists the engine's crash-recovery snapshot: the active
// trade, portfolio state, outstanding order verifications, completed results
// and running statistics. One JSON file, written atomically.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
)

// Data is the on-disk snapshot layout.
type Data struct {
	ActiveTrade   *models.ActiveTrade    `json:"activeTrade,omitempty"`
	Portfolio     *models.PortfolioState `json:"portfolio,omitempty"`
	Verifications []orders.Request       `json:"verifications,omitempty"`
	History       []models.TradeResult   `json:"history,omitempty"`
	DailyPnL      map[string]float64     `json:"dailyPnl"`
	Statistics    *Statistics            `json:"statistics"`
	LastUpdated   time.Time              `json:"lastUpdated"`
}

// Statistics accumulates session-spanning trade outcomes.
type Statistics struct {
	TotalTrades   int     `json:"totalTrades"`
	WinningTrades int     `json:"winningTrades"`
	LosingTrades  int     `json:"losingTrades"`
	WinRate       float64 `json:"winRate"`
	TotalPnL      float64 `json:"totalPnl"`
	AverageWin    float64 `json:"averageWin"`
	AverageLoss   float64 `json:"averageLoss"`
	AverageR      float64 `json:"averageR"`
	BestTrade     float64 `json:"bestTrade"`
	WorstTrade    float64 `json:"worstTrade"`
	CurrentStreak int     `json:"currentStreak"`
}

// JSONStore implements Interface on a single JSON file. Safe for concurrent
// use; every mutation persists before returning.
type JSONStore struct {
	mu   sync.RWMutex
	path string
	data *Data
}

var _ Interface = (*JSONStore)(nil)

// NewJSONStore opens or creates the snapshot at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path: path,
		data: &Data{
			DailyPnL:   make(map[string]float64),
			Statistics: &Statistics{},
		},
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	return s, nil
}

// Load re-reads the snapshot from disk.
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	data := &Data{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if data.DailyPnL == nil {
		data.DailyPnL = make(map[string]float64)
	}
	if data.Statistics == nil {
		data.Statistics = &Statistics{}
	}
	s.data = data
	return nil
}

// Save writes the snapshot atomically: temp file in the same directory, then
// rename over the target.
func (s *JSONStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStore) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// ActiveTrade returns a copy of the persisted trade, or nil.
func (s *JSONStore) ActiveTrade() *models.ActiveTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ActiveTrade.Copy()
}

// SetActiveTrade persists the trade; nil clears it.
func (s *JSONStore) SetActiveTrade(t *models.ActiveTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ActiveTrade = t.Copy()
	return s.saveLocked()
}

// Portfolio returns a copy of the persisted portfolio, or nil.
func (s *JSONStore) Portfolio() *models.PortfolioState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Portfolio.Copy()
}

// SetPortfolio persists the portfolio state.
func (s *JSONStore) SetPortfolio(p *models.PortfolioState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Portfolio = p.Copy()
	return s.saveLocked()
}

// Verifications returns the outstanding order verifications.
func (s *JSONStore) Verifications() []orders.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Request, len(s.data.Verifications))
	copy(out, s.data.Verifications)
	return out
}

// SetVerifications replaces the persisted verification set.
func (s *JSONStore) SetVerifications(reqs []orders.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Verifications = make([]orders.Request, len(reqs))
	copy(s.data.Verifications, reqs)
	return s.saveLocked()
}

// CloseTrade books a completed trade: appends the result, folds statistics
// and daily P&L, clears the active trade.
func (s *JSONStore) CloseTrade(res models.TradeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasResultLocked(res.TradeID) {
		return fmt.Errorf("trade %s: %w", res.TradeID, ErrDuplicateResult)
	}

	s.data.History = append(s.data.History, res)
	s.updateStatisticsLocked(res)

	day := res.ExitTime.Format("2006-01-02")
	s.data.DailyPnL[day] += res.PnL

	if s.data.ActiveTrade != nil && s.data.ActiveTrade.TradeID == res.TradeID {
		s.data.ActiveTrade = nil
	}
	return s.saveLocked()
}

// History returns all recorded results, oldest first.
func (s *JSONStore) History() []models.TradeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TradeResult, len(s.data.History))
	copy(out, s.data.History)
	return out
}

// HasResult reports whether a trade already has a recorded result.
func (s *JSONStore) HasResult(tradeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasResultLocked(tradeID)
}

func (s *JSONStore) hasResultLocked(tradeID string) bool {
	for i := range s.data.History {
		if s.data.History[i].TradeID == tradeID {
			return true
		}
	}
	return false
}

// Statistics returns a copy of the running statistics.
func (s *JSONStore) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.data.Statistics
}

// DailyPnL returns the booked P&L for a session date (YYYY-MM-DD).
func (s *JSONStore) DailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

func (s *JSONStore) updateStatisticsLocked(res models.TradeResult) {
	stats := s.data.Statistics
	prior := float64(stats.TotalTrades)
	stats.TotalTrades++
	stats.TotalPnL += res.PnL
	stats.AverageR = (stats.AverageR*prior + res.RMultiple) / float64(stats.TotalTrades)

	if stats.TotalTrades == 1 {
		stats.BestTrade = res.PnL
		stats.WorstTrade = res.PnL
	} else {
		if res.PnL > stats.BestTrade {
			stats.BestTrade = res.PnL
		}
		if res.PnL < stats.WorstTrade {
			stats.WorstTrade = res.PnL
		}
	}

	if res.PnL > 0 {
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		totalWins := stats.AverageWin*float64(stats.WinningTrades-1) + res.PnL
		stats.AverageWin = totalWins / float64(stats.WinningTrades)
	} else {
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		totalLosses := stats.AverageLoss*float64(stats.LosingTrades-1) + res.PnL
		stats.AverageLoss = totalLosses / float64(stats.LosingTrades)
	}

	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
}
