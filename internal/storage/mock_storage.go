package storage

import (
	"sync"

	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
)

// MockStore implements Interface in memory for testing.
type MockStore struct {
	mu            sync.Mutex
	saveError     error
	closeError    error
	activeTrade   *models.ActiveTrade
	portfolio     *models.PortfolioState
	verifications []orders.Request
	history       []models.TradeResult
	dailyPnL      map[string]float64
	statistics    Statistics
	saveCalls     int
	loadCalls     int
}

// NewMockStore creates an empty in-memory store for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		dailyPnL: make(map[string]float64),
	}
}

func (m *MockStore) ActiveTrade() *models.ActiveTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTrade.Copy()
}

func (m *MockStore) SetActiveTrade(t *models.ActiveTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.activeTrade = t.Copy()
	return nil
}

func (m *MockStore) Portfolio() *models.PortfolioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portfolio.Copy()
}

func (m *MockStore) SetPortfolio(p *models.PortfolioState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.portfolio = p.Copy()
	return nil
}

func (m *MockStore) Verifications() []orders.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]orders.Request, len(m.verifications))
	copy(out, m.verifications)
	return out
}

func (m *MockStore) SetVerifications(reqs []orders.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications = make([]orders.Request, len(reqs))
	copy(m.verifications, reqs)
	return nil
}

func (m *MockStore) CloseTrade(res models.TradeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeError != nil {
		return m.closeError
	}
	for i := range m.history {
		if m.history[i].TradeID == res.TradeID {
			return ErrDuplicateResult
		}
	}
	m.history = append(m.history, res)
	m.statistics.TotalTrades++
	m.statistics.TotalPnL += res.PnL
	if res.PnL > 0 {
		m.statistics.WinningTrades++
	} else {
		m.statistics.LosingTrades++
	}
	m.dailyPnL[res.ExitTime.Format("2006-01-02")] += res.PnL
	if m.activeTrade != nil && m.activeTrade.TradeID == res.TradeID {
		m.activeTrade = nil
	}
	return nil
}

func (m *MockStore) History() []models.TradeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TradeResult, len(m.history))
	copy(out, m.history)
	return out
}

func (m *MockStore) HasResult(tradeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].TradeID == tradeID {
			return true
		}
	}
	return false
}

func (m *MockStore) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statistics
}

func (m *MockStore) DailyPnL(date string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[date]
}

func (m *MockStore) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	return m.saveError
}

func (m *MockStore) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	return nil
}

// Mock control methods for testing.

func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStore) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

func (m *MockStore) SaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

func (m *MockStore) SetDailyPnL(date string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL[date] = pnl
}

var _ Interface = (*MockStore)(nil)
