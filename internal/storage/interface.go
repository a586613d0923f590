package storage

import (
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/orders"
)

// Interface is the persistence contract the engine depends on.
//
// Implementations must be safe for concurrent use, and must persist each
// mutation before returning so that a crash immediately after any call
// leaves a recoverable snapshot.
type Interface interface {
	// Active trade slot
	ActiveTrade() *models.ActiveTrade
	SetActiveTrade(t *models.ActiveTrade) error

	// Portfolio state
	Portfolio() *models.PortfolioState
	SetPortfolio(p *models.PortfolioState) error

	// Order verifications outstanding at last snapshot
	Verifications() []orders.Request
	SetVerifications(reqs []orders.Request) error

	// CloseTrade books a result: appends history, folds statistics and daily
	// P&L, and clears the active trade if it matches. Duplicate trade IDs
	// are rejected with ErrDuplicateResult.
	CloseTrade(res models.TradeResult) error

	// Historical data and analytics
	History() []models.TradeResult
	HasResult(tradeID string) bool
	Statistics() Statistics
	DailyPnL(date string) float64

	// Snapshot persistence
	Save() error
	Load() error
}

// New creates a storage implementation (currently JSON-file based).
func New(path string) (Interface, error) {
	return NewJSONStore(path)
}
