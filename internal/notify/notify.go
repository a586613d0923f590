// Package notify delivers trade and risk notifications. Senders never block
// the trading path: messages queue into a small buffer and anything the
// buffer cannot hold is dropped with a log line.
package notify

import (
	"github.com/anirbansen/tradepulse/internal/models"
)

// Notifier receives trade lifecycle and risk notifications.
type Notifier interface {
	TradeOpened(trade models.ActiveTrade)
	TradeClosed(result models.TradeResult)
	RiskAlert(event models.RiskEvent)
}

// Noop swallows all notifications. Used in silent mode and whenever
// Telegram is not configured.
type Noop struct{}

// NewNoop returns a notifier that does nothing.
func NewNoop() *Noop { return &Noop{} }

// TradeOpened implements Notifier.
func (*Noop) TradeOpened(models.ActiveTrade) {}

// TradeClosed implements Notifier.
func (*Noop) TradeClosed(models.TradeResult) {}

// RiskAlert implements Notifier.
func (*Noop) RiskAlert(models.RiskEvent) {}
