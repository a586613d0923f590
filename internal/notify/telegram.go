package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	sendTimeout     = 10 * time.Second
	queueSize       = 32
)

// Telegram posts notifications to a chat through the bot API. Delivery runs
// on a background drain loop; failures are logged and never surfaced to the
// trading path.
type Telegram struct {
	client *resty.Client
	chatID string
	logger *logrus.Logger
	queue  chan string
}

// NewTelegram builds the notifier from config. The bot token becomes part of
// the request path, as the bot API requires.
func NewTelegram(cfg config.TelegramConfig, logger *logrus.Logger) *Telegram {
	client := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", telegramAPIBase, cfg.BotToken)).
		SetTimeout(sendTimeout).
		SetRetryCount(1).
		SetRetryWaitTime(250 * time.Millisecond)

	return &Telegram{
		client: client,
		chatID: cfg.ChatID,
		logger: logger,
		queue:  make(chan string, queueSize),
	}
}

// Run drains the message queue until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-t.queue:
			t.send(ctx, text)
		}
	}
}

// TradeOpened implements Notifier.
func (t *Telegram) TradeOpened(trade models.ActiveTrade) {
	arrow := "LONG"
	if trade.Direction == models.DirectionBearish {
		arrow = "SHORT"
	}
	t.enqueue(fmt.Sprintf(
		"*Entry %s %s*\n%s x%d @ %.2f\nStop %.2f | Target %.2f",
		arrow, trade.ScripCode, trade.CompanyName,
		trade.PositionSize, trade.EntryPrice, trade.StopLoss, trade.Target1,
	))
}

// TradeClosed implements Notifier.
func (t *Telegram) TradeClosed(result models.TradeResult) {
	verdict := "WIN"
	if result.PnL < 0 {
		verdict = "LOSS"
	}
	t.enqueue(fmt.Sprintf(
		"*Exit %s - %s*\n%s: %.2f → %.2f x%d\nP&L %.2f (%.2fR) | %s",
		result.ScripCode, verdict, result.ExitReason,
		result.EntryPrice, result.ExitPrice, result.Quantity,
		result.PnL, result.RMultiple, durationLabel(result.DurationMinutes),
	))
}

// RiskAlert implements Notifier. Only WARNING and CRITICAL events reach the
// chat; INFO stays in the logs.
func (t *Telegram) RiskAlert(event models.RiskEvent) {
	if event.Severity == models.SeverityInfo {
		return
	}
	t.enqueue(fmt.Sprintf("*%s %s*\n%s", event.Severity, event.Type, event.Message))
}

func (t *Telegram) enqueue(text string) {
	select {
	case t.queue <- text:
	default:
		t.logger.WithField("event", "notify_queue_full").Warn("dropping telegram notification")
	}
}

func (t *Telegram) send(ctx context.Context, text string) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/sendMessage")
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"event": "notify_send_failed",
			"error": err.Error(),
		}).Warn("telegram send failed")
		return
	}
	if resp.IsError() {
		t.logger.WithFields(logrus.Fields{
			"event":  "notify_send_failed",
			"status": resp.StatusCode(),
		}).Warn("telegram API rejected the message")
	}
}

func durationLabel(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh%02dm", minutes/60, minutes%60)
}
