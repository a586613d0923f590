package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades a risk event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Risk event types. The INGEST_ and VALIDATION_ families describe clean drops;
// RISK_ covers portfolio gates; the rest are infrastructure surfaces.
const (
	EventIngestParse      = "INGEST_PARSE"
	EventIngestDuplicate  = "INGEST_DUPLICATE"
	EventIngestStale      = "INGEST_STALE"
	EventIngestOutOfHours = "INGEST_OUT_OF_HOURS"
	EventIngestRiskReject = "INGEST_RISK_REJECT"

	EventValidationMinMove    = "VALIDATION_MIN_MOVE"
	EventValidationStopTooFar = "VALIDATION_STOP_TOO_FAR"
	EventValidationMinRR      = "VALIDATION_MIN_RR"
	EventValidationDirection  = "VALIDATION_DIRECTION"

	EventRiskBlocked        = "RISK_BLOCKED"
	EventRiskBreakerTripped = "RISK_BREAKER_TRIPPED"
	EventRiskBreakerReset   = "RISK_BREAKER_RESET"
	EventRiskThreshold      = "RISK_THRESHOLD"
	EventRiskSizerZero      = "RISK_SIZER_ZERO"
	EventRiskPartialFill    = "RISK_PARTIAL_FILL"
	EventSignalExpired      = "SIGNAL_EXPIRED"

	EventPivotUnavailable = "PIVOT_UNAVAILABLE"
	EventMarketDataStale  = "MARKET_DATA_STALE"
	EventBrokerReject     = "BROKER_REJECT"
	EventBrokerTimeout    = "BROKER_TIMEOUT"
	EventVerifyFail       = "VERIFY_FAIL"
	EventShutdown         = "SHUTDOWN"
)

// RiskEvent is one emitted risk/lifecycle notification. Events are published
// to the risk-events topic keyed by Scope and never stored in the core.
type RiskEvent struct {
	EventID  string   `json:"eventId"`
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	// Scope keys the event for downstream partitioning: an instrument code or
	// a wallet id depending on what the event is about.
	Scope            string    `json:"scope,omitempty"`
	CurrentValue     float64   `json:"currentValue,omitempty"`
	LimitValue       float64   `json:"limitValue,omitempty"`
	ThresholdPercent float64   `json:"thresholdPercent,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewRiskEvent builds an event with a fresh id and the current time.
func NewRiskEvent(eventType string, sev Severity, scope, message string) RiskEvent {
	return RiskEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Severity:  sev,
		Scope:     scope,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithValues attaches the measured value and the limit it is judged against.
func (e RiskEvent) WithValues(current, limit float64) RiskEvent {
	e.CurrentValue = current
	e.LimitValue = limit
	if limit != 0 {
		e.ThresholdPercent = current / limit * 100
	}
	return e
}

// PLEventType distinguishes profit-loss topic records.
type PLEventType string

const (
	PLTradeEntry      PLEventType = "TRADE_ENTRY"
	PLTradeExit       PLEventType = "TRADE_EXIT"
	PLPortfolioUpdate PLEventType = "PORTFOLIO_UPDATE"
)

// PLEvent is one record on the profit-loss topic.
type PLEvent struct {
	EventType       PLEventType `json:"eventType"`
	TradeID         string      `json:"tradeId,omitempty"`
	ScripCode       string      `json:"scripCode,omitempty"`
	EntryPrice      float64     `json:"entryPrice,omitempty"`
	ExitPrice       float64     `json:"exitPrice,omitempty"`
	Quantity        int         `json:"quantity,omitempty"`
	PnL             float64     `json:"pnl,omitempty"`
	ROI             float64     `json:"roi,omitempty"`
	DurationMinutes int         `json:"durationMinutes,omitempty"`
	AccountValue    float64     `json:"accountValue,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// TradeEntryEvent is one record on the trade-entries topic, emitted when an
// entry fill is verified.
type TradeEntryEvent struct {
	ScripCode  string          `json:"scripCode"`
	Direction  SignalDirection `json:"direction"`
	EntryPrice float64         `json:"entryPrice"`
	StopLoss   float64         `json:"stopLoss"`
	TakeProfit float64         `json:"takeProfit"`
	Quantity   int             `json:"quantity"`
	OrderID    string          `json:"orderId"`
	StrategyID string          `json:"strategyId,omitempty"`
	SignalID   string          `json:"signalId,omitempty"`
	EntryTime  time.Time       `json:"entryTime"`
}
