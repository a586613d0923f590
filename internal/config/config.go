// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize() when the file leaves a knob unset.
const (
	defaultAccountValue   = 1_000_000.0
	defaultMaxSignalAge   = 120
	defaultEntryTimeout   = 30
	defaultExitRetries    = 3
	defaultWatchlistTTL   = 15
	defaultTickSize       = 0.05
	defaultSlippageTicks  = 1
	defaultTP1Fraction    = 0.5
	defaultCandleTail     = 100
	defaultVolumeFactor   = 1.2
	defaultVolumeTail     = 20
	defaultMonitorSec     = 5
	defaultTimezone       = "Asia/Kolkata"
	defaultStrategyName   = "pivot-retest"
	defaultIdempotencyTTL = 24
)

// Mode is the execution mode of the engine.
type Mode string

const (
	// ModePaper simulates fills against the virtual wallet.
	ModePaper Mode = "paper"
	// ModeLive routes real orders to the broker.
	ModeLive Mode = "live"
	// ModeSilent is paper trading with notifications suppressed.
	ModeSilent Mode = "silent"
)

// Config is the complete engine configuration.
type Config struct {
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Trailing  TrailingConfig  `yaml:"trailing"`
	Hours     HoursConfig     `yaml:"hours"`
	Bus       BusConfig       `yaml:"bus"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Pivots    PivotsConfig    `yaml:"pivots"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TradingConfig defines execution-mode and lifecycle parameters.
type TradingConfig struct {
	Mode         Mode    `yaml:"mode"`          // paper | live | silent
	AccountValue float64 `yaml:"account_value"` // starting capital
	StrategyName string  `yaml:"strategy_name"`

	MaxSignalAgeSec   int `yaml:"max_signal_age_sec"`
	EntryTimeoutSec   int `yaml:"entry_timeout_sec"`
	ExitVerifyRetries int `yaml:"exit_verify_retries"`
	WatchlistTTLMin   int `yaml:"watchlist_ttl_min"`

	SlippageTicks   int     `yaml:"slippage_ticks"`
	DefaultTickSize float64 `yaml:"default_tick_size"`

	// TP1ExitFraction is the fraction closed at TARGET1 on the virtual path;
	// the live path exits the full position at TARGET1.
	TP1ExitFraction float64 `yaml:"tp1_exit_fraction"`

	CandleTail   int     `yaml:"candle_tail"`
	VolumeFactor float64 `yaml:"volume_factor"`
	VolumeTail   int     `yaml:"volume_tail"`
}

// RiskConfig defines per-signal rules and portfolio gates.
type RiskConfig struct {
	RiskPerTrade    float64 `yaml:"risk_per_trade"`
	MaxPositionRisk float64 `yaml:"max_position_risk"`
	MaxExposurePct  float64 `yaml:"max_exposure_pct"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxDrawdown     float64 `yaml:"max_drawdown"`
	MinRR           float64 `yaml:"min_rr"`
	MinMove         float64 `yaml:"min_move"`
	MaxStopDistance float64 `yaml:"max_stop_distance"`

	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxInstrumentShare     float64 `yaml:"max_instrument_share"`
	MaxPositionValue       float64 `yaml:"max_position_value"`

	MonitorIntervalSec      int `yaml:"monitor_interval_sec"`
	BreakerConsecutiveFails int `yaml:"breaker_consecutive_fails"`
	BreakerFailureWindowSec int `yaml:"breaker_failure_window_sec"`
}

// TrailStage is one rung of the trailing-stop ladder, both values in R units.
type TrailStage struct {
	TriggerR float64 `yaml:"trigger_r"` // favorable excursion that arms the stage
	StopR    float64 `yaml:"stop_r"`    // where the stop moves, relative to entry
}

// TrailingConfig defines the R-multiple trailing ladder.
type TrailingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Stages  []TrailStage `yaml:"stages"`
}

// ExchangeWindow is one exchange's trading window plus its forced square-off.
type ExchangeWindow struct {
	Exchange string `yaml:"exchange"` // N | B | M
	Open     string `yaml:"open"`     // "HH:MM"
	Close    string `yaml:"close"`    // "HH:MM"
	CutOff   string `yaml:"cut_off"`  // end-of-session close-out, "HH:MM"
}

// ClockWindow is a wall-clock interval "HH:MM".
type ClockWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// HoursConfig defines the trading calendar.
type HoursConfig struct {
	Timezone      string           `yaml:"timezone"`
	Exchanges     []ExchangeWindow `yaml:"exchanges"`
	GoldenWindows []ClockWindow    `yaml:"golden_windows"`
}

// BusConfig defines the message-bus connection and topic layout.
type BusConfig struct {
	URL        string `yaml:"url"`
	ClientName string `yaml:"client_name"`

	SignalTopic         string `yaml:"signal_topic"`
	SignalTopicFallback string `yaml:"signal_topic_fallback"`
	MarketDataTopic     string `yaml:"market_data_topic"`
	CandleTopic         string `yaml:"candle_topic"`

	TradeEntriesTopic string `yaml:"trade_entries_topic"`
	TradeResultsTopic string `yaml:"trade_results_topic"`
	ProfitLossTopic   string `yaml:"profit_loss_topic"`
	RiskEventsTopic   string `yaml:"risk_events_topic"`

	SignalStream string `yaml:"signal_stream"`
	DurableName  string `yaml:"durable_name"`
}

// RedisConfig defines the shared KV store connection.
type RedisConfig struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	IdempotencyTTLHr int    `yaml:"idempotency_ttl_hr"`
}

// DatabaseConfig defines the trade archive. An empty DSN disables archiving.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// BrokerConfig defines broker API credentials and endpoints.
type BrokerConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
	APIKey     string `yaml:"api_key"`
	ClientCode string `yaml:"client_code"`
	TOTPSecret string `yaml:"totp_secret"`
	PIN        string `yaml:"pin"`

	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// PivotsConfig defines the pivot-levels service.
type PivotsConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// DashboardConfig defines the admin/monitor HTTP surface.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// TelegramConfig defines trade notifications.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// StorageConfig defines the crash-recovery snapshot file.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads, expands, strictly parses, normalizes and validates the
// configuration file at the given path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// normalize fills unset knobs with their defaults.
func (c *Config) normalize() {
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModePaper
	}
	if c.Trading.AccountValue == 0 {
		c.Trading.AccountValue = defaultAccountValue
	}
	if c.Trading.StrategyName == "" {
		c.Trading.StrategyName = defaultStrategyName
	}
	if c.Trading.MaxSignalAgeSec == 0 {
		c.Trading.MaxSignalAgeSec = defaultMaxSignalAge
	}
	if c.Trading.EntryTimeoutSec == 0 {
		c.Trading.EntryTimeoutSec = defaultEntryTimeout
	}
	if c.Trading.ExitVerifyRetries == 0 {
		c.Trading.ExitVerifyRetries = defaultExitRetries
	}
	if c.Trading.WatchlistTTLMin == 0 {
		c.Trading.WatchlistTTLMin = defaultWatchlistTTL
	}
	if c.Trading.SlippageTicks == 0 {
		c.Trading.SlippageTicks = defaultSlippageTicks
	}
	if c.Trading.DefaultTickSize == 0 {
		c.Trading.DefaultTickSize = defaultTickSize
	}
	if c.Trading.TP1ExitFraction == 0 {
		c.Trading.TP1ExitFraction = defaultTP1Fraction
	}
	if c.Trading.CandleTail == 0 {
		c.Trading.CandleTail = defaultCandleTail
	}
	if c.Trading.VolumeFactor == 0 {
		c.Trading.VolumeFactor = defaultVolumeFactor
	}
	if c.Trading.VolumeTail == 0 {
		c.Trading.VolumeTail = defaultVolumeTail
	}

	if c.Risk.RiskPerTrade == 0 {
		c.Risk.RiskPerTrade = 0.01
	}
	if c.Risk.MaxPositionRisk == 0 {
		c.Risk.MaxPositionRisk = 0.01
	}
	if c.Risk.MaxExposurePct == 0 {
		c.Risk.MaxExposurePct = 0.15
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = 0.03
	}
	if c.Risk.MaxDrawdown == 0 {
		c.Risk.MaxDrawdown = 0.15
	}
	if c.Risk.MinRR == 0 {
		c.Risk.MinRR = 1.5
	}
	if c.Risk.MinMove == 0 {
		c.Risk.MinMove = 0.02
	}
	if c.Risk.MaxStopDistance == 0 {
		c.Risk.MaxStopDistance = 0.02
	}
	if c.Risk.MaxConcurrentPositions == 0 {
		c.Risk.MaxConcurrentPositions = 1
	}
	if c.Risk.MaxInstrumentShare == 0 {
		// With a single slot the whole book is one instrument.
		if c.Risk.MaxConcurrentPositions <= 1 {
			c.Risk.MaxInstrumentShare = 1.0
		} else {
			c.Risk.MaxInstrumentShare = 0.30
		}
	}
	if c.Risk.MaxPositionValue == 0 {
		c.Risk.MaxPositionValue = c.Trading.AccountValue * c.Risk.MaxExposurePct
	}
	if c.Risk.MonitorIntervalSec == 0 {
		c.Risk.MonitorIntervalSec = defaultMonitorSec
	}
	if c.Risk.BreakerConsecutiveFails == 0 {
		c.Risk.BreakerConsecutiveFails = 3
	}
	if c.Risk.BreakerFailureWindowSec == 0 {
		c.Risk.BreakerFailureWindowSec = 60
	}

	if len(c.Trailing.Stages) == 0 {
		c.Trailing.Enabled = true
		c.Trailing.Stages = []TrailStage{
			{TriggerR: 1.0, StopR: 0.0},
			{TriggerR: 1.5, StopR: 0.5},
			{TriggerR: 2.0, StopR: 1.0},
		}
	}

	if c.Hours.Timezone == "" {
		c.Hours.Timezone = defaultTimezone
	}
	if len(c.Hours.Exchanges) == 0 {
		c.Hours.Exchanges = []ExchangeWindow{
			{Exchange: "N", Open: "09:00", Close: "15:30", CutOff: "15:10"},
			{Exchange: "B", Open: "09:00", Close: "15:30", CutOff: "15:10"},
			{Exchange: "M", Open: "09:00", Close: "23:30", CutOff: "23:15"},
		}
	}
	if len(c.Hours.GoldenWindows) == 0 {
		c.Hours.GoldenWindows = []ClockWindow{
			{Start: "09:30", End: "11:30"},
			{Start: "13:30", End: "15:00"},
		}
	}

	if c.Bus.URL == "" {
		c.Bus.URL = "nats://localhost:4222"
	}
	if c.Bus.ClientName == "" {
		c.Bus.ClientName = "tradepulse-engine"
	}
	if c.Bus.SignalTopic == "" {
		c.Bus.SignalTopic = "trading-signals-v2"
	}
	if c.Bus.SignalTopicFallback == "" {
		c.Bus.SignalTopicFallback = "strategy-signals"
	}
	if c.Bus.MarketDataTopic == "" {
		c.Bus.MarketDataTopic = "market-data"
	}
	if c.Bus.CandleTopic == "" {
		c.Bus.CandleTopic = "candles-1m"
	}
	if c.Bus.TradeEntriesTopic == "" {
		c.Bus.TradeEntriesTopic = "trade-entries"
	}
	if c.Bus.TradeResultsTopic == "" {
		c.Bus.TradeResultsTopic = "trade-results"
	}
	if c.Bus.ProfitLossTopic == "" {
		c.Bus.ProfitLossTopic = "profit-loss"
	}
	if c.Bus.RiskEventsTopic == "" {
		c.Bus.RiskEventsTopic = "risk-events"
	}
	if c.Bus.SignalStream == "" {
		c.Bus.SignalStream = "TRADING_SIGNALS"
	}
	if c.Bus.DurableName == "" {
		c.Bus.DurableName = "tradepulse-engine"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.IdempotencyTTLHr == 0 {
		c.Redis.IdempotencyTTLHr = defaultIdempotencyTTL
	}

	if c.Broker.RequestTimeoutSec == 0 {
		c.Broker.RequestTimeoutSec = 10
	}
	if c.Pivots.TimeoutMs == 0 {
		c.Pivots.TimeoutMs = 2000
	}
	if c.Dashboard.Listen == "" {
		c.Dashboard.Listen = ":8090"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/state.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case ModePaper, ModeLive, ModeSilent:
	default:
		return fmt.Errorf("trading.mode must be 'paper', 'live' or 'silent'")
	}
	if c.Trading.AccountValue <= 0 {
		return fmt.Errorf("trading.account_value must be > 0")
	}
	if c.Trading.MaxSignalAgeSec <= 0 {
		return fmt.Errorf("trading.max_signal_age_sec must be > 0")
	}
	if c.Trading.EntryTimeoutSec <= 0 {
		return fmt.Errorf("trading.entry_timeout_sec must be > 0")
	}
	if c.Trading.TP1ExitFraction <= 0 || c.Trading.TP1ExitFraction >= 1 {
		return fmt.Errorf("trading.tp1_exit_fraction must be in (0,1)")
	}
	if c.Trading.VolumeFactor < 1 {
		return fmt.Errorf("trading.volume_factor must be >= 1")
	}

	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.10 {
		return fmt.Errorf("risk.risk_per_trade must be in (0, 0.10]")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss >= 1 {
		return fmt.Errorf("risk.max_daily_loss must be in (0,1)")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0,1)")
	}
	if c.Risk.MinRR < 1 {
		return fmt.Errorf("risk.min_rr must be >= 1")
	}
	if c.Risk.MinMove <= 0 {
		return fmt.Errorf("risk.min_move must be > 0")
	}
	if c.Risk.MaxStopDistance <= 0 {
		return fmt.Errorf("risk.max_stop_distance must be > 0")
	}
	if c.Risk.MaxConcurrentPositions < 1 {
		return fmt.Errorf("risk.max_concurrent_positions must be >= 1")
	}
	if c.Risk.MaxInstrumentShare <= 0 || c.Risk.MaxInstrumentShare > 1 {
		return fmt.Errorf("risk.max_instrument_share must be in (0,1]")
	}

	// The trailing ladder must be strictly increasing in both columns so the
	// stop only ever moves in the favorable direction.
	for i, st := range c.Trailing.Stages {
		if st.TriggerR <= 0 {
			return fmt.Errorf("trailing.stages[%d].trigger_r must be > 0", i)
		}
		if st.StopR < 0 {
			return fmt.Errorf("trailing.stages[%d].stop_r must be >= 0", i)
		}
		if st.StopR >= st.TriggerR {
			return fmt.Errorf("trailing.stages[%d]: stop_r (%.2f) must be below trigger_r (%.2f)", i, st.StopR, st.TriggerR)
		}
		if i > 0 {
			prev := c.Trailing.Stages[i-1]
			if st.TriggerR <= prev.TriggerR || st.StopR < prev.StopR {
				return fmt.Errorf("trailing.stages[%d] must advance both trigger_r and stop_r", i)
			}
		}
	}

	loc, err := c.Location()
	if err != nil {
		return fmt.Errorf("hours.timezone: %w", err)
	}
	for _, w := range c.Hours.Exchanges {
		if w.Exchange == "" {
			return fmt.Errorf("hours.exchanges entry missing exchange code")
		}
		o, err1 := time.ParseInLocation("15:04", w.Open, loc)
		cl, err2 := time.ParseInLocation("15:04", w.Close, loc)
		if err1 != nil || err2 != nil || !o.Before(cl) {
			return fmt.Errorf("hours.exchanges[%s] window invalid (open/close parse/order)", w.Exchange)
		}
		if w.CutOff != "" {
			co, err3 := time.ParseInLocation("15:04", w.CutOff, loc)
			if err3 != nil || !co.After(o) || co.After(cl) {
				return fmt.Errorf("hours.exchanges[%s] cut_off must fall inside the window", w.Exchange)
			}
		}
	}
	for i, gw := range c.Hours.GoldenWindows {
		s, err1 := time.ParseInLocation("15:04", gw.Start, loc)
		e, err2 := time.ParseInLocation("15:04", gw.End, loc)
		if err1 != nil || err2 != nil || !s.Before(e) {
			return fmt.Errorf("hours.golden_windows[%d] invalid (start/end parse/order)", i)
		}
	}

	if c.Trading.Mode == ModeLive {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required in live mode")
		}
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.ClientCode == "" {
			return fmt.Errorf("broker.client_code is required in live mode")
		}
	}
	if c.Pivots.BaseURL == "" {
		return fmt.Errorf("pivots.base_url is required")
	}
	if c.Dashboard.Enabled && c.Dashboard.AuthToken == "" {
		return fmt.Errorf("dashboard.auth_token is required when the dashboard is enabled")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram is enabled")
	}

	return nil
}

// Location resolves the configured trading timezone, falling back to a fixed
// IST offset for minimal containers without tzdata.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Hours.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if tz == defaultTimezone {
			return time.FixedZone("IST", 5*3600+1800), nil
		}
		return nil, err
	}
	return loc, nil
}

// IsPaper reports whether the engine simulates fills (paper or silent mode).
func (c *Config) IsPaper() bool {
	return c.Trading.Mode == ModePaper || c.Trading.Mode == ModeSilent
}

// IsLive reports whether real orders go to the broker.
func (c *Config) IsLive() bool {
	return c.Trading.Mode == ModeLive
}

// NotificationsEnabled reports whether trade notifications should fire.
func (c *Config) NotificationsEnabled() bool {
	return c.Telegram.Enabled && c.Trading.Mode != ModeSilent
}

// SignalMaxAge returns the signal age gate as a duration.
func (c *Config) SignalMaxAge() time.Duration {
	return time.Duration(c.Trading.MaxSignalAgeSec) * time.Second
}

// EntryTimeout returns the unfilled-entry cancellation deadline.
func (c *Config) EntryTimeout() time.Duration {
	return time.Duration(c.Trading.EntryTimeoutSec) * time.Second
}

// WatchlistTTL returns how long a pending signal may wait for confirmation.
func (c *Config) WatchlistTTL() time.Duration {
	return time.Duration(c.Trading.WatchlistTTLMin) * time.Minute
}

// MonitorInterval returns the periodic risk-monitor cadence.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Risk.MonitorIntervalSec) * time.Second
}

// PivotTimeout returns the pivot-service request deadline.
func (c *Config) PivotTimeout() time.Duration {
	return time.Duration(c.Pivots.TimeoutMs) * time.Millisecond
}

// BrokerTimeout returns the order-placement request deadline.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.RequestTimeoutSec) * time.Second
}

// IdempotencyTTL returns how long consumed signal keys stay deduplicated.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Redis.IdempotencyTTLHr) * time.Hour
}
