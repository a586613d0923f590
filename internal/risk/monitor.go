package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/market"
	"github.com/anirbansen/tradepulse/internal/models"
)

// Threshold levels for limit-crossing events.
const (
	warnLevel = 70
	critLevel = 90
)

// Sink receives monitor outputs. The engine routes breaker trips into its
// event loop so all state changes stay under the single writer.
type Sink interface {
	EmitRiskEvent(ev models.RiskEvent)
	RequestBreakerTrip(reason string)
}

// StateFunc returns a snapshot of the current portfolio state.
type StateFunc func() models.PortfolioState

// TradesFunc returns snapshots of the open trades.
type TradesFunc func() []models.ActiveTrade

// Monitor periodically recomputes unrealized P&L and limit utilization and
// raises breaker trips and threshold events. It only ever reads snapshots.
type Monitor struct {
	policy   *Policy
	cfg      config.RiskConfig
	prices   *market.PriceCache
	state    StateFunc
	trades   TradesFunc
	sink     Sink
	log      *logrus.Logger
	interval time.Duration

	mu        sync.Mutex
	session   string
	lastLevel map[string]int
	staleSeen map[string]bool
}

// NewMonitor wires a monitor to its snapshot providers and sink.
func NewMonitor(policy *Policy, cfg config.RiskConfig, prices *market.PriceCache, state StateFunc, trades TradesFunc, sink Sink, log *logrus.Logger) *Monitor {
	interval := time.Duration(cfg.MonitorIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		policy:    policy,
		cfg:       cfg,
		prices:    prices,
		state:     state,
		trades:    trades,
		sink:      sink,
		log:       log,
		interval:  interval,
		lastLevel: make(map[string]int),
		staleSeen: make(map[string]bool),
	}
}

// Run executes the monitor loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep performs one monitoring pass.
func (m *Monitor) sweep() {
	st := m.state()
	m.rollSession(st.SessionDate)

	unrealized := m.unrealized()

	if !st.BreakerTripped {
		if reason, trip := m.policy.ShouldTrip(&st, unrealized); trip {
			m.sink.RequestBreakerTrip(reason)
		}
	}

	m.checkThreshold("daily_loss", st.SessionLoss(unrealized), m.cfg.MaxDailyLoss, st.SessionDate)
	m.checkThreshold("drawdown", st.DrawdownPct(), m.cfg.MaxDrawdown, st.SessionDate)
	if st.AccountValue > 0 {
		m.checkThreshold("exposure", st.TotalExposure()/st.AccountValue, m.cfg.MaxExposurePct, st.SessionDate)
	}
}

// unrealized sums mark-to-market P&L over open positions, flagging stale
// feeds once per episode.
func (m *Monitor) unrealized() float64 {
	var total float64
	for _, t := range m.trades() {
		if t.Status != models.StatusActive && t.Status != models.StatusPartialExit {
			continue
		}
		ltp, ok := m.prices.Price(t.ScripCode)
		if !ok {
			m.flagStale(t.ScripCode, true)
			continue
		}
		m.flagStale(t.ScripCode, false)

		move := ltp - t.EntryPrice
		if t.Direction == models.DirectionBearish {
			move = -move
		}
		total += move * float64(t.PositionSize)
	}
	return total
}

func (m *Monitor) flagStale(scripCode string, stale bool) {
	m.mu.Lock()
	seen := m.staleSeen[scripCode]
	m.staleSeen[scripCode] = stale
	m.mu.Unlock()

	if stale && !seen {
		m.sink.EmitRiskEvent(models.NewRiskEvent(
			models.EventMarketDataStale,
			models.SeverityWarning,
			scripCode,
			"no fresh price for open position; unrealized P&L excludes it",
		))
	}
}

// checkThreshold emits one event per session per level when utilization of a
// limit crosses 70% (warning) or 90% (critical).
func (m *Monitor) checkThreshold(rule string, current, limit float64, session string) {
	if limit <= 0 {
		return
	}
	pct := current / limit * 100

	level := 0
	switch {
	case pct >= critLevel:
		level = critLevel
	case pct >= warnLevel:
		level = warnLevel
	}

	m.mu.Lock()
	last := m.lastLevel[rule]
	if level > last {
		m.lastLevel[rule] = level
	}
	m.mu.Unlock()

	if level <= last || level == 0 {
		return
	}

	sev := models.SeverityWarning
	if level == critLevel {
		sev = models.SeverityCritical
	}
	m.sink.EmitRiskEvent(models.NewRiskEvent(
		models.EventRiskThreshold,
		sev,
		rule,
		fmt.Sprintf("%s at %.0f%% of limit", rule, pct),
	).WithValues(current, limit))

	m.log.WithFields(logrus.Fields{
		"event":   "risk_threshold",
		"rule":    rule,
		"pct":     pct,
		"session": session,
	}).Warn("limit utilization crossed threshold")
}

// rollSession clears per-session memory when the trading day changes.
func (m *Monitor) rollSession(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == session {
		return
	}
	m.session = session
	m.lastLevel = make(map[string]int)
	m.staleSeen = make(map[string]bool)
}
