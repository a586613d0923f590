package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/models"
)

// onSessionTick runs the time-driven housekeeping that candles cannot be
// trusted to drive: watchlist expiry, the trading-day roll, and the
// end-of-session flatten.
func (e *Engine) onSessionTick(at time.Time) {
	for _, ps := range e.watch.SweepExpired(at) {
		e.emitEvent(models.NewRiskEvent(models.EventSignalExpired, models.SeverityInfo, ps.Signal.ScripCode,
			fmt.Sprintf("pending signal expired after %s without confirmation", at.Sub(ps.AdmittedAt).Round(time.Second))))
	}

	if session := e.gate.SessionDate(at); session != e.portfolio.SessionDate {
		e.rollSession(session)
	}

	e.closeAtCutoff(at)
}

func (e *Engine) rollSession(session string) {
	prev := e.portfolio.SessionDate
	e.portfolio.RollSession(session)
	if e.pivots != nil {
		e.pivots.RollSession(session)
	}
	e.persistPortfolio()
	if e.publisher != nil {
		e.publisher.PortfolioUpdate(e.ctx, *e.portfolio)
	}
	e.log.WithFields(logrus.Fields{
		"event": "session_rolled",
		"from":  prev,
		"to":    session,
	}).Info("session counters reset for new trading day")
}

// closeAtCutoff flattens the open position once its exchange passes the
// square-off deadline. Bars stop near the close, so post-cutoff exit retries
// are driven from here rather than from manage.
func (e *Engine) closeAtCutoff(at time.Time) {
	t := e.trade
	if t == nil || (t.Status != models.StatusActive && t.Status != models.StatusPartialExit) {
		return
	}
	if t.ExitOrderID != "" || e.exitStuck {
		return
	}
	if !e.gate.PastCutOff(t.Exec.Instrument.Exchange, at) {
		return
	}

	if t.ExitReason != "" {
		// An earlier exit is still unfilled; keep retrying it on the tick.
		e.retryExit(t)
		return
	}

	e.log.WithFields(logrus.Fields{
		"event":   "session_cutoff",
		"tradeId": t.TradeID,
		"scrip":   t.ScripCode,
	}).Info("square-off deadline reached, closing position")
	e.beginExit(t, models.ExitEndOfSession, e.exitLevel(t, models.ExitEndOfSession))
}
