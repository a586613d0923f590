// Package mock scripts deterministic market sessions for the offline
// integration harness and tests: minute tapes that walk an instrument through
// warmup, pivot breach-and-reclaim and the run to target.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anirbansen/tradepulse/internal/models"
)

// Canonical fixture instrument.
const (
	ScripCode = "114311"
	Company   = "Sunrise Metals"
	Exchange  = "N"
)

// Bar is one minute of OHLCV.
type Bar struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MinuteSeries renders bars as consecutive one-minute candles starting at
// start, truncated to the minute.
func MinuteSeries(scripCode string, start time.Time, bars []Bar) []models.Candle {
	start = start.Truncate(time.Minute)
	out := make([]models.Candle, 0, len(bars))
	for i, b := range bars {
		ws := start.Add(time.Duration(i) * time.Minute)
		out = append(out, models.Candle{
			InstrumentKey: scripCode,
			WindowStartMs: ws.UnixMilli(),
			WindowEndMs:   ws.Add(time.Minute).UnixMilli(),
			Open:          b.Open,
			High:          b.High,
			Low:           b.Low,
			Close:         b.Close,
			Volume:        b.Volume,
		})
	}
	return out
}

// TickAtClose returns the tick a bar's closing print would produce, with a
// one-tick spread around the close.
func TickAtClose(c models.Candle) models.Tick {
	return models.Tick{
		ScripCode: c.InstrumentKey,
		LastRate:  c.Close,
		BidRate:   c.Close - 0.05,
		OfferRate: c.Close + 0.05,
		High:      c.High,
		Low:       c.Low,
		Open:      c.Open,
		Time:      c.WindowEndMs,
	}
}

// Pivots returns the session ladder the scripted tapes trade against.
func Pivots() models.PivotLevels {
	return models.PivotLevels{
		Pivot:       7.75,
		Support1:    7.60,
		Support2:    7.45,
		Support3:    7.30,
		Support4:    7.15,
		Resistance1: 8.20,
		Resistance2: 8.45,
		Resistance3: 8.70,
		Resistance4: 8.95,
	}
}

// BreakoutSignal is the canonical bullish signal: entry 7.90, stop 7.74,
// target 8.20, confidence 0.8.
func BreakoutSignal(producedAt time.Time) models.StrategySignal {
	return models.StrategySignal{
		SignalID:     "sig-breakout-" + ScripCode,
		ScripCode:    ScripCode,
		CompanyName:  Company,
		Signal:       "BUY",
		StrategyName: "pivot-reclaim",
		EntryPrice:   7.90,
		StopLoss:     7.74,
		Target1:      8.20,
		Confidence:   0.8,
		Exchange:     Exchange,
		ExchangeType: "C",
		Timestamp:    producedAt.UnixMilli(),
	}
}

// Session is a scripted replay: one signal plus the tape that confirms it.
type Session struct {
	ScripCode string
	Pivots    models.PivotLevels
	Signal    models.StrategySignal

	// Warmup is the history already on the book when the signal arrives.
	Warmup []models.Candle
	// Live is the tape replayed after admission; Live[0] is the
	// breach-and-reclaim confirmation bar.
	Live []models.Candle
}

// Candles returns warmup and live bars as one contiguous tape.
func (s Session) Candles() []models.Candle {
	out := make([]models.Candle, 0, len(s.Warmup)+len(s.Live))
	out = append(out, s.Warmup...)
	out = append(out, s.Live...)
	return out
}

// BreakoutSession scripts the bullish pivot-reclaim: three quiet bars at 1000
// volume ending bearish, a confirmation bar that stabs to 7.72 and reclaims
// the 7.75 pivot on 1.3x volume while engulfing its predecessor, then the
// push through the 8.20 target. confirmAt is the confirmation bar's window
// start; the signal is stamped ninety seconds earlier.
func BreakoutSession(confirmAt time.Time) Session {
	confirmAt = confirmAt.Truncate(time.Minute)
	warmStart := confirmAt.Add(-3 * time.Minute)

	warmup := MinuteSeries(ScripCode, warmStart, []Bar{
		{Open: 7.80, High: 7.84, Low: 7.78, Close: 7.82, Volume: 1000},
		{Open: 7.82, High: 7.86, Low: 7.80, Close: 7.84, Volume: 1000},
		{Open: 7.88, High: 7.90, Low: 7.84, Close: 7.86, Volume: 1000},
	})
	live := MinuteSeries(ScripCode, confirmAt, []Bar{
		{Open: 7.85, High: 7.91, Low: 7.72, Close: 7.88, Volume: 1300},
		{Open: 7.88, High: 7.98, Low: 7.86, Close: 7.95, Volume: 1250},
		{Open: 7.95, High: 8.08, Low: 7.93, Close: 8.05, Volume: 1400},
		// The target bar gaps up and holds above the fully trailed stop, so
		// the 8.20 target fires rather than the ladder.
		{Open: 8.08, High: 8.22, Low: 8.06, Close: 8.18, Volume: 1600},
	})

	return Session{
		ScripCode: ScripCode,
		Pivots:    Pivots(),
		Signal:    BreakoutSignal(confirmAt.Add(-90 * time.Second)),
		Warmup:    warmup,
		Live:      live,
	}
}

// PivotBook is a canned pivot source for offline runs. It answers from a
// fixed ladder instead of the pivot HTTP service.
type PivotBook struct {
	mu     sync.RWMutex
	levels map[string]models.PivotLevels
}

// NewPivotBook returns an empty book.
func NewPivotBook() *PivotBook {
	return &PivotBook{levels: make(map[string]models.PivotLevels)}
}

// Put installs the ladder for an instrument.
func (b *PivotBook) Put(scripCode string, lv models.PivotLevels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.levels[scripCode] = lv
}

// Levels implements the engine's pivot source.
func (b *PivotBook) Levels(_ context.Context, scripCode string, _ float64, _ models.SignalDirection) (models.PivotLevels, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lv, ok := b.levels[scripCode]
	if !ok {
		return models.PivotLevels{}, fmt.Errorf("no pivots on book for scrip %s", scripCode)
	}
	return lv, nil
}

// RollSession implements the engine's pivot source; the canned ladder does
// not change across sessions.
func (b *PivotBook) RollSession(string) {}
