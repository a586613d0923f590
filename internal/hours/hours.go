// Package hours gates engine activity on exchange trading calendars.
package hours

import (
	"fmt"
	"sort"
	"time"

	"github.com/anirbansen/tradepulse/internal/config"
)

// window is an intraday interval in minutes-of-day, [open, close).
type window struct {
	open   int
	close  int
	cutOff int // forced square-off minute; -1 when unset
}

// span is a golden-window interval in minutes-of-day, [start, end).
type span struct {
	start int
	end   int
}

// Gate answers calendar questions for the configured exchanges. All methods
// evaluate the instant in the gate's timezone; weekends are always closed.
type Gate struct {
	loc     *time.Location
	windows map[string]window
	golden  []span
}

// New parses the configured windows once and returns a ready gate.
func New(loc *time.Location, cfg config.HoursConfig) (*Gate, error) {
	g := &Gate{
		loc:     loc,
		windows: make(map[string]window, len(cfg.Exchanges)),
	}

	for _, w := range cfg.Exchanges {
		open, err := minuteOfDay(w.Open)
		if err != nil {
			return nil, fmt.Errorf("exchange %s open: %w", w.Exchange, err)
		}
		cl, err := minuteOfDay(w.Close)
		if err != nil {
			return nil, fmt.Errorf("exchange %s close: %w", w.Exchange, err)
		}
		co := -1
		if w.CutOff != "" {
			co, err = minuteOfDay(w.CutOff)
			if err != nil {
				return nil, fmt.Errorf("exchange %s cut_off: %w", w.Exchange, err)
			}
		}
		g.windows[w.Exchange] = window{open: open, close: cl, cutOff: co}
	}

	for i, gw := range cfg.GoldenWindows {
		start, err := minuteOfDay(gw.Start)
		if err != nil {
			return nil, fmt.Errorf("golden window %d start: %w", i, err)
		}
		end, err := minuteOfDay(gw.End)
		if err != nil {
			return nil, fmt.Errorf("golden window %d end: %w", i, err)
		}
		g.golden = append(g.golden, span{start: start, end: end})
	}

	return g, nil
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the gate's timezone.
func (g *Gate) Location() *time.Location {
	return g.loc
}

// Exchanges lists the configured exchange codes in stable order.
func (g *Gate) Exchanges() []string {
	codes := make([]string, 0, len(g.windows))
	for code := range g.windows {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (g *Gate) minute(at time.Time) (int, time.Weekday) {
	local := at.In(g.loc)
	return local.Hour()*60 + local.Minute(), local.Weekday()
}

// Open reports whether the exchange is trading at the instant. The window is
// inclusive of the open minute and exclusive of the close minute; unknown
// exchange codes are treated as closed.
func (g *Gate) Open(exchange string, at time.Time) bool {
	w, ok := g.windows[exchange]
	if !ok {
		return false
	}
	m, day := g.minute(at)
	if day == time.Saturday || day == time.Sunday {
		return false
	}
	return m >= w.open && m < w.close
}

// PastCutOff reports whether the forced square-off for the exchange has been
// reached. Exchanges without a cut_off never report true.
func (g *Gate) PastCutOff(exchange string, at time.Time) bool {
	w, ok := g.windows[exchange]
	if !ok || w.cutOff < 0 {
		return false
	}
	m, day := g.minute(at)
	if day == time.Saturday || day == time.Sunday {
		return false
	}
	return m >= w.cutOff
}

// InGoldenWindow reports whether the instant falls in a high-conviction
// intraday window. With no windows configured every open minute qualifies.
func (g *Gate) InGoldenWindow(at time.Time) bool {
	if len(g.golden) == 0 {
		return true
	}
	m, day := g.minute(at)
	if day == time.Saturday || day == time.Sunday {
		return false
	}
	for _, s := range g.golden {
		if m >= s.start && m < s.end {
			return true
		}
	}
	return false
}

// SessionDate returns the trading-day key (YYYY-MM-DD) for the instant.
func (g *Gate) SessionDate(at time.Time) string {
	return at.In(g.loc).Format("2006-01-02")
}
