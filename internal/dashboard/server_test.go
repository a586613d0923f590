package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/engine"
	"github.com/anirbansen/tradepulse/internal/hours"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/storage"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testGate(t *testing.T) *hours.Gate {
	t.Helper()
	ist := time.FixedZone("IST", 5*3600+1800)
	g, err := hours.New(ist, config.HoursConfig{
		Exchanges: []config.ExchangeWindow{
			{Exchange: "N", Open: "09:00", Close: "15:30", CutOff: "15:10"},
		},
		GoldenWindows: []config.ClockWindow{
			{Start: "09:30", End: "11:30"},
		},
	})
	require.NoError(t, err)
	return g
}

// stubEngine records admin calls and answers with canned state.
type stubEngine struct {
	mu   sync.Mutex
	snap engine.Snapshot

	stateErr error
	tripErr  error
	resetErr error
	closeErr error
	modeErr  error
	ackErr   error

	trips  []string
	resets int
	closes []models.ExitReason
	modes  []config.Mode
	acks   int
}

func (s *stubEngine) State(context.Context) (engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.stateErr
}

func (s *stubEngine) TripBreaker(_ context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips = append(s.trips, reason)
	return s.tripErr
}

func (s *stubEngine) ResetBreaker(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.resetErr
}

func (s *stubEngine) ForceClose(_ context.Context, reason models.ExitReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, reason)
	return s.closeErr
}

func (s *stubEngine) SetMode(_ context.Context, mode config.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes = append(s.modes, mode)
	return s.modeErr
}

func (s *stubEngine) Acknowledge(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks++
	return s.ackErr
}

func newTestServer(t *testing.T, token string) (*Server, *stubEngine, *storage.MockStore) {
	t.Helper()
	ctrl := &stubEngine{}
	store := storage.NewMockStore()
	srv := NewServer(config.DashboardConfig{Listen: ":0", AuthToken: token},
		ctrl, store, testGate(t), NewHub(testLogger()), testLogger())
	return srv, ctrl, store
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAuthTokenGuardsAPI(t *testing.T) {
	srv, _, _ := newTestServer(t, "hush")

	t.Run("health bypasses auth", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token rejected with typed error", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/portfolio", "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		e := decodeAs[apiError](t, rec)
		assert.Equal(t, http.StatusUnauthorized, e.Status)
		assert.Equal(t, "UNAUTHORIZED", e.Code)
		assert.NotEmpty(t, e.Message)
		assert.NotEmpty(t, e.Timestamp)
	})

	t.Run("header token accepted", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/portfolio", "",
			map[string]string{"X-Auth-Token": "hush"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("query token accepted for EventSource clients", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/watchlist?token=hush", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/portfolio", "",
			map[string]string{"X-Auth-Token": "loud"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPortfolioEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")
	p := models.NewPortfolioState(1_000_030, "2025-06-02")
	p.AddExposure("114311", "pivot-reclaim", 790)
	ctrl.snap = engine.Snapshot{Mode: config.ModePaper, Portfolio: *p}

	rec := do(t, srv.Handler(), http.MethodGet, "/api/portfolio", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeAs[models.PortfolioState](t, rec)
	assert.Equal(t, 1_000_030.0, got.AccountValue)
	assert.Equal(t, "2025-06-02", got.SessionDate)
	assert.Equal(t, 1, got.OpenPositions)
	assert.InDelta(t, 790.0, got.ExposureByInstrument["114311"], 1e-9)
}

func TestPortfolioEndpointEngineDown(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")
	ctrl.stateErr = engine.ErrStopped

	rec := do(t, srv.Handler(), http.MethodGet, "/api/portfolio", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	e := decodeAs[apiError](t, rec)
	assert.Equal(t, "ENGINE_STOPPED", e.Code)
}

func TestTradesEndpoint(t *testing.T) {
	srv, ctrl, store := newTestServer(t, "")
	ctrl.snap = engine.Snapshot{Trade: &models.ActiveTrade{TradeID: "trade-live"}}

	for _, r := range []models.TradeResult{
		{TradeID: "trade-a", PnL: 30, ExitReason: models.ExitTarget1},
		{TradeID: "trade-b", PnL: -10, ExitReason: models.ExitStopLoss},
		{TradeID: "trade-c", PnL: 5, ExitReason: models.ExitManual},
	} {
		require.NoError(t, store.CloseTrade(r))
	}

	t.Run("returns active trade, history and statistics", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/trades", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		got := decodeAs[tradesView](t, rec)
		require.NotNil(t, got.Active)
		assert.Equal(t, "trade-live", got.Active.TradeID)
		assert.Len(t, got.History, 3)
		assert.Equal(t, 3, got.Statistics.TotalTrades)
		assert.Equal(t, 2, got.Statistics.WinningTrades)
	})

	t.Run("limit keeps the most recent results", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/trades?limit=2", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		got := decodeAs[tradesView](t, rec)
		require.Len(t, got.History, 2)
		assert.Equal(t, "trade-b", got.History[0].TradeID)
		assert.Equal(t, "trade-c", got.History[1].TradeID)
	})

	t.Run("junk limit rejected", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/trades?limit=lots", "", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decodeAs[apiError](t, rec).Code)
	})
}

func TestWatchlistEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")

	t.Run("empty watchlist is a JSON array", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/watchlist", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "["))
		assert.Empty(t, decodeAs[[]models.PendingSignal](t, rec))
	})

	t.Run("pending signals pass through", func(t *testing.T) {
		ctrl.mu.Lock()
		ctrl.snap.Watchlist = []models.PendingSignal{
			{Signal: models.StrategySignal{ScripCode: "114311"}},
		}
		ctrl.mu.Unlock()

		rec := do(t, srv.Handler(), http.MethodGet, "/api/watchlist", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeAs[[]models.PendingSignal](t, rec)
		require.Len(t, got, 1)
		assert.Equal(t, "114311", got[0].Signal.ScripCode)
	})
}

func TestRiskEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")

	p := models.NewPortfolioState(990_000, "2025-06-02")
	p.PeakValue = 1_000_000
	p.DailyRealizedPnL = -1234.5
	p.AddExposure("114311", "pivot-reclaim", 47_400)
	p.TripBreaker("daily loss limit breached", time.Now())
	ctrl.snap = engine.Snapshot{
		Mode:          config.ModeSilent,
		Portfolio:     *p,
		ExitEscalated: true,
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/api/risk", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeAs[riskView](t, rec)
	assert.Equal(t, config.ModeSilent, got.Mode)
	assert.Equal(t, "2025-06-02", got.SessionDate)
	assert.True(t, got.BreakerTripped)
	assert.Equal(t, "daily loss limit breached", got.BreakerReason)
	assert.InDelta(t, -1234.5, got.DailyPnL, 1e-9)
	assert.InDelta(t, p.DrawdownPct(), got.DrawdownPct, 1e-9)
	assert.Equal(t, 1, got.OpenPositions)
	assert.InDelta(t, 47_400.0, got.TotalExposure, 1e-9)
	assert.True(t, got.ExitEscalated)
}

func TestHoursEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ist := time.FixedZone("IST", 5*3600+1800)

	t.Run("mid-morning golden window", func(t *testing.T) {
		srv.now = func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, ist) }

		rec := do(t, srv.Handler(), http.MethodGet, "/api/hours", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		got := decodeAs[hoursView](t, rec)
		assert.Equal(t, "IST", got.Timezone)
		assert.Equal(t, "2025-06-02", got.SessionDate)
		assert.True(t, got.GoldenNow)
		require.Len(t, got.Exchanges, 1)
		assert.Equal(t, "N", got.Exchanges[0].Exchange)
		assert.True(t, got.Exchanges[0].Open)
		assert.False(t, got.Exchanges[0].PastCutOff)
	})

	t.Run("after cutoff before close", func(t *testing.T) {
		srv.now = func() time.Time { return time.Date(2025, 6, 2, 15, 15, 0, 0, ist) }

		rec := do(t, srv.Handler(), http.MethodGet, "/api/hours", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		got := decodeAs[hoursView](t, rec)
		assert.False(t, got.GoldenNow)
		require.Len(t, got.Exchanges, 1)
		assert.True(t, got.Exchanges[0].Open)
		assert.True(t, got.Exchanges[0].PastCutOff)
	})
}

func TestTripBreakerEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodPost, "/api/risk/breaker/trip",
		`{"reason":"fat finger"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tripped", decodeAs[map[string]string](t, rec)["status"])
	require.Len(t, ctrl.trips, 1)
	assert.Equal(t, "fat finger", ctrl.trips[0])

	t.Run("empty body trips with default reason", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/risk/breaker/trip", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, ctrl.trips, 2)
		assert.Equal(t, "", ctrl.trips[1])
	})

	t.Run("stopped engine surfaces 503", func(t *testing.T) {
		ctrl.tripErr = engine.ErrStopped
		rec := do(t, srv.Handler(), http.MethodPost, "/api/risk/breaker/trip", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "ENGINE_STOPPED", decodeAs[apiError](t, rec).Code)
	})
}

func TestResetBreakerEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodPost, "/api/risk/breaker/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.resets)
}

func TestAcknowledgeEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")

	t.Run("no escalation pending is a conflict", func(t *testing.T) {
		ctrl.ackErr = engine.ErrNoEscalation
		rec := do(t, srv.Handler(), http.MethodPost, "/api/risk/acknowledge", "", nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "NO_ESCALATION", decodeAs[apiError](t, rec).Code)
	})

	t.Run("acknowledged", func(t *testing.T) {
		ctrl.ackErr = nil
		rec := do(t, srv.Handler(), http.MethodPost, "/api/risk/acknowledge", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, ctrl.acks)
	})
}

func TestForceCloseEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")

	t.Run("reason normalised to upper case", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/trades/close",
			`{"reason":"manual"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, ctrl.closes, 1)
		assert.Equal(t, models.ExitManual, ctrl.closes[0])
	})

	t.Run("empty reason defers to the engine default", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/trades/close", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, ctrl.closes, 2)
		assert.Equal(t, models.ExitReason(""), ctrl.closes[1])
	})

	t.Run("made-up reason rejected before the engine", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/trades/close",
			`{"reason":"YOLO"}`, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decodeAs[apiError](t, rec).Code)
		assert.Len(t, ctrl.closes, 2)
	})

	t.Run("no active trade is a conflict", func(t *testing.T) {
		ctrl.closeErr = engine.ErrNoActiveTrade
		rec := do(t, srv.Handler(), http.MethodPost, "/api/trades/close", "", nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "NO_ACTIVE_TRADE", decodeAs[apiError](t, rec).Code)
	})

	t.Run("exit already in flight is a conflict", func(t *testing.T) {
		ctrl.closeErr = engine.ErrExitInFlight
		rec := do(t, srv.Handler(), http.MethodPost, "/api/trades/close", "", nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "EXIT_IN_FLIGHT", decodeAs[apiError](t, rec).Code)
	})
}

func TestSetModeEndpoint(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")

	t.Run("switch to silent", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/mode", `{"mode":"Silent"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, ctrl.modes, 1)
		assert.Equal(t, config.ModeSilent, ctrl.modes[0])
	})

	t.Run("unknown mode rejected before the engine", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/mode", `{"mode":"turbo"}`, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Len(t, ctrl.modes, 1)
	})

	t.Run("live switch refused by the engine", func(t *testing.T) {
		ctrl.modeErr = engine.ErrLiveRequiresRestart
		rec := do(t, srv.Handler(), http.MethodPost, "/api/mode", `{"mode":"live"}`, nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "LIVE_LOCKED", decodeAs[apiError](t, rec).Code)
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/mode", `{"mode":`, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUnknownRouteTypedError(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := do(t, srv.Handler(), http.MethodGet, "/api/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeAs[apiError](t, rec).Code)

	rec = do(t, srv.Handler(), http.MethodDelete, "/api/portfolio", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeAs[apiError](t, rec).Code)
}
