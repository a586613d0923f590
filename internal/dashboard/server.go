// Package dashboard is the operator surface: a chi HTTP API over the engine's
// admin calls plus an SSE stream of position and order events.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/engine"
	"github.com/anirbansen/tradepulse/internal/hours"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/storage"
)

// askTimeout bounds how long a handler waits on the engine actor.
const askTimeout = 5 * time.Second

// Controller is the slice of the engine the admin surface drives.
type Controller interface {
	State(ctx context.Context) (engine.Snapshot, error)
	TripBreaker(ctx context.Context, reason string) error
	ResetBreaker(ctx context.Context) error
	ForceClose(ctx context.Context, reason models.ExitReason) error
	SetMode(ctx context.Context, mode config.Mode) error
	Acknowledge(ctx context.Context) error
}

// Server exposes the read and admin endpoints.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	engine    Controller
	store     storage.Interface
	gate      *hours.Gate
	hub       *Hub
	log       *logrus.Logger
	listen    string
	authToken string
	now       func() time.Time
}

// NewServer wires the routes. The hub may be shared with the publisher so
// result broadcasts reach /api/stream clients.
func NewServer(cfg config.DashboardConfig, ctrl Controller, store storage.Interface,
	gate *hours.Gate, hub *Hub, log *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    ctrl,
		store:     store,
		gate:      gate,
		hub:       hub,
		log:       log,
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
		now:       time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	s.router.Get("/health", s.handleHealth)
	// The stream stays outside the timeout group; it lives until the client
	// hangs up.
	s.router.Get("/api/stream", s.hub.ServeHTTP)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/api/portfolio", s.handlePortfolio)
		r.Get("/api/trades", s.handleTrades)
		r.Get("/api/watchlist", s.handleWatchlist)
		r.Get("/api/risk", s.handleRisk)
		r.Get("/api/hours", s.handleHours)

		r.Post("/api/risk/breaker/trip", s.handleTripBreaker)
		r.Post("/api/risk/breaker/reset", s.handleResetBreaker)
		r.Post("/api/risk/acknowledge", s.handleAcknowledge)
		r.Post("/api/trades/close", s.handleForceClose)
		r.Post("/api/mode", s.handleSetMode)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithField("listen", s.listen).Info("dashboard listening")
	return s.server.ListenAndServe()
}

// Shutdown drains the listener and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// apiError is the wire shape of every non-2xx response.
type apiError struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Status:    status,
		Code:      code,
		Message:   message,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("encoding response")
	}
}

// engineError maps actor refusals onto the typed error shape.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "ENGINE_STOPPED", err.Error())
	case errors.Is(err, engine.ErrNoActiveTrade):
		s.writeError(w, http.StatusConflict, "NO_ACTIVE_TRADE", err.Error())
	case errors.Is(err, engine.ErrLiveRequiresRestart):
		s.writeError(w, http.StatusConflict, "LIVE_LOCKED", err.Error())
	case errors.Is(err, engine.ErrExitInFlight):
		s.writeError(w, http.StatusConflict, "EXIT_IN_FLIGHT", err.Error())
	case errors.Is(err, engine.ErrNoEscalation):
		s.writeError(w, http.StatusConflict, "NO_ESCALATION", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "ENGINE_TIMEOUT", "engine did not answer in time")
	default:
		s.log.WithError(err).Error("admin request failed")
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) askCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), askTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.askCtx(r)
	defer cancel()
	snap, err := s.engine.State(ctx)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.respond(w, http.StatusOK, snap.Portfolio)
}

// tradesView bundles the open position with the session's closed results.
type tradesView struct {
	Active     *models.ActiveTrade  `json:"active,omitempty"`
	History    []models.TradeResult `json:"history"`
	Statistics storage.Statistics   `json:"statistics"`
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.askCtx(r)
	defer cancel()
	snap, err := s.engine.State(ctx)
	if err != nil {
		s.engineError(w, err)
		return
	}

	history := s.store.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		if limit < len(history) {
			history = history[len(history)-limit:]
		}
	}

	s.respond(w, http.StatusOK, tradesView{
		Active:     snap.Trade,
		History:    history,
		Statistics: s.store.Statistics(),
	})
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.askCtx(r)
	defer cancel()
	snap, err := s.engine.State(ctx)
	if err != nil {
		s.engineError(w, err)
		return
	}
	if snap.Watchlist == nil {
		snap.Watchlist = []models.PendingSignal{}
	}
	s.respond(w, http.StatusOK, snap.Watchlist)
}

// riskView is the operator's risk console: breaker, loss budget and
// escalation state in one read.
type riskView struct {
	Mode           config.Mode `json:"mode"`
	SessionDate    string      `json:"sessionDate"`
	BreakerTripped bool        `json:"breakerTripped"`
	BreakerReason  string      `json:"breakerReason,omitempty"`
	DailyPnL       float64     `json:"dailyPnl"`
	DrawdownPct    float64     `json:"drawdownPct"`
	OpenPositions  int         `json:"openPositions"`
	TotalExposure  float64     `json:"totalExposure"`
	ExitEscalated  bool        `json:"exitEscalated"`
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.askCtx(r)
	defer cancel()
	snap, err := s.engine.State(ctx)
	if err != nil {
		s.engineError(w, err)
		return
	}

	p := snap.Portfolio
	s.respond(w, http.StatusOK, riskView{
		Mode:           snap.Mode,
		SessionDate:    p.SessionDate,
		BreakerTripped: p.BreakerTripped,
		BreakerReason:  p.BreakerReason,
		DailyPnL:       p.DailyRealizedPnL,
		DrawdownPct:    p.DrawdownPct(),
		OpenPositions:  p.OpenPositions,
		TotalExposure:  p.TotalExposure(),
		ExitEscalated:  snap.ExitEscalated,
	})
}

type exchangeHours struct {
	Exchange   string `json:"exchange"`
	Open       bool   `json:"open"`
	PastCutOff bool   `json:"pastCutOff"`
}

type hoursView struct {
	Timezone    string          `json:"timezone"`
	SessionDate string          `json:"sessionDate"`
	GoldenNow   bool            `json:"goldenNow"`
	Exchanges   []exchangeHours `json:"exchanges"`
}

func (s *Server) handleHours(w http.ResponseWriter, _ *http.Request) {
	at := s.now()
	view := hoursView{
		Timezone:    s.gate.Location().String(),
		SessionDate: s.gate.SessionDate(at),
		GoldenNow:   s.gate.InGoldenWindow(at),
		Exchanges:   []exchangeHours{},
	}
	for _, code := range s.gate.Exchanges() {
		view.Exchanges = append(view.Exchanges, exchangeHours{
			Exchange:   code,
			Open:       s.gate.Open(code, at),
			PastCutOff: s.gate.PastCutOff(code, at),
		})
	}
	s.respond(w, http.StatusOK, view)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) handleTripBreaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	ctx, cancel := s.askCtx(r)
	defer cancel()
	if err := s.engine.TripBreaker(ctx, body.Reason); err != nil {
		s.engineError(w, err)
		return
	}
	s.log.WithField("reason", body.Reason).Warn("breaker tripped via dashboard")
	s.respond(w, http.StatusOK, map[string]string{"status": "tripped"})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.askCtx(r)
	defer cancel()
	if err := s.engine.ResetBreaker(ctx); err != nil {
		s.engineError(w, err)
		return
	}
	s.log.Warn("breaker reset via dashboard")
	s.respond(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.askCtx(r)
	defer cancel()
	if err := s.engine.Acknowledge(ctx); err != nil {
		s.engineError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	reason := models.ExitReason(strings.ToUpper(strings.TrimSpace(body.Reason)))
	if reason != "" && !reason.Valid() {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST",
			"reason must be one of STOP_LOSS, TARGET1, TARGET2, END_OF_SESSION, MANUAL")
		return
	}

	ctx, cancel := s.askCtx(r)
	defer cancel()
	if err := s.engine.ForceClose(ctx, reason); err != nil {
		s.engineError(w, err)
		return
	}
	s.log.WithField("reason", reason).Warn("force-close requested via dashboard")
	s.respond(w, http.StatusOK, map[string]string{"status": "closing"})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	mode := config.Mode(strings.ToLower(strings.TrimSpace(body.Mode)))
	switch mode {
	case config.ModePaper, config.ModeLive, config.ModeSilent:
	default:
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST",
			"mode must be one of paper, live, silent")
		return
	}

	ctx, cancel := s.askCtx(r)
	defer cancel()
	if err := s.engine.SetMode(ctx, mode); err != nil {
		s.engineError(w, err)
		return
	}
	s.log.WithField("mode", mode).Info("mode changed via dashboard")
	s.respond(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(mode)})
}
