// Command engine runs the intraday execution engine: it consumes strategy
// signals and market data from the bus, manages at most one position through
// entry confirmation, trailing and exit, and publishes results downstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/anirbansen/tradepulse/internal/broker"
	"github.com/anirbansen/tradepulse/internal/bus"
	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/dashboard"
	"github.com/anirbansen/tradepulse/internal/database"
	"github.com/anirbansen/tradepulse/internal/engine"
	"github.com/anirbansen/tradepulse/internal/hours"
	"github.com/anirbansen/tradepulse/internal/ingress"
	"github.com/anirbansen/tradepulse/internal/kv"
	"github.com/anirbansen/tradepulse/internal/market"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/notify"
	"github.com/anirbansen/tradepulse/internal/pivots"
	"github.com/anirbansen/tradepulse/internal/publish"
	"github.com/anirbansen/tradepulse/internal/risk"
	"github.com/anirbansen/tradepulse/internal/storage"
	"github.com/anirbansen/tradepulse/internal/strategy"
	"github.com/anirbansen/tradepulse/internal/watchlist"
)

// liveConfirmEnv must be set to "true", alongside the --confirm-live flag,
// before the engine will start against a live broker.
const liveConfirmEnv = "TRADEPULSE_LIVE_CONFIRMED"

// priceMaxAge bounds how old a cached tick may be before consumers treat the
// feed as stale.
const priceMaxAge = 30 * time.Second

const liveRefusal = `refusing to start in live mode.

Live mode places real orders with real money. To proceed, restart with the
--confirm-live flag AND TRADEPULSE_LIVE_CONFIRMED=true in the environment.
Paper mode needs neither.`

func main() {
	var (
		configPath  string
		confirmLive bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.BoolVar(&confirmLive, "confirm-live", false, "acknowledge live-mode order placement")
	flag.Parse()

	// Secrets referenced as ${VAR} in the config file come from the
	// environment; a local .env fills it during development.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("loading config: %v", err)
	}

	log := newLogger(cfg.Logging)

	if cfg.IsLive() {
		if !confirmLive || os.Getenv(liveConfirmEnv) != "true" {
			fmt.Fprintln(os.Stderr, liveRefusal)
			os.Exit(1)
		}
		log.Warn("LIVE mode: orders will reach the broker")
	}

	log.WithFields(logrus.Fields{
		"event":  "engine_booting",
		"mode":   cfg.Trading.Mode,
		"config": configPath,
	}).Info("tradepulse starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("engine terminated")
	}
	log.Info("engine stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}
	gate, err := hours.New(loc, cfg.Hours)
	if err != nil {
		return fmt.Errorf("building hours gate: %w", err)
	}

	store, err := storage.NewJSONStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	kvStore := kv.New(cfg.Redis, log)
	defer kvStore.Close()

	// The archive is an optional sidecar. Trading continues without it.
	db, err := database.Open(ctx, cfg.Database.DSN, log)
	if err != nil {
		log.WithError(err).Warn("trade archive unavailable, continuing without it")
	}
	defer db.Close()

	natsBus, err := bus.Connect(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer natsBus.Drain()

	prices := market.NewPriceCache(priceMaxAge)
	history := market.NewHistory(cfg.Trading.CandleTail)
	watch := watchlist.New(log)
	eval := strategy.NewEvaluator(gate, cfg.Trading, log)
	policy := risk.NewPolicy(cfg.Risk, log)
	sizer := risk.NewSizer(cfg.Risk, log)
	pivotSvc := pivots.NewService(cfg.Pivots, log)

	var notifier notify.Notifier = notify.NewNoop()
	var telegram *notify.Telegram
	if cfg.NotificationsEnabled() {
		telegram = notify.NewTelegram(cfg.Telegram, log)
		notifier = telegram
	}

	var (
		brk  broker.Broker
		live *broker.LiveBroker
	)
	if cfg.IsLive() {
		live = broker.NewLiveBroker(cfg.Broker, log)
		brk = broker.NewCircuitBreakerBroker(live, broker.BreakerSettings{
			OnStateChange: func(from, to gobreaker.State) {
				log.WithFields(logrus.Fields{
					"event": "broker_breaker_state",
					"from":  from.String(),
					"to":    to.String(),
				}).Warn("broker circuit breaker changed state")
			},
		})
	} else {
		brk = broker.NewPaperBroker(cfg.Trading, prices, kvStore, log)
	}

	hub := dashboard.NewHub(log)

	var archive publish.Archive
	if db != nil {
		archive = db
	}
	publisher := publish.New(natsBus, archive, hub, publish.TopicsFromBus(cfg.Bus), log)

	eng, err := engine.New(engine.Deps{
		Config:    cfg,
		Log:       log,
		Store:     store,
		Broker:    brk,
		Watch:     watch,
		Evaluator: eval,
		Pivots:    pivotSvc,
		Policy:    policy,
		Sizer:     sizer,
		Prices:    prices,
		History:   history,
		Gate:      gate,
		Publisher: publisher,
		Notifier:  notifier,
		KV:        kvStore,
		DB:        db,
	})
	if err != nil {
		return err
	}

	monitor := risk.NewMonitor(policy, cfg.Risk, prices,
		func() models.PortfolioState {
			if p := store.Portfolio(); p != nil {
				return *p
			}
			return models.PortfolioState{}
		},
		func() []models.ActiveTrade {
			if t := store.ActiveTrade(); t != nil {
				return []models.ActiveTrade{*t}
			}
			return nil
		},
		eng, log)

	var auditor ingress.Auditor
	if db != nil {
		auditor = db
	}
	signals := ingress.NewSignalConsumer(cfg, kvStore, gate, policy, watch, history, pivotSvc,
		engineRiskSink{eng}, auditor, log)
	marketData := ingress.NewMarketDataConsumer(prices, history, kvStore, ingress.Handlers{
		OnCandle: eng.OnCandle,
	}, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error {
		return natsBus.ConsumeSignals(ctx, func(data []byte) bus.Disposition {
			return signals.Process(ctx, data)
		})
	})

	if _, err := natsBus.Subscribe(cfg.Bus.MarketDataTopic, func(data []byte) {
		marketData.ProcessTick(ctx, data)
	}); err != nil {
		return err
	}
	if _, err := natsBus.Subscribe(cfg.Bus.CandleTopic, func(data []byte) {
		marketData.ProcessCandle(ctx, data)
	}); err != nil {
		return err
	}

	if telegram != nil {
		g.Go(func() error { return telegram.Run(ctx) })
	}

	// Live order pushes land much faster than the verifier's poll.
	if live != nil && cfg.Broker.WSURL != "" {
		stream := broker.NewOrderStream(cfg.Broker.WSURL, live.SessionToken, log)
		g.Go(func() error { return stream.Run(ctx) })
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-stream.Updates():
					if !ok {
						return nil
					}
					eng.AdoptOrderUpdate(u)
				}
			}
		})
	}

	if cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(cfg.Dashboard, eng, store, gate, hub, log)
		g.Go(func() error {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return dash.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// engineRiskSink feeds admission drops into the engine's event stream so they
// reach the risk-events topic and the dashboard like every other event.
type engineRiskSink struct{ eng *engine.Engine }

func (s engineRiskSink) RiskEvent(ev models.RiskEvent) { s.eng.EmitRiskEvent(ev) }
