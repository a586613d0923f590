// Package database archives trade results, signal audit rows and the equity
// curve in Postgres. The archive is optional: an empty DSN yields a nil
// *Store, and every method on a nil store is a no-op so the engine keeps
// trading when no database is configured or reachable.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/models"
)

const connectTimeout = 10 * time.Second

// Store wraps the Postgres connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// Open connects to Postgres and runs migrations. An empty DSN returns
// (nil, nil): archiving disabled.
func Open(ctx context.Context, dsn string, logger *logrus.Logger) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database dsn: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.WithField("event", "database_connected").Info("trade archive enabled")
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Enabled reports whether an archive is actually behind this store.
func (s *Store) Enabled() bool {
	return s != nil && s.pool != nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trade_results (
			trade_id      UUID PRIMARY KEY,
			signal_id     TEXT NOT NULL,
			scrip_code    TEXT NOT NULL,
			direction     TEXT NOT NULL,
			entry_price   DOUBLE PRECISION NOT NULL,
			exit_price    DOUBLE PRECISION NOT NULL,
			entry_time    TIMESTAMPTZ NOT NULL,
			exit_time     TIMESTAMPTZ NOT NULL,
			quantity      INTEGER NOT NULL,
			pnl           DOUBLE PRECISION NOT NULL,
			r_multiple    DOUBLE PRECISION NOT NULL,
			exit_reason   TEXT NOT NULL,
			duration_min  INTEGER NOT NULL,
			mfe           DOUBLE PRECISION NOT NULL,
			mae           DOUBLE PRECISION NOT NULL,
			session_date  TEXT NOT NULL,
			created_at    TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_results_session ON trade_results(session_date)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_results_scrip ON trade_results(scrip_code)`,

		`CREATE TABLE IF NOT EXISTS signal_audit (
			id            BIGSERIAL PRIMARY KEY,
			signal_id     TEXT NOT NULL,
			scrip_code    TEXT NOT NULL,
			direction     TEXT NOT NULL,
			entry_price   DOUBLE PRECISION NOT NULL,
			stop_loss     DOUBLE PRECISION NOT NULL,
			target1       DOUBLE PRECISION NOT NULL,
			confidence    DOUBLE PRECISION NOT NULL,
			stage         TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			observed_at   TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_audit_signal ON signal_audit(signal_id)`,

		`CREATE TABLE IF NOT EXISTS equity_curve (
			id              BIGSERIAL PRIMARY KEY,
			session_date    TEXT NOT NULL,
			account_value   DOUBLE PRECISION NOT NULL,
			peak_value      DOUBLE PRECISION NOT NULL,
			daily_realized  DOUBLE PRECISION NOT NULL,
			open_positions  INTEGER NOT NULL,
			breaker_tripped BOOLEAN NOT NULL,
			recorded_at     TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_curve_session ON equity_curve(session_date)`,
	}

	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ArchiveResult inserts a completed trade. Re-inserting the same tradeId is a
// silent no-op, which makes result publication safely replayable.
func (s *Store) ArchiveResult(ctx context.Context, res models.TradeResult) error {
	if !s.Enabled() {
		return nil
	}
	query := `
		INSERT INTO trade_results (
			trade_id, signal_id, scrip_code, direction, entry_price, exit_price,
			entry_time, exit_time, quantity, pnl, r_multiple, exit_reason,
			duration_min, mfe, mae, session_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (trade_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		res.TradeID, res.SignalID, res.ScripCode, string(res.Direction),
		res.EntryPrice, res.ExitPrice, res.EntryTime, res.ExitTime,
		res.Quantity, res.PnL, res.RMultiple, string(res.ExitReason),
		res.DurationMinutes, res.MaxFavorableExcursion, res.MaxAdverseExcursion,
		res.ExitTime.Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("archiving trade result: %w", err)
	}
	return nil
}

// AuditSignal records a signal's passage through an ingress or evaluation
// stage. Failures are logged here rather than returned: a dead audit trail
// must not stall the pipeline.
func (s *Store) AuditSignal(ctx context.Context, sig models.StrategySignal, stage, reason string) {
	if !s.Enabled() {
		return
	}
	dir := sig.Signal
	if d, err := sig.Direction(); err == nil {
		dir = string(d)
	}
	query := `
		INSERT INTO signal_audit (signal_id, scrip_code, direction, entry_price, stop_loss, target1, confidence, stage, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	if _, err := s.pool.Exec(ctx, query,
		sig.IdempotencyKey(), sig.ScripCode, dir,
		sig.EntryPrice, sig.StopLoss, sig.Target1, sig.Confidence,
		stage, reason,
	); err != nil {
		s.logger.WithFields(logrus.Fields{
			"event": "signal_audit_failed",
			"scrip": sig.ScripCode,
			"error": err.Error(),
		}).Warn("dropping signal audit row")
	}
}

// RecordEquity appends one point to the equity curve.
func (s *Store) RecordEquity(ctx context.Context, state models.PortfolioState) error {
	if !s.Enabled() {
		return nil
	}
	query := `
		INSERT INTO equity_curve (session_date, account_value, peak_value, daily_realized, open_positions, breaker_tripped)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := s.pool.Exec(ctx, query,
		state.SessionDate, state.AccountValue, state.PeakValue,
		state.DailyRealizedPnL, state.OpenPositions, state.BreakerTripped,
	)
	if err != nil {
		return fmt.Errorf("recording equity point: %w", err)
	}
	return nil
}

// DailyRealizedPnL sums archived results for the session, used on start to
// seed the day's realized P&L after a restart.
func (s *Store) DailyRealizedPnL(ctx context.Context, sessionDate string) (float64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	var pnl float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM trade_results WHERE session_date = $1`,
		sessionDate,
	).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("restoring daily pnl: %w", err)
	}
	return pnl, nil
}

// ResultsForSession returns the session's archived trades, newest first.
func (s *Store) ResultsForSession(ctx context.Context, sessionDate string) ([]models.TradeResult, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, signal_id, scrip_code, direction, entry_price, exit_price,
		       entry_time, exit_time, quantity, pnl, r_multiple, exit_reason,
		       duration_min, mfe, mae
		FROM trade_results
		WHERE session_date = $1
		ORDER BY exit_time DESC
	`, sessionDate)
	if err != nil {
		return nil, fmt.Errorf("querying session results: %w", err)
	}
	defer rows.Close()

	var results []models.TradeResult
	for rows.Next() {
		var res models.TradeResult
		var direction, exitReason string
		if err := rows.Scan(
			&res.TradeID, &res.SignalID, &res.ScripCode, &direction,
			&res.EntryPrice, &res.ExitPrice, &res.EntryTime, &res.ExitTime,
			&res.Quantity, &res.PnL, &res.RMultiple, &exitReason,
			&res.DurationMinutes, &res.MaxFavorableExcursion, &res.MaxAdverseExcursion,
		); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		res.Direction = models.SignalDirection(direction)
		res.ExitReason = models.ExitReason(exitReason)
		results = append(results, res)
	}
	return results, rows.Err()
}

// Ping checks connectivity, used by the dashboard health probe.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.pool.Ping(ctx)
}
