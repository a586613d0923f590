// Package orders verifies broker order outcomes. Every submitted order gets
// a watcher goroutine that polls status (or adopts a WebSocket update) until
// the order is terminal, then reports exactly one Result back to the engine.
package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/broker"
)

// Config tunes the verification loop.
type Config struct {
	// PollInterval is the status poll cadence.
	PollInterval time.Duration
	// FillTimeout bounds how long an order may sit unfilled before the
	// remainder is cancelled.
	FillTimeout time.Duration
	// CallTimeout bounds each individual broker call.
	CallTimeout time.Duration
}

// DefaultConfig matches the production cadence.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	FillTimeout:  30 * time.Second,
	CallTimeout:  5 * time.Second,
}

// Request registers an order for verification.
type Request struct {
	OrderID     string    `json:"orderId"`
	TradeID     string    `json:"tradeId"`
	Entry       bool      `json:"entry"`
	Qty         int       `json:"qty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Result is the single verification outcome for an order.
type Result struct {
	Success   bool
	Partial   bool
	OrderID   string
	TradeID   string
	Entry     bool
	FilledQty int
	AvgPrice  float64
	Message   string
}

// Verifier tracks in-flight orders. Results reach the engine through the
// onResult callback only; the verifier never mutates trade state itself.
type Verifier struct {
	broker   broker.Broker
	logger   *logrus.Logger
	config   Config
	onResult func(Result)

	mu      sync.Mutex
	watched map[string]Request
	wg      sync.WaitGroup
}

// NewVerifier builds a verifier. Zero config fields take defaults.
func NewVerifier(b broker.Broker, cfg Config, onResult func(Result), logger *logrus.Logger) *Verifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	return &Verifier{
		broker:   b,
		logger:   logger,
		config:   cfg,
		onResult: onResult,
		watched:  make(map[string]Request),
	}
}

// Watch registers the order and starts its watcher. Watching an order that
// is already registered is a no-op, so recovery can resubmit blindly.
func (v *Verifier) Watch(ctx context.Context, req Request) {
	v.mu.Lock()
	if _, ok := v.watched[req.OrderID]; ok {
		v.mu.Unlock()
		return
	}
	v.watched[req.OrderID] = req
	v.mu.Unlock()

	v.logger.WithFields(logrus.Fields{
		"event":   "verify_watch",
		"orderId": req.OrderID,
		"tradeId": req.TradeID,
		"entry":   req.Entry,
	}).Info("watching order")

	v.wg.Add(1)
	go v.watchLoop(ctx, req)
}

// Pending lists orders still awaiting a result, for the crash snapshot.
func (v *Verifier) Pending() []Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Request, 0, len(v.watched))
	for _, req := range v.watched {
		out = append(out, req)
	}
	return out
}

// Adopt applies a pushed order update. Terminal updates settle the order
// immediately instead of waiting for the next poll.
func (v *Verifier) Adopt(update broker.OrderUpdate) {
	if !update.State.Terminal() {
		return
	}
	v.mu.Lock()
	req, ok := v.watched[update.OrderID]
	v.mu.Unlock()
	if !ok {
		return
	}
	v.finish(req, v.resultFor(req, broker.OrderStatus{
		OrderID:      update.OrderID,
		State:        update.State,
		FilledQty:    update.FilledQty,
		AvgFillPrice: update.AvgPrice,
		Message:      update.Message,
	}))
}

// Wait blocks until every watcher exits or the grace period lapses.
func (v *Verifier) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (v *Verifier) watchLoop(ctx context.Context, req Request) {
	defer v.wg.Done()

	remaining := v.config.FillTimeout - time.Since(req.SubmittedAt)
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()

	ticker := time.NewTicker(v.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown: the order stays in watched so the snapshot can
			// resume it on the next start.
			return
		case <-deadline.C:
			v.settleTimeout(ctx, req)
			return
		case <-ticker.C:
			if v.pollOnce(ctx, req) {
				return
			}
		}
	}
}

// pollOnce checks status once. Returns true when the watcher is done.
func (v *Verifier) pollOnce(ctx context.Context, req Request) bool {
	if !v.alive(req.OrderID) {
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, v.config.CallTimeout)
	status, err := v.broker.OrderStatus(callCtx, req.OrderID)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ctx.Err() != nil
		}
		v.logger.WithFields(logrus.Fields{
			"event":   "verify_poll_failed",
			"orderId": req.OrderID,
			"error":   err.Error(),
		}).Warn("status poll failed, will retry")
		return false
	}
	if !status.State.Terminal() {
		return false
	}
	return v.finish(req, v.resultFor(req, status))
}

// settleTimeout cancels the remainder and settles on whatever filled.
// Losing the cancel race to a fill is handled by the final status check.
func (v *Verifier) settleTimeout(ctx context.Context, req Request) {
	if !v.alive(req.OrderID) {
		return
	}
	if ctx.Err() != nil {
		return
	}

	cancelCtx, cancel := context.WithTimeout(ctx, v.config.CallTimeout)
	err := v.broker.CancelOrder(cancelCtx, req.OrderID)
	cancel()
	if err != nil {
		v.logger.WithFields(logrus.Fields{
			"event":   "verify_cancel_failed",
			"orderId": req.OrderID,
			"error":   err.Error(),
		}).Warn("cancel on timeout failed; checking final state")
	}

	statusCtx, scancel := context.WithTimeout(ctx, v.config.CallTimeout)
	status, serr := v.broker.OrderStatus(statusCtx, req.OrderID)
	scancel()
	if serr != nil {
		v.finish(req, Result{
			OrderID: req.OrderID,
			TradeID: req.TradeID,
			Entry:   req.Entry,
			Message: "not filled within timeout; final status unavailable",
		})
		return
	}
	v.finish(req, v.resultFor(req, status))
}

// resultFor maps a terminal (or timed-out) status to the verification result.
func (v *Verifier) resultFor(req Request, status broker.OrderStatus) Result {
	res := Result{
		OrderID:   req.OrderID,
		TradeID:   req.TradeID,
		Entry:     req.Entry,
		FilledQty: status.FilledQty,
		AvgPrice:  status.AvgFillPrice,
		Message:   status.Message,
	}

	switch {
	case status.State == broker.StateFilled:
		res.Success = true
		if res.FilledQty == 0 {
			res.FilledQty = req.Qty
		}
		res.Partial = res.FilledQty < req.Qty
	case status.FilledQty > 0:
		// Cancelled or timed out with a partial execution: adopt what
		// filled, the remainder is already cancelled.
		res.Success = true
		res.Partial = true
		if res.Message == "" {
			res.Message = "partial fill adopted, remainder cancelled"
		}
	case status.State == broker.StateRejected:
		if res.Message == "" {
			res.Message = "rejected by broker"
		}
	case status.State == broker.StateCancelled:
		if res.Message == "" {
			res.Message = "cancelled before fill"
		}
	default:
		if res.Message == "" {
			res.Message = "not filled within timeout"
		}
	}
	return res
}

func (v *Verifier) alive(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.watched[orderID]
	return ok
}

// finish delivers the result exactly once. The first caller to remove the
// order from the watch set wins; everyone else drops out.
func (v *Verifier) finish(req Request, res Result) bool {
	v.mu.Lock()
	if _, ok := v.watched[req.OrderID]; !ok {
		v.mu.Unlock()
		return true
	}
	delete(v.watched, req.OrderID)
	v.mu.Unlock()

	v.logger.WithFields(logrus.Fields{
		"event":     "verify_result",
		"orderId":   res.OrderID,
		"tradeId":   res.TradeID,
		"entry":     res.Entry,
		"success":   res.Success,
		"partial":   res.Partial,
		"filledQty": res.FilledQty,
		"avgPrice":  res.AvgPrice,
	}).Info("order verified")

	if v.onResult != nil {
		v.onResult(res)
	}
	return true
}
