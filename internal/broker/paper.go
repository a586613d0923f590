package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/kv"
	"github.com/anirbansen/tradepulse/internal/models"
)

// PriceSource supplies the last traded price for paper fills. The market
// price cache satisfies this.
type PriceSource interface {
	Price(scripCode string) (float64, bool)
}

// PaperBroker simulates fills against the live price feed. Market orders
// fill at LTP plus or minus slippage ticks; limit orders fill when price
// crosses, checked at placement and again at every status poll. The ledger
// runs on decimals so a full day of simulated fills does not drift.
type PaperBroker struct {
	prices PriceSource
	store  *kv.Store
	logger *logrus.Logger

	slippageTicks int
	defaultTick   float64

	mu        sync.Mutex
	cash      decimal.Decimal
	orders    map[string]*paperOrder
	positions map[string]*paperPosition

	now func() time.Time
}

var _ Broker = (*PaperBroker)(nil)

type paperOrder struct {
	id       string
	order    models.Order
	state    OrderState
	filled   int
	avgPrice float64
	message  string
	// triggered marks a stop-limit whose trigger already traded.
	triggered bool
	updatedAt time.Time
}

type paperPosition struct {
	instrument models.Instrument
	qty        int // signed
	avgPrice   decimal.Decimal
}

// NewPaperBroker builds the simulator with the configured starting capital.
// store may be nil; snapshots are skipped then.
func NewPaperBroker(cfg config.TradingConfig, prices PriceSource, store *kv.Store, logger *logrus.Logger) *PaperBroker {
	return &PaperBroker{
		prices:        prices,
		store:         store,
		logger:        logger,
		slippageTicks: cfg.SlippageTicks,
		defaultTick:   cfg.DefaultTickSize,
		cash:          decimal.NewFromFloat(cfg.AccountValue),
		orders:        make(map[string]*paperOrder),
		positions:     make(map[string]*paperPosition),
		now:           time.Now,
	}
}

func (p *PaperBroker) tickFor(inst models.Instrument) float64 {
	if inst.TickSize > 0 {
		return inst.TickSize
	}
	if p.defaultTick > 0 {
		return p.defaultTick
	}
	return 0.05
}

// PlaceOrder accepts the order and attempts an immediate fill.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order models.Order) (string, error) {
	base := order.Base()
	if base.Qty <= 0 {
		return "", fmt.Errorf("%w: non-positive quantity", ErrOrderRejected)
	}
	if _, ok := p.prices.Price(base.Instrument.ScripCode); !ok {
		return "", fmt.Errorf("%w: no market data for %s", ErrOrderRejected, base.Instrument.ScripCode)
	}

	p.mu.Lock()
	po := &paperOrder{
		id:        uuid.NewString(),
		order:     order,
		state:     StateOpen,
		updatedAt: p.now(),
	}
	p.orders[po.id] = po
	p.evaluateLocked(po)
	status := p.statusLocked(po)
	p.mu.Unlock()

	p.snapshotOrder(ctx, status)
	p.snapshotWallet(ctx)

	p.logger.WithFields(logrus.Fields{
		"event":     "paper_order_placed",
		"orderId":   po.id,
		"scripCode": base.Instrument.ScripCode,
		"side":      base.Side,
		"qty":       base.Qty,
		"state":     status.State,
	}).Info("paper order placed")
	return po.id, nil
}

// ModifyOrder swaps the resting order's parameters and re-evaluates.
func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID string, order models.Order) error {
	p.mu.Lock()
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("modify %s: %w", orderID, ErrOrderNotOpen)
	}
	if po.state.Terminal() {
		p.mu.Unlock()
		return fmt.Errorf("modify %s in state %s: %w", orderID, po.state, ErrOrderNotOpen)
	}
	po.order = order
	po.triggered = false
	po.updatedAt = p.now()
	p.evaluateLocked(po)
	status := p.statusLocked(po)
	p.mu.Unlock()

	p.snapshotOrder(ctx, status)
	p.snapshotWallet(ctx)
	return nil
}

// CancelOrder withdraws a resting order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, ErrOrderNotOpen)
	}
	if po.state.Terminal() {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s in state %s: %w", orderID, po.state, ErrOrderNotOpen)
	}
	po.state = StateCancelled
	po.updatedAt = p.now()
	status := p.statusLocked(po)
	p.mu.Unlock()

	p.snapshotOrder(ctx, status)
	return nil
}

// OrderStatus re-evaluates resting orders against the current price before
// reporting, so limit fills land on the verifier's poll cadence.
func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return OrderStatus{}, fmt.Errorf("order %s not found", orderID)
	}
	filledBefore := po.state.Terminal()
	p.evaluateLocked(po)
	status := p.statusLocked(po)
	p.mu.Unlock()

	if !filledBefore && status.State.Terminal() {
		p.snapshotOrder(ctx, status)
		p.snapshotWallet(ctx)
	}
	return status, nil
}

// Positions lists simulated net positions.
func (p *PaperBroker) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.qty == 0 {
			continue
		}
		last, _ := p.prices.Price(pos.instrument.ScripCode)
		out = append(out, Position{
			ScripCode: pos.instrument.ScripCode,
			Exchange:  pos.instrument.Exchange,
			Qty:       pos.qty,
			AvgPrice:  pos.avgPrice.InexactFloat64(),
			LastPrice: last,
		})
	}
	return out, nil
}

// Balance returns the wallet cash.
func (p *PaperBroker) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash.InexactFloat64(), nil
}

// evaluateLocked runs the fill rules for one order. Caller holds the lock.
func (p *PaperBroker) evaluateLocked(po *paperOrder) {
	if po.state.Terminal() {
		return
	}
	base := po.order.Base()
	ltp, ok := p.prices.Price(base.Instrument.ScripCode)
	if !ok {
		return
	}
	tick := p.tickFor(base.Instrument)

	switch o := po.order.(type) {
	case models.MarketOrder:
		slip := float64(p.slippageTicks) * tick
		if base.Side == models.SideBuy {
			p.fillLocked(po, ltp+slip)
		} else {
			p.fillLocked(po, ltp-slip)
		}
	case models.LimitOrder:
		p.tryLimitLocked(po, base.Side, o.LimitPrice, ltp)
	case models.StopLimitOrder:
		if !po.triggered {
			if base.Side == models.SideBuy && ltp >= o.TriggerPrice {
				po.triggered = true
			}
			if base.Side == models.SideSell && ltp <= o.TriggerPrice {
				po.triggered = true
			}
		}
		if po.triggered {
			p.tryLimitLocked(po, base.Side, o.LimitPrice, ltp)
		}
	}
}

// tryLimitLocked fills at the limit or better when price crosses.
func (p *PaperBroker) tryLimitLocked(po *paperOrder, side models.Side, limit, ltp float64) {
	if side == models.SideBuy && ltp <= limit {
		p.fillLocked(po, min(limit, ltp))
	}
	if side == models.SideSell && ltp >= limit {
		p.fillLocked(po, max(limit, ltp))
	}
}

// fillLocked executes the full remaining quantity at price and settles the
// wallet and position.
func (p *PaperBroker) fillLocked(po *paperOrder, price float64) {
	base := po.order.Base()
	qty := base.Qty

	po.state = StateFilled
	po.filled = qty
	po.avgPrice = price
	po.updatedAt = p.now()

	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(int64(qty)))
	if base.Side == models.SideBuy {
		p.cash = p.cash.Sub(notional)
	} else {
		p.cash = p.cash.Add(notional)
	}
	p.applyPositionLocked(base.Instrument, base.Side, qty, price)

	p.logger.WithFields(logrus.Fields{
		"event":     "paper_fill",
		"orderId":   po.id,
		"scripCode": base.Instrument.ScripCode,
		"side":      base.Side,
		"qty":       qty,
		"price":     price,
	}).Info("paper order filled")
}

func (p *PaperBroker) applyPositionLocked(inst models.Instrument, side models.Side, qty int, price float64) {
	pos, ok := p.positions[inst.ScripCode]
	if !ok {
		pos = &paperPosition{instrument: inst}
		p.positions[inst.ScripCode] = pos
	}
	signed := qty
	if side == models.SideSell {
		signed = -qty
	}
	fill := decimal.NewFromFloat(price)

	newQty := pos.qty + signed
	switch {
	case pos.qty == 0:
		pos.avgPrice = fill
	case (pos.qty > 0) == (signed > 0):
		// Extending: weighted average cost.
		oldAbs := decimal.NewFromInt(int64(abs(pos.qty)))
		addAbs := decimal.NewFromInt(int64(abs(signed)))
		total := oldAbs.Add(addAbs)
		pos.avgPrice = pos.avgPrice.Mul(oldAbs).Add(fill.Mul(addAbs)).Div(total)
	case abs(signed) > abs(pos.qty):
		// Crossed through flat: remainder opens at the fill price.
		pos.avgPrice = fill
	}
	pos.qty = newQty
}

func (p *PaperBroker) statusLocked(po *paperOrder) OrderStatus {
	base := po.order.Base()
	return OrderStatus{
		OrderID:      po.id,
		State:        po.state,
		FilledQty:    po.filled,
		PendingQty:   base.Qty - po.filled,
		AvgFillPrice: po.avgPrice,
		Message:      po.message,
		UpdatedAt:    po.updatedAt,
	}
}

type walletSnapshot struct {
	Cash      string `json:"cash"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (p *PaperBroker) snapshotOrder(ctx context.Context, status OrderStatus) {
	if p.store == nil {
		return
	}
	p.store.PutJSON(ctx, kv.VirtualOrderKey(status.OrderID), status, 24*time.Hour)
}

func (p *PaperBroker) snapshotWallet(ctx context.Context) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	snap := walletSnapshot{Cash: p.cash.String(), UpdatedAt: p.now().Unix()}
	positions := make(map[string]Position, len(p.positions))
	for code, pos := range p.positions {
		positions[code] = Position{
			ScripCode: code,
			Exchange:  pos.instrument.Exchange,
			Qty:       pos.qty,
			AvgPrice:  pos.avgPrice.InexactFloat64(),
		}
	}
	p.mu.Unlock()

	p.store.PutJSON(ctx, kv.VirtualSettingsKey, snap, 24*time.Hour)
	for code, pos := range positions {
		p.store.PutJSON(ctx, kv.VirtualPositionKey(code), pos, 24*time.Hour)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
