// Package broker adapts order placement, order status, positions and margin
// to a common contract. The engine talks to this interface only; the live
// adapter, the paper simulator and test fakes all sit behind it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/anirbansen/tradepulse/internal/models"
)

// OrderState is the normalized lifecycle state of a broker order.
type OrderState string

const (
	// StatePending means the broker has the order but the exchange has not
	// acknowledged it yet.
	StatePending OrderState = "PENDING"
	// StateOpen means the order rests on the book.
	StateOpen OrderState = "OPEN"
	// StatePartial means part of the quantity filled and the rest rests.
	StatePartial OrderState = "PARTIALLY_FILLED"
	// StateFilled means the full quantity executed.
	StateFilled OrderState = "FILLED"
	// StateRejected means the broker or exchange refused the order.
	StateRejected OrderState = "REJECTED"
	// StateCancelled means the order was cancelled before completing.
	StateCancelled OrderState = "CANCELLED"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCancelled:
		return true
	}
	return false
}

// OrderStatus is a point-in-time snapshot of an order at the broker.
type OrderStatus struct {
	OrderID      string     `json:"orderId"`
	State        OrderState `json:"state"`
	FilledQty    int        `json:"filledQty"`
	PendingQty   int        `json:"pendingQty"`
	AvgFillPrice float64    `json:"avgFillPrice"`
	Message      string     `json:"message,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Position is a net broker position. Qty is signed: positive long,
// negative short.
type Position struct {
	ScripCode string  `json:"scripCode"`
	Exchange  string  `json:"exchange"`
	Qty       int     `json:"qty"`
	AvgPrice  float64 `json:"avgPrice"`
	LastPrice float64 `json:"lastPrice"`
}

// Broker is the order-routing contract. Every call takes a context so the
// engine's deadlines and shutdown propagate into HTTP requests.
type Broker interface {
	// PlaceOrder submits an order and returns the broker order ID.
	PlaceOrder(ctx context.Context, order models.Order) (string, error)
	// ModifyOrder replaces price or quantity on a resting order.
	ModifyOrder(ctx context.Context, orderID string, order models.Order) error
	// CancelOrder withdraws a resting order.
	CancelOrder(ctx context.Context, orderID string) error
	// OrderStatus fetches the current state of an order.
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	// Positions lists net open positions.
	Positions(ctx context.Context) ([]Position, error)
	// Balance returns available margin.
	Balance(ctx context.Context) (float64, error)
}

// ErrOrderRejected marks a broker-level rejection: the request reached the
// broker and was refused. Retrying the identical order cannot succeed.
var ErrOrderRejected = errors.New("order rejected")

// ErrOrderNotOpen marks cancel or modify attempts against an order that is
// already terminal.
var ErrOrderNotOpen = errors.New("order not open")

// APIError is an HTTP-level failure from the broker API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API %d: %s", e.Status, e.Body)
}

// IsPermanent reports whether err is a failure that retrying cannot fix:
// a broker rejection or a 4xx response other than 429.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrOrderRejected) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// BreakerSettings configures the transport circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFails trips the breaker when that many broker calls fail
	// back to back inside Window.
	ConsecutiveFails uint32
	// Window resets the failure counts when the breaker is closed.
	Window time.Duration
	// Cooldown holds the breaker open before a probe is allowed.
	Cooldown time.Duration
	// OnStateChange fires on every breaker transition.
	OnStateChange func(from, to gobreaker.State)
}

// CircuitBreakerBroker wraps a Broker so repeated transport failures stop
// hitting the API for a cooldown. Rejections do not count: an answered
// "no" is not an outage.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker wraps b with the given settings. Zero-valued
// settings fall back to 3 consecutive failures, a 60s window and a 30s
// cooldown.
func NewCircuitBreakerBroker(b Broker, settings BreakerSettings) *CircuitBreakerBroker {
	if settings.ConsecutiveFails == 0 {
		settings.ConsecutiveFails = 3
	}
	if settings.Window <= 0 {
		settings.Window = 60 * time.Second
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}

	gbSettings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Interval:    settings.Window,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFails
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	}
	if settings.OnStateChange != nil {
		cb := settings.OnStateChange
		gbSettings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cb(from, to)
		}
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for the dashboard.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// execBreaker is a generic helper for breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// PlaceOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, order models.Order) (string, error) {
	return execBreaker(c.breaker, func() (string, error) { return c.broker.PlaceOrder(ctx, order) })
}

// ModifyOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ModifyOrder(ctx context.Context, orderID string, order models.Order) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.broker.ModifyOrder(ctx, orderID, order)
	})
	return err
}

// CancelOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.broker.CancelOrder(ctx, orderID)
	})
	return err
}

// OrderStatus wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	return execBreaker(c.breaker, func() (OrderStatus, error) { return c.broker.OrderStatus(ctx, orderID) })
}

// Positions wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]Position, error) {
	return execBreaker(c.breaker, func() ([]Position, error) { return c.broker.Positions(ctx) })
}

// Balance wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) Balance(ctx context.Context) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) { return c.broker.Balance(ctx) })
}
