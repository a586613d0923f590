package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/anirbansen/tradepulse/internal/models"
)

// MockBroker implements Broker for tests. Orders are accepted with
// sequential IDs and scripted outcomes: by default every order fills
// instantly at FillPrice; tests can queue per-call errors or stage
// statuses to exercise timeouts, rejections and partial fills.
type MockBroker struct {
	mu sync.Mutex

	// FillPrice is the price instant fills report. Limit orders fall back
	// to their limit price when FillPrice is zero.
	FillPrice float64
	// AutoFill controls whether placed orders fill immediately. When false
	// orders stay OPEN until a test calls SetStatus.
	AutoFill bool

	placeErr  []error
	cancelErr error
	statusErr error

	nextID     int
	orders     map[string]OrderStatus
	placed     []models.Order
	placeCalls int
	balance    float64
	posList    []Position
	cancels    []string
	modifies   []string
}

var _ Broker = (*MockBroker)(nil)

// NewMockBroker returns a mock that fills everything instantly.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		AutoFill: true,
		balance:  1_000_000,
		orders:   make(map[string]OrderStatus),
	}
}

// QueuePlaceError makes the next PlaceOrder calls fail in order.
func (m *MockBroker) QueuePlaceError(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = append(m.placeErr, errs...)
}

// FailCancel makes CancelOrder return err.
func (m *MockBroker) FailCancel(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// FailStatus makes OrderStatus return err.
func (m *MockBroker) FailStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// SetStatus overwrites the stored status for an order.
func (m *MockBroker) SetStatus(orderID string, status OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.OrderID = orderID
	m.orders[orderID] = status
}

// SetBalance sets the reported margin.
func (m *MockBroker) SetBalance(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = v
}

// SetPositions sets the reported positions.
func (m *MockBroker) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posList = positions
}

// Placed returns every order the broker accepted.
func (m *MockBroker) Placed() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, len(m.placed))
	copy(out, m.placed)
	return out
}

// PlaceCalls counts PlaceOrder invocations, including failed ones.
func (m *MockBroker) PlaceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls
}

// Cancelled returns the IDs passed to CancelOrder.
func (m *MockBroker) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancels))
	copy(out, m.cancels)
	return out
}

// PlaceOrder records the order and applies the scripted outcome.
func (m *MockBroker) PlaceOrder(_ context.Context, order models.Order) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls++
	if len(m.placeErr) > 0 {
		err := m.placeErr[0]
		m.placeErr = m.placeErr[1:]
		if err != nil {
			return "", err
		}
	}

	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.placed = append(m.placed, order)

	base := order.Base()
	status := OrderStatus{OrderID: id, State: StateOpen, PendingQty: base.Qty}
	if m.AutoFill {
		price := m.FillPrice
		if lo, ok := order.(models.LimitOrder); ok && price == 0 {
			price = lo.LimitPrice
		}
		status.State = StateFilled
		status.FilledQty = base.Qty
		status.PendingQty = 0
		status.AvgFillPrice = price
	}
	m.orders[id] = status
	return id, nil
}

// ModifyOrder records the modification.
func (m *MockBroker) ModifyOrder(_ context.Context, orderID string, order models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return fmt.Errorf("modify %s: %w", orderID, ErrOrderNotOpen)
	}
	m.modifies = append(m.modifies, orderID)
	return nil
}

// CancelOrder records the cancel and marks the order cancelled.
func (m *MockBroker) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	status, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, ErrOrderNotOpen)
	}
	m.cancels = append(m.cancels, orderID)
	if !status.State.Terminal() {
		status.State = StateCancelled
		m.orders[orderID] = status
	}
	return nil
}

// OrderStatus returns the stored status.
func (m *MockBroker) OrderStatus(_ context.Context, orderID string) (OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return OrderStatus{}, m.statusErr
	}
	status, ok := m.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("order %s not found", orderID)
	}
	return status, nil
}

// Positions returns the scripted position list.
func (m *MockBroker) Positions(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.posList))
	copy(out, m.posList)
	return out, nil
}

// Balance returns the scripted margin.
func (m *MockBroker) Balance(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}
