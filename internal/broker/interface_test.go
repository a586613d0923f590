package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirbansen/tradepulse/internal/models"
)

func marketOrder(scrip string, side models.Side, qty int) models.MarketOrder {
	return models.MarketOrder{OrderBase: models.OrderBase{
		Instrument: models.Instrument{ScripCode: scrip, Exchange: models.ExchangeNSE, ExchangeType: models.ExchTypeCash},
		Side:       side,
		Qty:        qty,
	}}
}

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{StateFilled, StateRejected, StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s", s)
	}
	open := []OrderState{StatePending, StateOpen, StatePartial}
	for _, s := range open {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&APIError{Status: 400, Body: "bad request"}))
	assert.True(t, IsPermanent(&APIError{Status: 403, Body: "forbidden"}))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", &APIError{Status: 422})))
	assert.True(t, IsPermanent(fmt.Errorf("%w: insufficient margin", ErrOrderRejected)))

	assert.False(t, IsPermanent(&APIError{Status: 429, Body: "slow down"}))
	assert.False(t, IsPermanent(&APIError{Status: 500, Body: "server error"}))
	assert.False(t, IsPermanent(&APIError{Status: 503, Body: "unavailable"}))
	assert.False(t, IsPermanent(errors.New("dial tcp: connection refused")))
	assert.False(t, IsPermanent(nil))
}

func TestBreakerTripsAfterConsecutiveTransportFailures(t *testing.T) {
	inner := NewMockBroker()
	inner.QueuePlaceError(
		&APIError{Status: 503, Body: "down"},
		&APIError{Status: 503, Body: "down"},
		&APIError{Status: 503, Body: "down"},
	)

	var transitions []gobreaker.State
	cb := NewCircuitBreakerBroker(inner, BreakerSettings{
		ConsecutiveFails: 3,
		OnStateChange:    func(_, to gobreaker.State) { transitions = append(transitions, to) },
	})

	ctx := context.Background()
	order := marketOrder("2885", models.SideBuy, 10)

	for i := 0; i < 3; i++ {
		_, err := cb.PlaceOrder(ctx, order)
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())
	require.Contains(t, transitions, gobreaker.StateOpen)

	// Calls short-circuit while open; the mock never sees them.
	_, err := cb.PlaceOrder(ctx, order)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.PlaceCalls())
}

func TestBreakerIgnoresRejections(t *testing.T) {
	inner := NewMockBroker()
	inner.QueuePlaceError(
		fmt.Errorf("%w: insufficient margin", ErrOrderRejected),
		fmt.Errorf("%w: insufficient margin", ErrOrderRejected),
		fmt.Errorf("%w: insufficient margin", ErrOrderRejected),
		fmt.Errorf("%w: insufficient margin", ErrOrderRejected),
	)
	cb := NewCircuitBreakerBroker(inner, BreakerSettings{ConsecutiveFails: 3})

	ctx := context.Background()
	order := marketOrder("2885", models.SideBuy, 10)
	for i := 0; i < 4; i++ {
		_, err := cb.PlaceOrder(ctx, order)
		require.ErrorIs(t, err, ErrOrderRejected)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	inner := NewMockBroker()
	inner.QueuePlaceError(
		&APIError{Status: 502, Body: "gateway"},
		&APIError{Status: 502, Body: "gateway"},
		nil, // third call succeeds
		&APIError{Status: 502, Body: "gateway"},
	)
	cb := NewCircuitBreakerBroker(inner, BreakerSettings{ConsecutiveFails: 3})

	ctx := context.Background()
	order := marketOrder("2885", models.SideBuy, 10)

	_, err := cb.PlaceOrder(ctx, order)
	require.Error(t, err)
	_, err = cb.PlaceOrder(ctx, order)
	require.Error(t, err)
	_, err = cb.PlaceOrder(ctx, order)
	require.NoError(t, err)
	_, err = cb.PlaceOrder(ctx, order)
	require.Error(t, err)

	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerPassesThroughAllMethods(t *testing.T) {
	inner := NewMockBroker()
	inner.FillPrice = 7.92
	inner.SetBalance(250_000)
	inner.SetPositions([]Position{{ScripCode: "2885", Qty: 100, AvgPrice: 7.92}})
	cb := NewCircuitBreakerBroker(inner, BreakerSettings{})

	ctx := context.Background()
	id, err := cb.PlaceOrder(ctx, marketOrder("2885", models.SideBuy, 100))
	require.NoError(t, err)

	status, err := cb.OrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, status.State)
	assert.Equal(t, 100, status.FilledQty)
	assert.InDelta(t, 7.92, status.AvgFillPrice, 1e-9)

	require.NoError(t, cb.ModifyOrder(ctx, id, marketOrder("2885", models.SideBuy, 50)))
	require.NoError(t, cb.CancelOrder(ctx, id))

	positions, err := cb.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	balance, err := cb.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 250_000, balance, 1e-9)
}

func TestStateFromWire(t *testing.T) {
	cases := map[string]OrderState{
		"PENDING":          StatePending,
		"placed":           StatePending,
		"OPEN":             StateOpen,
		"Accepted":         StateOpen,
		"PARTIALLY_FILLED": StatePartial,
		"partial":          StatePartial,
		"FILLED":           StateFilled,
		"Fully_Executed":   StateFilled,
		"COMPLETE":         StateFilled,
		"REJECTED":         StateRejected,
		"CANCELLED":        StateCancelled,
		"canceled":         StateCancelled,
		"EXPIRED":          StateCancelled,
		"???":              StatePending,
	}
	for wire, want := range cases {
		assert.Equal(t, want, stateFromWire(wire), "wire status %q", wire)
	}
}
