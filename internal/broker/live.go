package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
)

// LiveBroker talks to the real broker REST API. Sessions authenticate with
// client code, PIN and a TOTP derived from the shared secret; the access
// token is refreshed once on a 401 and the request replayed.
type LiveBroker struct {
	client *resty.Client
	cfg    config.BrokerConfig
	logger *logrus.Logger

	mu    sync.Mutex
	token string

	now func() time.Time
}

var _ Broker = (*LiveBroker)(nil)

// NewLiveBroker builds the REST adapter from config. It does not log in;
// the first call that needs a session does.
func NewLiveBroker(cfg config.BrokerConfig, logger *logrus.Logger) *LiveBroker {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey)

	return &LiveBroker{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// apiEnvelope is the common response wrapper on every endpoint.
type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *apiEnvelope) ok() bool { return e.Status == "success" }

type loginRequest struct {
	ClientCode string `json:"clientCode"`
	PIN        string `json:"pin"`
	TOTP       string `json:"totp"`
}

type loginData struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// login opens a fresh session and stores the access token.
func (l *LiveBroker) login(ctx context.Context) error {
	code, err := totpCode(l.cfg.TOTPSecret, l.now())
	if err != nil {
		return fmt.Errorf("totp: %w", err)
	}

	var env apiEnvelope
	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(loginRequest{ClientCode: l.cfg.ClientCode, PIN: l.cfg.PIN, TOTP: code}).
		SetResult(&env).
		Post("/auth/login")
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Body: strings.TrimSpace(string(resp.Body()))}
	}
	if !env.ok() {
		return fmt.Errorf("login refused: %s", env.Message)
	}

	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if data.AccessToken == "" {
		return fmt.Errorf("login response without token")
	}

	l.mu.Lock()
	l.token = data.AccessToken
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"event":      "broker_session_opened",
		"clientCode": l.cfg.ClientCode,
	}).Info("broker session opened")
	return nil
}

func (l *LiveBroker) sessionToken(ctx context.Context) (string, error) {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := l.login(ctx); err != nil {
		return "", err
	}
	l.mu.Lock()
	token = l.token
	l.mu.Unlock()
	return token, nil
}

// SessionToken returns a valid session token, logging in first if none is
// held. The order stream calls this on every (re)connect handshake.
func (l *LiveBroker) SessionToken(ctx context.Context) (string, error) {
	return l.sessionToken(ctx)
}

func (l *LiveBroker) dropToken() {
	l.mu.Lock()
	l.token = ""
	l.mu.Unlock()
}

// call runs one authenticated request, re-logging in once if the session
// token has expired. build must set method, path and body on the request.
func (l *LiveBroker) call(ctx context.Context, build func(r *resty.Request) (*resty.Response, error)) (*apiEnvelope, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := l.sessionToken(ctx)
		if err != nil {
			return nil, err
		}

		var env apiEnvelope
		req := l.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetResult(&env)
		resp, err := build(req)
		if err != nil {
			return nil, fmt.Errorf("broker request: %w", err)
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			l.logger.WithField("event", "broker_session_expired").Info("session expired, re-authenticating")
			l.dropToken()
			continue
		}
		if resp.IsError() {
			return nil, &APIError{Status: resp.StatusCode(), Body: strings.TrimSpace(string(resp.Body()))}
		}
		return &env, nil
	}
	return nil, fmt.Errorf("broker session could not be refreshed")
}

// orderRequest is the wire form of every order variant.
type orderRequest struct {
	ScripCode     string  `json:"scripCode"`
	Exchange      string  `json:"exchange"`
	ExchangeType  string  `json:"exchangeType"`
	Side          string  `json:"side"`
	Qty           int     `json:"qty"`
	OrderType     string  `json:"orderType"`
	LimitPrice    float64 `json:"limitPrice,omitempty"`
	TriggerPrice  float64 `json:"triggerPrice,omitempty"`
	ClientOrderID string  `json:"clientOrderId,omitempty"`
	Intraday      bool    `json:"intraday"`
}

func encodeOrder(order models.Order) (orderRequest, error) {
	base := order.Base()
	req := orderRequest{
		ScripCode:     base.Instrument.ScripCode,
		Exchange:      base.Instrument.Exchange,
		ExchangeType:  base.Instrument.ExchangeType,
		Side:          string(base.Side),
		Qty:           base.Qty,
		ClientOrderID: base.ClientID,
		Intraday:      true,
	}
	switch o := order.(type) {
	case models.MarketOrder:
		req.OrderType = "MARKET"
	case models.LimitOrder:
		req.OrderType = "LIMIT"
		req.LimitPrice = o.LimitPrice
	case models.StopLimitOrder:
		req.OrderType = "STOP_LIMIT"
		req.LimitPrice = o.LimitPrice
		req.TriggerPrice = o.TriggerPrice
	default:
		return orderRequest{}, fmt.Errorf("unsupported order type %T", order)
	}
	return req, nil
}

type placeOrderData struct {
	OrderID string `json:"orderId"`
}

// PlaceOrder submits the order and returns the broker order ID.
func (l *LiveBroker) PlaceOrder(ctx context.Context, order models.Order) (string, error) {
	body, err := encodeOrder(order)
	if err != nil {
		return "", err
	}

	env, err := l.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Post("/orders")
	})
	if err != nil {
		return "", err
	}
	if !env.ok() {
		return "", fmt.Errorf("%w: %s", ErrOrderRejected, env.Message)
	}

	var data placeOrderData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("order accepted without id")
	}

	l.logger.WithFields(logrus.Fields{
		"event":     "order_placed",
		"orderId":   data.OrderID,
		"scripCode": body.ScripCode,
		"side":      body.Side,
		"qty":       body.Qty,
		"orderType": body.OrderType,
	}).Info("order placed")
	return data.OrderID, nil
}

// ModifyOrder replaces price or quantity on a resting order.
func (l *LiveBroker) ModifyOrder(ctx context.Context, orderID string, order models.Order) error {
	body, err := encodeOrder(order)
	if err != nil {
		return err
	}

	env, err := l.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Put("/orders/" + orderID)
	})
	if err != nil {
		return err
	}
	if !env.ok() {
		return fmt.Errorf("%w: %s", ErrOrderRejected, env.Message)
	}
	return nil
}

// CancelOrder withdraws a resting order.
func (l *LiveBroker) CancelOrder(ctx context.Context, orderID string) error {
	env, err := l.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Delete("/orders/" + orderID)
	})
	if err != nil {
		return err
	}
	if !env.ok() {
		return fmt.Errorf("cancel refused: %s", env.Message)
	}
	return nil
}

type orderStatusData struct {
	OrderID   string  `json:"orderId"`
	Status    string  `json:"status"`
	FilledQty int     `json:"filledQty"`
	TotalQty  int     `json:"totalQty"`
	AvgPrice  float64 `json:"avgPrice"`
	Reason    string  `json:"reason"`
	UpdatedAt int64   `json:"updatedAt"`
}

// OrderStatus fetches the current state of an order.
func (l *LiveBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	env, err := l.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/orders/" + orderID)
	})
	if err != nil {
		return OrderStatus{}, err
	}
	if !env.ok() {
		return OrderStatus{}, fmt.Errorf("order status refused: %s", env.Message)
	}

	var data orderStatusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return OrderStatus{}, fmt.Errorf("decode order status: %w", err)
	}

	status := OrderStatus{
		OrderID:      data.OrderID,
		State:        stateFromWire(data.Status),
		FilledQty:    data.FilledQty,
		PendingQty:   data.TotalQty - data.FilledQty,
		AvgFillPrice: data.AvgPrice,
		Message:      data.Reason,
	}
	if status.PendingQty < 0 {
		status.PendingQty = 0
	}
	if data.UpdatedAt > 0 {
		status.UpdatedAt = time.Unix(0, data.UpdatedAt*int64(time.Millisecond))
	}
	return status, nil
}

// stateFromWire normalizes broker status strings.
func stateFromWire(s string) OrderState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "PLACED", "TRANSIT":
		return StatePending
	case "OPEN", "ACCEPTED", "WORKING":
		return StateOpen
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatePartial
	case "FILLED", "FULLY_EXECUTED", "COMPLETE":
		return StateFilled
	case "REJECTED":
		return StateRejected
	case "CANCELLED", "CANCELED", "EXPIRED":
		return StateCancelled
	default:
		return StatePending
	}
}

type positionData struct {
	ScripCode string  `json:"scripCode"`
	Exchange  string  `json:"exchange"`
	NetQty    int     `json:"netQty"`
	AvgPrice  float64 `json:"avgPrice"`
	LastRate  float64 `json:"lastRate"`
}

// Positions lists net open positions.
func (l *LiveBroker) Positions(ctx context.Context) ([]Position, error) {
	env, err := l.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/positions")
	})
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, fmt.Errorf("positions refused: %s", env.Message)
	}

	var data []positionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]Position, 0, len(data))
	for _, p := range data {
		out = append(out, Position{
			ScripCode: p.ScripCode,
			Exchange:  p.Exchange,
			Qty:       p.NetQty,
			AvgPrice:  p.AvgPrice,
			LastPrice: p.LastRate,
		})
	}
	return out, nil
}

type marginData struct {
	AvailableMargin float64 `json:"availableMargin"`
}

// Balance returns available margin.
func (l *LiveBroker) Balance(ctx context.Context) (float64, error) {
	env, err := l.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/margin")
	})
	if err != nil {
		return 0, err
	}
	if !env.ok() {
		return 0, fmt.Errorf("margin refused: %s", env.Message)
	}

	var data marginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, fmt.Errorf("decode margin: %w", err)
	}
	return data.AvailableMargin, nil
}

// totpCode derives the 6-digit RFC 6238 code for the secret at time t with
// the standard 30-second step.
func totpCode(secret string, t time.Time) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(normalized, "="))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(t.Unix()/30))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1_000_000), nil
}
