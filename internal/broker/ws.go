package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsPingInterval     = 30 * time.Second
	wsReadTimeout      = 75 * time.Second // ~2 missed pings triggers reconnect
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsUpdateBuffer     = 128
)

// OrderUpdate is a push notification about an order from the broker stream.
type OrderUpdate struct {
	OrderID   string     `json:"orderId"`
	State     OrderState `json:"state"`
	FilledQty int        `json:"filledQty"`
	AvgPrice  float64    `json:"avgPrice"`
	Message   string     `json:"message,omitempty"`
}

// OrderStream maintains the broker's order-status WebSocket. Updates arrive
// on a buffered channel; full buffers drop the update, the poll loop catches
// anything dropped. Reconnects with exponential backoff (1s doubling to 30s).
type OrderStream struct {
	url    string
	token  func(ctx context.Context) (string, error)
	logger *logrus.Logger

	conn    *websocket.Conn
	connMu  sync.Mutex
	updates chan OrderUpdate

	dialer *websocket.Dialer
}

// NewOrderStream builds the stream. token supplies the current session token
// for the auth handshake on every (re)connect.
func NewOrderStream(url string, token func(ctx context.Context) (string, error), logger *logrus.Logger) *OrderStream {
	return &OrderStream{
		url:     url,
		token:   token,
		logger:  logger,
		updates: make(chan OrderUpdate, wsUpdateBuffer),
		dialer:  websocket.DefaultDialer,
	}
}

// Updates returns the read-only update channel.
func (s *OrderStream) Updates() <-chan OrderUpdate { return s.updates }

// Run connects and maintains the stream until ctx is cancelled.
func (s *OrderStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		s.logger.WithFields(logrus.Fields{
			"event":   "order_stream_disconnected",
			"error":   fmt.Sprint(err),
			"backoff": backoff.String(),
		}).Warn("order stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close tears down the current connection.
func (s *OrderStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

type wsAuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (s *OrderStream) connectAndRead(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	token, err := s.token(ctx)
	if err != nil {
		return fmt.Errorf("session token: %w", err)
	}
	if err := s.writeJSON(wsAuthMsg{Type: "auth", Token: token}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	s.logger.WithField("event", "order_stream_connected").Info("order stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatch(msg)
	}
}

func (s *OrderStream) dispatch(data []byte) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.WithField("event", "order_stream_bad_frame").Debug("ignoring non-json frame")
		return
	}

	switch envelope.Type {
	case "order_update":
		var raw struct {
			OrderID   string  `json:"orderId"`
			Status    string  `json:"status"`
			FilledQty int     `json:"filledQty"`
			AvgPrice  float64 `json:"avgPrice"`
			Reason    string  `json:"reason"`
		}
		if err := json.Unmarshal(envelope.Data, &raw); err != nil {
			s.logger.WithFields(logrus.Fields{
				"event": "order_stream_decode_failed",
				"error": err.Error(),
			}).Error("order update decode failed")
			return
		}
		update := OrderUpdate{
			OrderID:   raw.OrderID,
			State:     stateFromWire(raw.Status),
			FilledQty: raw.FilledQty,
			AvgPrice:  raw.AvgPrice,
			Message:   raw.Reason,
		}
		select {
		case s.updates <- update:
		default:
			s.logger.WithFields(logrus.Fields{
				"event":   "order_stream_dropped",
				"orderId": update.OrderID,
			}).Warn("update channel full, dropping; poll loop will recover")
		}

	case "auth_ok", "heartbeat":
		// Keep-alive traffic.

	default:
		s.logger.WithFields(logrus.Fields{
			"event": "order_stream_unknown_frame",
			"type":  envelope.Type,
		}).Debug("unknown frame type")
	}
}

func (s *OrderStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.WithFields(logrus.Fields{
					"event": "order_stream_ping_failed",
					"error": err.Error(),
				}).Warn("ping failed")
				return
			}
		}
	}
}

func (s *OrderStream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *OrderStream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(msgType, data)
}
