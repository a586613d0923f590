package dashboard

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDeliversBroadcasts(t *testing.T) {
	srv, _, _ := newTestServer(t, "hush")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/api/stream?token=hush")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return srv.hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	srv.hub.Broadcast("trade_exit", map[string]any{"tradeId": "trade-1", "pnl": 30.0})

	var event, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, "trade_exit", event)
	assert.Contains(t, data, `"tradeId":"trade-1"`)

	resp.Body.Close()
	require.Eventually(t, func() bool { return srv.hub.ClientCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestStreamRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "hush")

	rec := do(t, srv.Handler(), http.MethodGet, "/api/stream", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(testLogger())
	ch := h.subscribe()
	require.NotNil(t, ch)

	for i := 0; i < clientBuffer; i++ {
		h.Broadcast("tick", i)
	}
	assert.Equal(t, 1, h.ClientCount(), "full buffer alone does not drop")

	h.Broadcast("tick", clientBuffer)
	assert.Equal(t, 0, h.ClientCount(), "overflow drops the laggard")

	drained := 0
	for range ch {
		drained++
	}
	assert.Equal(t, clientBuffer, drained, "buffered events stay readable, overflow is lost")
}

func TestHubBroadcastFansOut(t *testing.T) {
	h := NewHub(testLogger())
	a := h.subscribe()
	b := h.subscribe()
	require.Equal(t, 2, h.ClientCount())

	h.Broadcast("portfolio_update", map[string]int{"openPositions": 1})

	for _, ch := range []chan sseEvent{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, "portfolio_update", ev.name)
			assert.Contains(t, string(ev.data), `"openPositions":1`)
		default:
			t.Fatal("client missed the broadcast")
		}
	}

	h.unsubscribe(a)
	h.unsubscribe(b)
	assert.Equal(t, 0, h.ClientCount())
}

func TestHubBroadcastSkipsUnmarshalable(t *testing.T) {
	h := NewHub(testLogger())
	ch := h.subscribe()

	h.Broadcast("bad", func() {})

	assert.Zero(t, len(ch))
	assert.Equal(t, 1, h.ClientCount())
	h.unsubscribe(ch)
}

func TestShutdownDisconnectsStreamClients(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ch := srv.hub.subscribe()
	require.NotNil(t, ch)

	require.NoError(t, srv.Shutdown(context.Background()))

	_, open := <-ch
	assert.False(t, open, "close ends every client channel")
	assert.Nil(t, srv.hub.subscribe(), "closed hub refuses new clients")

	rec := do(t, srv.Handler(), http.MethodGet, "/api/stream", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.hub.Broadcast("tick", 1)
}
