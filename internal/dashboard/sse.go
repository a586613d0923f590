package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// clientBuffer is the per-client event backlog. A client that falls this
	// far behind is disconnected rather than allowed to stall the engine.
	clientBuffer = 64

	heartbeatInterval = 15 * time.Second
)

type sseEvent struct {
	name string
	data []byte
}

// Hub fans engine events out to connected SSE clients. Broadcast never
// blocks: events are copied into per-client buffers and slow clients are
// dropped.
type Hub struct {
	log *logrus.Logger

	mu      sync.Mutex
	clients map[chan sseEvent]struct{}
	closed  bool
}

// NewHub returns an empty hub ready to accept clients.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[chan sseEvent]struct{}),
	}
}

// Broadcast implements publish.Broadcaster. The payload is marshalled once
// and offered to every client; a client whose buffer is full is cut loose so
// one stalled connection cannot back-pressure the publisher.
func (h *Hub) Broadcast(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Warn("dropping unmarshalable broadcast")
		return
	}

	ev := sseEvent{name: event, data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			delete(h.clients, ch)
			close(ch)
			h.log.WithField("event", event).Warn("dropped slow SSE client")
		}
	}
}

// ClientCount reports how many streams are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later broadcasts are discarded and later
// subscribers are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *Hub) subscribe() chan sseEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	ch := make(chan sseEvent, clientBuffer)
	h.clients[ch] = struct{}{}
	return ch
}

func (h *Hub) unsubscribe(ch chan sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// ServeHTTP streams hub events to one client until it disconnects, falls
// behind, or the hub closes. Heartbeat comments keep idle proxies from
// reaping the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := h.subscribe()
	if ch == nil {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
