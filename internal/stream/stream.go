package stream

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Broker fans accepted reconciler events out to connected SSE clients.
// Slow clients drop events rather than block the reconciler.
type Broker struct {
	mu      sync.Mutex
	clients map[chan message]struct{}
}

type message struct {
	event   string
	payload []byte
}

// NewBroker constructs a broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan message]struct{})}
}

// Broadcast sends one named event to every connected client.
func (b *Broker) Broadcast(event string, payload any) {
	if b == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.mu.Lock()
	clients := make([]chan message, 0, len(b.clients))
	for ch := range b.clients {
		clients = append(clients, ch)
	}
	b.mu.Unlock()
	for _, ch := range clients {
		select {
		case ch <- message{event: event, payload: raw}:
		default:
		}
	}
}

func (b *Broker) subscribe() chan message {
	ch := make(chan message, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan message) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Handler serves the live event stream over SSE.
type Handler struct {
	broker *Broker
}

// NewHandler constructs a stream handler.
func NewHandler(broker *Broker) *Handler {
	return &Handler{broker: broker}
}

// ServeHTTP handles GET /stream/events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.subscribe()
	defer h.broker.unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: " + msg.event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
