package service

import (
	"sync"

	"github.com/dj-oyu/ipcam-stream/internal/lifecycle"
	"github.com/dj-oyu/ipcam-stream/internal/logger"
)

// eventHub fans lifecycle events out to subscribers. A slow subscriber
// misses events rather than blocking the publisher.
type eventHub struct {
	mu      sync.Mutex
	clients map[int]chan lifecycle.Event
	nextID  int
	closed  bool
	log     logger.Module
}

func newEventHub() *eventHub {
	return &eventHub{
		clients: make(map[int]chan lifecycle.Event),
		log:     logger.For("Events"),
	}
}

// subscribe adds a new client and returns its id and event channel.
func (h *eventHub) subscribe() (int, <-chan lifecycle.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan lifecycle.Event, 16)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch

	h.log.Debug("Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// unsubscribe removes a client and closes its channel.
func (h *eventHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		h.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

func (h *eventHub) publish(ev lifecycle.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.log.Debug("Client #%d too slow, dropped %s", id, ev.Type)
		}
	}
}

// close ends every subscription.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
