// Package bus carries typed envelopes between the worker and the page
// contexts connected to it.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/metrics"
)

// ErrUnknownClient is returned by Send for a client that is not connected.
var ErrUnknownClient = errors.New("unknown client")

// HandlerFunc handles an envelope received from a page.
type HandlerFunc func(ctx context.Context, from ClientInfo, env Envelope)

// ClientInfo is a snapshot of a connected page.
type ClientInfo struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	FocusedAt time.Time `json:"focused_at,omitzero"`
	Seq       uint64    `json:"-"`
}

// Hub maintains the set of connected pages, delivers envelopes to them and
// dispatches the envelopes they send.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	seq      uint64
	handlers map[Type][]HandlerFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		handlers: make(map[Type][]HandlerFunc),
		metrics:  m,
		logger:   logger,
	}
}

// Handle registers fn for envelopes of type t. Handlers for the same type
// run in registration order.
func (h *Hub) Handle(t Type, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[t] = append(h.handlers[t], fn)
	h.mu.Unlock()
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.seq++
	c.seq = h.seq
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetBusClients(n)
	h.logger.Debug("client connected", "client", c.id, "url", c.URL())
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetBusClients(n)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()

	h.metrics.SetBusClients(0)
}

// Broadcast sends env to all connected clients.
func (h *Hub) Broadcast(env Envelope) {
	data, err := Encode(env)
	if err != nil {
		h.logger.Error("encode broadcast", "type", env.Type(), "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		h.enqueue(c, env.Type(), data)
	}
}

// Send delivers env to the client with the given id.
func (h *Hub) Send(id string, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	h.enqueue(c, env.Type(), data)
	return nil
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *Client, t Type, data []byte) {
	select {
	case c.send <- data:
	default:
		// Buffer full; dropping keeps one slow tab from stalling the rest.
		h.metrics.IncBusDropped()
		h.logger.Warn("client buffer full, dropping envelope", "client", c.id, "type", t)
	}
}

// Clients returns the connected pages in registration order.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.Info())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch runs the built-in handling for env, then every registered
// handler for its type.
func (h *Hub) dispatch(ctx context.Context, c *Client, env Envelope) {
	switch e := env.(type) {
	case ClientPing:
		if err := h.Send(c.id, Pong{Timestamp: e.Timestamp}); err != nil {
			h.logger.Debug("pong not delivered", "client", c.id, "error", err)
		}
	case ClientURL:
		c.setURL(e.URL, e.Focused)
	case Unknown:
		h.logger.Debug("ignoring envelope", "client", c.id, "type", e.RawType)
		return
	}

	h.mu.RLock()
	handlers := h.handlers[env.Type()]
	h.mu.RUnlock()

	from := c.Info()
	for _, fn := range handlers {
		fn(ctx, from, env)
	}
}
