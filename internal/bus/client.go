package bus

import (
	"context"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client represents a single page connection.
type Client struct {
	id   string
	seq  uint64
	hub  *Hub
	conn *ws.Conn
	send chan []byte

	mu        sync.Mutex
	url       string
	focusedAt time.Time
}

// NewClient creates a Client tied to the given hub and connection. url is
// the page location reported at connect time.
func NewClient(hub *Hub, conn *ws.Conn, url string) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		url:  url,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{ID: c.id, URL: c.url, FocusedAt: c.focusedAt, Seq: c.seq}
}

func (c *Client) setURL(url string, focused bool) {
	c.mu.Lock()
	if url != "" {
		c.url = url
	}
	if focused {
		c.focusedAt = time.Now()
	}
	c.mu.Unlock()
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		c.writePump(ctx)
		cancel()
	}()
	c.readPump(ctx)
}

// readPump decodes incoming envelopes and dispatches them in arrival
// order. It returns on error (connection close), which triggers cleanup.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := Decode(data)
		if err != nil {
			c.hub.logger.Debug("dropping malformed envelope", "client", c.id, "error", err)
			continue
		}
		c.hub.dispatch(ctx, c, env)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the channel; connection is done
				c.conn.Close(ws.StatusGoingAway, "")
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
