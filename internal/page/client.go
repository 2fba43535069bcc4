// Package page is the tab side of the agent bus: a page connects to the
// agent, follows its navigation requests and keeps the in-app notification
// list.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gioruanova/fasttrack-push/internal/broadcast"
	"github.com/gioruanova/fasttrack-push/internal/bus"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("page client closed")

// HandlerFunc handles an envelope from the agent.
type HandlerFunc func(ctx context.Context, env bus.Envelope)

// Options configures a page client.
type Options struct {
	// AgentURL is the agent's bus endpoint, e.g. ws://localhost:8090/ws.
	AgentURL string
	// PageURL is the page's current location.
	PageURL string
	// Center receives NOTIFICATION_SHOWN from both delivery paths.
	Center *Center
	// Channel is the broadcast fallback. Nil disables it.
	Channel broadcast.Channel
	// Navigate is called after the page moves to a new URL.
	Navigate func(ctx context.Context, url string)
	// Reload is called once when a new worker takes control.
	Reload func(ctx context.Context, version string)
	Logger *slog.Logger
}

// Client is one connected page.
type Client struct {
	id     string
	conn   *ws.Conn
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	unsubscribe func()

	mu       sync.Mutex
	url      string
	pings    map[int64]chan bus.Pong
	handlers map[bus.Type][]HandlerFunc
	reloaded bool
}

// Dial connects a page to the agent.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	target, err := url.Parse(opts.AgentURL)
	if err != nil {
		return nil, fmt.Errorf("parse agent url: %w", err)
	}
	q := target.Query()
	q.Set("url", opts.PageURL)
	target.RawQuery = q.Encode()

	conn, _, err := ws.Dial(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	c := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		done:     make(chan struct{}),
		url:      opts.PageURL,
		pings:    make(map[int64]chan bus.Pong),
		handlers: make(map[bus.Type][]HandlerFunc),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if opts.Channel != nil {
		c.unsubscribe = opts.Channel.Subscribe(c.onBroadcast)
	}
	go c.readLoop()
	return c, nil
}

// ID identifies this page on the broadcast channel.
func (c *Client) ID() string { return c.id }

// URL returns the page's current location.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Handle registers fn for envelopes of type t. Handlers run in
// registration order after the built-in handling.
func (c *Client) Handle(t bus.Type, fn HandlerFunc) {
	c.mu.Lock()
	c.handlers[t] = append(c.handlers[t], fn)
	c.mu.Unlock()
}

// Send writes one envelope to the agent.
func (c *Client) Send(ctx context.Context, env bus.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := bus.Encode(env)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, ws.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type(), err)
	}
	return nil
}

// Ping checks that the agent is alive and returns the round trip time.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ts := start.UnixNano()
	ch := make(chan bus.Pong, 1)
	c.mu.Lock()
	c.pings[ts] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pings, ts)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, bus.ClientPing{Timestamp: ts}); err != nil {
		return 0, err
	}
	select {
	case <-ch:
		return time.Since(start), nil
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, fmt.Errorf("ping agent: %w", ctx.Err())
	}
}

// SkipWaiting asks the agent to activate a waiting worker.
func (c *Client) SkipWaiting(ctx context.Context) error {
	return c.Send(ctx, bus.SkipWaiting{})
}

// ReportURL tells the agent where the page is and whether it has focus.
func (c *Client) ReportURL(ctx context.Context, u string, focused bool) error {
	c.mu.Lock()
	c.url = u
	c.mu.Unlock()
	return c.Send(ctx, bus.ClientURL{URL: u, Focused: focused})
}

// Close disconnects the page.
func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	select {
	case <-c.done:
		c.cancel()
		return nil
	default:
	}
	err := c.conn.Close(ws.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	if err != nil {
		return fmt.Errorf("close page client: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if ws.CloseStatus(err) != ws.StatusNormalClosure && c.ctx.Err() == nil {
				c.logger.Debug("agent connection ended", "error", err)
			}
			return
		}
		env, err := bus.Decode(data)
		if err != nil {
			c.logger.Debug("dropping malformed envelope", "error", err)
			continue
		}
		c.dispatch(c.ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env bus.Envelope) {
	switch e := env.(type) {
	case bus.Unknown:
		return
	case bus.Pong:
		c.mu.Lock()
		ch, ok := c.pings[e.Timestamp]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- e:
			default:
			}
		}
	case bus.NavigateTo:
		c.navigate(ctx, e.URL)
	case bus.ControllerChanged:
		c.mu.Lock()
		first := !c.reloaded
		c.reloaded = true
		c.mu.Unlock()
		if first && c.opts.Reload != nil {
			c.opts.Reload(ctx, e.Version)
		}
	case bus.NotificationShown:
		c.record(ctx, e)
		if e.Source == "" {
			c.republish(ctx, e)
		}
	}

	c.mu.Lock()
	handlers := append([]HandlerFunc(nil), c.handlers[env.Type()]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(ctx, env)
	}
}

func (c *Client) navigate(ctx context.Context, target string) {
	base, err := url.Parse(c.URL())
	if err != nil {
		c.logger.Warn("navigate", "url", target, "error", err)
		return
	}
	ref, err := url.Parse(target)
	if err != nil {
		c.logger.Warn("navigate", "url", target, "error", err)
		return
	}
	next := base.ResolveReference(ref).String()
	if err := c.ReportURL(ctx, next, true); err != nil {
		c.logger.Warn("report url", "url", next, "error", err)
	}
	if c.opts.Navigate != nil {
		c.opts.Navigate(ctx, next)
	}
}

func (c *Client) record(ctx context.Context, e bus.NotificationShown) {
	if c.opts.Center == nil {
		return
	}
	if _, err := c.opts.Center.Record(ctx, e.Data); err != nil {
		c.logger.Warn("record notification", "id", e.Data.ID, "error", err)
	}
}

// republish forwards a worker NOTIFICATION_SHOWN to the other pages.
func (c *Client) republish(ctx context.Context, e bus.NotificationShown) {
	if c.opts.Channel == nil {
		return
	}
	e.Source = c.id
	data, err := bus.Encode(e)
	if err != nil {
		return
	}
	if err := c.opts.Channel.Publish(ctx, data); err != nil {
		c.logger.Debug("broadcast notification", "error", err)
	}
}

func (c *Client) onBroadcast(data []byte) {
	env, err := bus.Decode(data)
	if err != nil {
		return
	}
	shown, ok := env.(bus.NotificationShown)
	if !ok || shown.Source == c.id {
		return
	}
	c.record(c.ctx, shown)
}
