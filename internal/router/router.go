// Package router sends a clicked notification to the right dashboard page.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/browser"

	"github.com/gioruanova/fasttrack-push/internal/bus"
	"github.com/gioruanova/fasttrack-push/internal/notify"
	"github.com/gioruanova/fasttrack-push/internal/pushevent"
	"github.com/gioruanova/fasttrack-push/internal/session"
)

// Clients is the set of open tabs.
type Clients interface {
	Clients() []bus.ClientInfo
	Send(id string, env bus.Envelope) error
}

// Opener opens a new window at an absolute URL.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// BrowserOpener opens windows with the desktop browser.
type BrowserOpener struct{}

func (BrowserOpener) Open(ctx context.Context, u string) error {
	if err := browser.OpenURL(u); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}

// LogOpener records the URLs it was asked to open.
type LogOpener struct {
	mu     sync.Mutex
	opened []string
	logger *slog.Logger
}

func NewLogOpener(logger *slog.Logger) *LogOpener {
	return &LogOpener{logger: logger}
}

func (o *LogOpener) Open(ctx context.Context, u string) error {
	o.mu.Lock()
	o.opened = append(o.opened, u)
	o.mu.Unlock()
	o.logger.Info("open window", "url", u)
	return nil
}

// Opened returns every URL opened so far.
func (o *LogOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// Click is a notification interaction.
type Click struct {
	Action string      `json:"action"`
	Tag    string      `json:"tag"`
	Data   notify.Data `json:"data"`
}

// Outcome describes what a click did.
type Outcome struct {
	Result   string `json:"result"`
	URL      string `json:"url,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

const (
	ResultDismissed = "dismissed"
	ResultNavigated = "navigated"
	ResultOpened    = "opened"
)

// Router routes notification clicks.
type Router struct {
	origin   string
	clients  Clients
	notifier notify.Notifier
	opener   Opener
	logger   *slog.Logger
}

// New creates a Router. origin is prefixed to paths opened in a new window.
func New(origin string, clients Clients, notifier notify.Notifier, opener Opener, logger *slog.Logger) *Router {
	return &Router{
		origin:   strings.TrimRight(origin, "/"),
		clients:  clients,
		notifier: notifier,
		opener:   opener,
		logger:   logger,
	}
}

// HandleClick closes the notification and, unless it was dismissed,
// navigates a dashboard tab to its target or opens a new window there.
func (r *Router) HandleClick(ctx context.Context, c Click) (Outcome, error) {
	tag := c.Tag
	if tag == "" {
		tag = pushevent.DefaultTag
	}
	if err := r.notifier.Close(ctx, tag); err != nil {
		r.logger.Warn("close notification", "tag", tag, "error", err)
	}
	if c.Action == pushevent.ActionClose {
		return Outcome{Result: ResultDismissed}, nil
	}

	open := r.clients.Clients()
	target := Resolve(c.Data.Path, open)

	if tab, ok := pickTab(open); ok {
		err := r.clients.Send(tab.ID, bus.NavigateTo{URL: target})
		if err == nil {
			r.clients.Send(tab.ID, bus.Focus{})
			r.logger.Info("notification click routed", "url", target, "client", tab.ID)
			return Outcome{Result: ResultNavigated, URL: target, ClientID: tab.ID}, nil
		}
		r.logger.Warn("navigate tab failed, opening window", "client", tab.ID, "error", err)
	}

	u := r.origin + target
	if err := r.opener.Open(ctx, u); err != nil {
		return Outcome{}, fmt.Errorf("open window: %w", err)
	}
	return Outcome{Result: ResultOpened, URL: u}, nil
}

// Resolve returns the route for a notification path. A role-prefixed path
// is used as is. Otherwise the path is placed under the home of the role
// recovered from the open tabs, or the generic home when none has one.
func Resolve(path string, clients []bus.ClientInfo) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path == session.GenericHome {
		return path
	}
	if _, ok := session.RoleFromPath(path); ok {
		return path
	}

	for _, c := range rank(clients) {
		if role, ok := session.RoleFromPath(clientPath(c)); ok {
			return session.HomePrefix(role) + path
		}
	}
	return session.GenericHome
}

// pickTab returns the tab to navigate: the preferred one showing a
// dashboard, else the preferred open tab.
func pickTab(clients []bus.ClientInfo) (bus.ClientInfo, bool) {
	ranked := rank(clients)
	for _, c := range ranked {
		p := clientPath(c)
		if p == session.GenericHome || strings.HasPrefix(p, session.GenericHome+"/") {
			return c, true
		}
	}
	if len(ranked) > 0 {
		return ranked[0], true
	}
	return bus.ClientInfo{}, false
}

// rank orders tabs by most recent focus, then registration order.
func rank(clients []bus.ClientInfo) []bus.ClientInfo {
	out := append([]bus.ClientInfo(nil), clients...)
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

func before(a, b bus.ClientInfo) bool {
	if !a.FocusedAt.Equal(b.FocusedAt) {
		return a.FocusedAt.After(b.FocusedAt)
	}
	return a.Seq < b.Seq
}

func clientPath(c bus.ClientInfo) string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Path
}
