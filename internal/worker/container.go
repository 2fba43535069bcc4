package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/metrics"
	"github.com/gioruanova/fasttrack-push/internal/store"
)

// maxSeedSize caps a single seeded asset.
const maxSeedSize = 10 << 20

// Worker is one versioned worker.
type Worker struct {
	Version   string    `json:"version"`
	CacheName string    `json:"cache_name"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
}

func (w *Worker) apply(e Event) error {
	next, err := Transition(w.State, e)
	if err != nil {
		return err
	}
	w.State = next
	w.Since = time.Now()
	return nil
}

// advance applies e to w and logs a rejected transition. It is for steps
// whose failure must not abort the surrounding operation.
func (c *Container) advance(w *Worker, e Event) bool {
	if err := w.apply(e); err != nil {
		c.logger.Error("worker state transition", "version", w.Version, "event", e, "error", err)
		return false
	}
	return true
}

// Status is a snapshot of the registration's worker slots.
type Status struct {
	Installing *Worker `json:"installing,omitempty"`
	Waiting    *Worker `json:"waiting,omitempty"`
	Active     *Worker `json:"active,omitempty"`
}

// StatusCallback is called whenever a worker changes state.
type StatusCallback func(Status)

// ClaimFunc takes control of the open pages for the given version.
type ClaimFunc func(ctx context.Context, version string)

// Options configures a Container.
type Options struct {
	CachePrefix string
	// Origin is the base URL seed paths are fetched from.
	Origin    string
	SeedPaths []string
	// SkipWaitingOnInstall activates a new worker as soon as it is
	// installed instead of waiting for SkipWaiting.
	SkipWaitingOnInstall bool
	HTTPClient           *http.Client
}

// Container is the worker registration: at most one installing, one
// waiting and one active worker.
type Container struct {
	opts   Options
	caches *store.CacheStore
	client *http.Client

	// lifecycle serialises install, activate and update.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	callback   StatusCallback
	claim      ClaimFunc

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewContainer(caches *store.CacheStore, opts Options, m *metrics.Metrics, logger *slog.Logger) *Container {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	opts.Origin = strings.TrimRight(opts.Origin, "/")
	return &Container{
		opts:    opts,
		caches:  caches,
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

// OnStatus sets the callback for state changes.
func (c *Container) OnStatus(cb StatusCallback) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
}

// OnClaim sets the function run when a worker takes control.
func (c *Container) OnClaim(fn ClaimFunc) {
	c.mu.Lock()
	c.claim = fn
	c.mu.Unlock()
}

// CacheName returns the cache name for version.
func (c *Container) CacheName(version string) string {
	return c.opts.CachePrefix + "-" + version
}

// Status returns a copy of the worker slots.
func (c *Container) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot()
}

// snapshot must be called with c.mu held.
func (c *Container) snapshot() Status {
	cp := func(w *Worker) *Worker {
		if w == nil {
			return nil
		}
		v := *w
		return &v
	}
	return Status{Installing: cp(c.installing), Waiting: cp(c.waiting), Active: cp(c.active)}
}

// Active returns the worker in control once it is activated.
func (c *Container) Active() (Worker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil || c.active.State != StateActivated {
		return Worker{}, false
	}
	return *c.active, true
}

// notify must be called with c.mu held.
func (c *Container) notify() {
	if c.callback != nil {
		c.callback(c.snapshot())
	}
}

// Register installs a worker for version. Registering the version that is
// already active or waiting is a no-op.
func (c *Container) Register(ctx context.Context, version string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.register(ctx, version)
}

func (c *Container) register(ctx context.Context, version string) error {
	if version == "" {
		return errors.New("register worker: empty version")
	}

	c.mu.Lock()
	if (c.active != nil && c.active.Version == version) || (c.waiting != nil && c.waiting.Version == version) {
		c.mu.Unlock()
		return nil
	}
	w := &Worker{Version: version, CacheName: c.CacheName(version), State: StateParsed}
	if err := w.apply(EventInstall); err != nil {
		c.mu.Unlock()
		return err
	}
	c.installing = w
	c.notify()
	c.mu.Unlock()

	c.logger.Info("installing worker", "version", version, "cache", w.CacheName)
	installErr := c.install(ctx, w)

	c.mu.Lock()
	c.installing = nil
	if installErr != nil {
		c.advance(w, EventInstallFailed)
		c.notify()
		c.mu.Unlock()
		c.logger.Error("worker install failed", "version", version, "error", installErr)
		if _, err := c.caches.Delete(ctx, w.CacheName); err != nil {
			c.logger.Warn("drop failed install cache", "cache", w.CacheName, "error", err)
		}
		return fmt.Errorf("install worker %s: %w", version, installErr)
	}

	if err := w.apply(EventInstalled); err != nil {
		c.notify()
		c.mu.Unlock()
		return fmt.Errorf("install worker %s: %w", version, err)
	}
	if c.waiting != nil {
		c.advance(c.waiting, EventReplaced)
	}
	c.waiting = w
	activate := c.active == nil || c.opts.SkipWaitingOnInstall
	c.notify()
	c.mu.Unlock()

	if !activate {
		c.logger.Info("worker waiting", "version", version)
		return nil
	}
	return c.activateWaiting(ctx)
}

// install opens the version's cache and seeds it. Any failing seed fails
// the install.
func (c *Container) install(ctx context.Context, w *Worker) error {
	if err := c.caches.Open(ctx, w.CacheName); err != nil {
		return err
	}
	for _, path := range c.opts.SeedPaths {
		resp, err := c.fetchSeed(ctx, path)
		if err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
		if err := c.caches.Put(ctx, w.CacheName, RequestKey(http.MethodGet, path), resp); err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
	}
	return nil
}

func (c *Container) fetchSeed(ctx context.Context, path string) (*store.CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.Origin+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSeedSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &store.CachedResponse{Status: resp.StatusCode, Header: cacheableHeader(resp.Header), Body: body}, nil
}

// SkipWaiting activates the waiting worker. It reports whether there was
// one.
func (c *Container) SkipWaiting(ctx context.Context) (bool, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	waiting := c.waiting != nil
	c.mu.RUnlock()
	if !waiting {
		return false, nil
	}
	return true, c.activateWaiting(ctx)
}

// activateWaiting promotes the waiting worker, purges every other cache and
// claims the open pages. Must be called with c.lifecycle held.
func (c *Container) activateWaiting(ctx context.Context) error {
	c.mu.Lock()
	w := c.waiting
	if w == nil {
		c.mu.Unlock()
		return nil
	}
	if err := w.apply(EventActivate); err != nil {
		c.mu.Unlock()
		return err
	}
	c.waiting = nil
	prev := c.active
	if prev != nil {
		c.advance(prev, EventReplaced)
	}
	c.active = w
	c.notify()
	c.mu.Unlock()

	if err := c.purge(ctx, w.CacheName); err != nil {
		// The worker still activates; stale caches are retried on the next
		// activation.
		c.logger.Error("purge stale caches", "version", w.Version, "error", err)
	}

	c.mu.Lock()
	c.advance(w, EventActivated)
	claim := c.claim
	c.notify()
	c.mu.Unlock()

	c.metrics.SetActiveVersion(w.Version)
	c.logger.Info("worker activated", "version", w.Version)
	if claim != nil {
		claim(ctx, w.Version)
	}
	return nil
}

// purge deletes every cache whose name is not current.
func (c *Container) purge(ctx context.Context, current string) error {
	names, err := c.caches.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == current {
			continue
		}
		if _, err := c.caches.Delete(ctx, name); err != nil {
			return err
		}
		c.logger.Info("deleted stale cache", "cache", name)
	}
	return nil
}

// Update registers a worker for the version reported by src when it
// differs from every known worker. It reports whether a new worker was
// registered.
func (c *Container) Update(ctx context.Context, src VersionSource) (bool, error) {
	version, err := src.Version(ctx)
	if err != nil {
		return false, fmt.Errorf("check for update: %w", err)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	known := (c.active != nil && c.active.Version == version) ||
		(c.waiting != nil && c.waiting.Version == version)
	c.mu.RUnlock()
	if known || version == "" {
		return false, nil
	}

	c.logger.Info("update found", "version", version)
	if err := c.register(ctx, version); err != nil {
		return false, err
	}
	return true, nil
}

// WaitActivated blocks until a worker is activated, polling every poll.
func (c *Container) WaitActivated(ctx context.Context, poll time.Duration) (Worker, error) {
	if w, ok := c.Active(); ok {
		return w, nil
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Worker{}, ctx.Err()
		case <-ticker.C:
			if w, ok := c.Active(); ok {
				return w, nil
			}
		}
	}
}

// hopHeaders are not stored with cached responses.
var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Set-Cookie", "Content-Length"}

func cacheableHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

// RequestKey identifies a cached request: method, path and query.
func RequestKey(method, target string) string {
	return method + " " + target
}
