// Package agent wires the push and offline layer into one process: the
// worker host, the push endpoint, the page bus and the HTTP surface the
// portal talks to.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gioruanova/fasttrack-push/internal/bus"
	"github.com/gioruanova/fasttrack-push/internal/config"
	"github.com/gioruanova/fasttrack-push/internal/metrics"
	"github.com/gioruanova/fasttrack-push/internal/middleware"
	"github.com/gioruanova/fasttrack-push/internal/notify"
	"github.com/gioruanova/fasttrack-push/internal/pushevent"
	"github.com/gioruanova/fasttrack-push/internal/router"
	"github.com/gioruanova/fasttrack-push/internal/session"
	"github.com/gioruanova/fasttrack-push/internal/store"
	"github.com/gioruanova/fasttrack-push/internal/subscription"
	"github.com/gioruanova/fasttrack-push/internal/webpush"
	"github.com/gioruanova/fasttrack-push/internal/worker"
)

// Deps are the agent's collaborators. Only DB is required.
type Deps struct {
	DB       *sql.DB
	Notifier notify.Notifier
	Opener   router.Opener
	Registry *prometheus.Registry
	// Versions reports the deployed worker version. It defaults to the
	// version URL when configured, else the configured cache version.
	Versions   worker.VersionSource
	HTTPClient *http.Client
	Feedback   subscription.Feedback
}

// Agent is the notification subsystem.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	hub       *bus.Hub
	sessions  *session.Store
	container *worker.Container
	updater   *worker.Updater
	proxy     *worker.Proxy
	receiver  *webpush.Receiver
	pushes    *pushevent.Handler
	router    *router.Router
	subs      *subscription.Manager
	limiter   *middleware.RateLimiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Agent, error) {
	if deps.DB == nil {
		return nil, errors.New("new agent: nil database")
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	if deps.Notifier == nil {
		perm := notify.Permission(cfg.NotificationPermission)
		deps.Notifier = notify.NewLogNotifier(logger.With("component", "notifier"), perm, notify.PermissionGranted)
	}
	if deps.Opener == nil {
		if cfg.OpenBrowser {
			deps.Opener = router.BrowserOpener{}
		} else {
			deps.Opener = router.NewLogOpener(logger.With("component", "opener"))
		}
	}
	if deps.Versions == nil {
		if cfg.Worker.VersionURL != "" {
			deps.Versions = worker.HTTPVersion{URL: cfg.Worker.VersionURL, Client: deps.HTTPClient}
		} else {
			deps.Versions = worker.StaticVersion(cfg.Worker.CacheVersion)
		}
	}

	m := metrics.New(deps.Registry)
	hub := bus.NewHub(logger.With("component", "bus"), m)
	sessions := session.NewStore()
	caches := store.NewCacheStore(deps.DB)

	workerLogger := logger.With("component", "worker")
	container := worker.NewContainer(caches, worker.Options{
		CachePrefix:          cfg.Worker.CachePrefix,
		Origin:               cfg.OriginURL,
		SeedPaths:            cfg.Worker.SeedPaths,
		SkipWaitingOnInstall: cfg.Worker.SkipWaitingOnInstall,
		HTTPClient:           deps.HTTPClient,
	}, m, workerLogger)

	proxy, err := worker.NewProxy(container, caches, worker.ProxyOptions{
		Origin:         cfg.OriginURL,
		APIPrefixes:    cfg.Worker.APIPrefixes,
		RuntimeCaching: cfg.Worker.RuntimeCaching,
		HTTPClient:     deps.HTTPClient,
	}, m, logger.With("component", "proxy"))
	if err != nil {
		return nil, fmt.Errorf("new agent: %w", err)
	}

	receiver, err := webpush.NewReceiver(store.NewDeviceStore(deps.DB), cfg.PublicURL, logger.With("component", "push_endpoint"))
	if err != nil {
		return nil, fmt.Errorf("new agent: %w", err)
	}

	backend := subscription.NewBackend(subscription.BackendConfig{
		URL:                 cfg.BackendURL,
		PrivilegedPartition: cfg.PrivilegedPartition,
		TenantPartition:     cfg.TenantPartition,
	})
	subsLogger := logger.With("component", "subscription")
	if deps.Feedback == nil {
		deps.Feedback = subscription.LogFeedback{Logger: subsLogger}
	}
	subs := subscription.NewManager(
		subscription.Environment{Worker: container, Push: receiver, Notifier: deps.Notifier},
		backend, store.NewDecisionStore(deps.DB), sessions, deps.Feedback,
		subscription.Options{
			ActivationPoll:    cfg.Worker.ActivationPoll,
			ActivationTimeout: cfg.Worker.ActivationTimeout,
		}, subsLogger,
	)

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		registry:  deps.Registry,
		metrics:   m,
		hub:       hub,
		sessions:  sessions,
		container: container,
		updater:   worker.NewUpdater(container, deps.Versions, cfg.Worker.UpdateInterval, workerLogger),
		proxy:     proxy,
		receiver:  receiver,
		pushes:    pushevent.NewHandler(deps.Notifier, hub, m, logger.With("component", "push_event")),
		router:    router.New(cfg.OriginURL, hub, deps.Notifier, deps.Opener, logger.With("component", "router")),
		subs:      subs,
		limiter:   middleware.NewRateLimiter(60, time.Minute),
	}
	a.wire()
	return a, nil
}

// wire connects the bus and the worker lifecycle.
func (a *Agent) wire() {
	a.hub.Handle(bus.TypeSkipWaiting, func(ctx context.Context, from bus.ClientInfo, env bus.Envelope) {
		ok, err := a.container.SkipWaiting(ctx)
		if err != nil {
			a.logger.Error("skip waiting", "client", from.ID, "error", err)
			return
		}
		a.logger.Info("skip waiting requested", "client", from.ID, "activated", ok)
	})
	a.container.OnClaim(func(ctx context.Context, version string) {
		a.hub.Broadcast(bus.ControllerChanged{Version: version})
	})
	a.container.OnStatus(func(s worker.Status) {
		var attrs []any
		slot := func(name string, w *worker.Worker) {
			if w != nil {
				attrs = append(attrs, name, w.Version+"/"+string(w.State))
			}
		}
		slot("installing", s.Installing)
		slot("waiting", s.Waiting)
		slot("active", s.Active)
		a.logger.Debug("worker status", attrs...)
	})
}

// Start installs the configured worker version and starts the update loop.
// A failed install is logged; the proxy still forwards to the origin.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.New("agent already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	if err := a.container.Register(ctx, a.cfg.Worker.CacheVersion); err != nil {
		a.logger.Error("initial worker install failed", "version", a.cfg.Worker.CacheVersion, "error", err)
	}
	a.subs.CheckSubscription(ctx)
	a.updater.Start(ctx)

	a.running.Add(1)
	go func() {
		defer a.running.Done()
		a.limiter.Run(ctx)
	}()
	return nil
}

// Close stops background work and disconnects every page.
func (a *Agent) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	a.updater.Stop()
	if cancel != nil {
		cancel()
	}
	a.running.Wait()
	a.hub.Close()
	return nil
}

// Hub returns the page bus.
func (a *Agent) Hub() *bus.Hub { return a.hub }

// Sessions returns the identity store set through PUT /session.
func (a *Agent) Sessions() *session.Store { return a.sessions }

// Container returns the worker registration.
func (a *Agent) Container() *worker.Container { return a.container }

// Subscriptions returns the subscription manager.
func (a *Agent) Subscriptions() *subscription.Manager { return a.subs }

// originPatterns lists the hosts whose pages may join the bus.
func originPatterns(urls ...string) []string {
	var out []string
	for _, raw := range urls {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
