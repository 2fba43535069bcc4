package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// VersionSource reports the worker version currently deployed.
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// StaticVersion is a VersionSource that never changes.
type StaticVersion string

func (v StaticVersion) Version(context.Context) (string, error) {
	return string(v), nil
}

// HTTPVersion reads the deployed version from a URL. The body is either
// {"version": "..."} or the bare version text.
type HTTPVersion struct {
	URL    string
	Client *http.Client
}

func (h HTTPVersion) Version(ctx context.Context) (string, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create version request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if err != nil {
		return "", fmt.Errorf("read version: %w", err)
	}

	var doc struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Version != "" {
		return doc.Version, nil
	}
	return strings.TrimSpace(string(body)), nil
}

// Updater periodically checks for a new worker version.
type Updater struct {
	mu        sync.Mutex
	container *Container
	source    VersionSource
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewUpdater(c *Container, src VersionSource, interval time.Duration, logger *slog.Logger) *Updater {
	return &Updater{
		container: c,
		source:    src,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins the update loop. No-op if already running.
func (u *Updater) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		return
	}
	ctx, u.cancel = context.WithCancel(ctx)
	u.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.Check(ctx)
			}
		}
	}(u.done)

	u.logger.Info("update checks started", "interval", u.interval)
}

// Check runs one update check.
func (u *Updater) Check(ctx context.Context) bool {
	updated, err := u.container.Update(ctx, u.source)
	if err != nil {
		u.logger.Warn("update check failed", "error", err)
		return false
	}
	return updated
}

// Stop stops the update loop and waits for it to exit.
func (u *Updater) Stop() {
	u.mu.Lock()
	cancel, done := u.cancel, u.done
	u.cancel, u.done = nil, nil
	u.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
