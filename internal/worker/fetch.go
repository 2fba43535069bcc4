package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/metrics"
	"github.com/gioruanova/fasttrack-push/internal/store"
)

// CacheHeader marks a response served from the offline cache.
const CacheHeader = "X-Fasttrack-Cache"

// maxRuntimeCacheSize caps a response stored by runtime caching.
const maxRuntimeCacheSize = 5 << 20

// ProxyOptions configures the offline proxy.
type ProxyOptions struct {
	Origin string
	// APIPrefixes are never served from or written to the cache.
	APIPrefixes []string
	// RuntimeCaching stores successful network responses for intercepted
	// requests in the active cache.
	RuntimeCaching bool
	HTTPClient     *http.Client
}

// Proxy fronts the origin. Same-origin, non-API GETs go network first and
// fall back to the active worker's cache; everything else is forwarded
// untouched.
type Proxy struct {
	origin    *url.URL
	opts      ProxyOptions
	container *Container
	caches    *store.CacheStore
	client    *http.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewProxy(c *Container, caches *store.CacheStore, opts ProxyOptions, m *metrics.Metrics, logger *slog.Logger) (*Proxy, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin %q is not absolute", opts.Origin)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if opts.HTTPClient != nil {
		cp := *opts.HTTPClient
		client = &cp
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Proxy{
		origin:    origin,
		opts:      opts,
		container: c,
		caches:    caches,
		client:    client,
		metrics:   m,
		logger:    logger,
	}, nil
}

// SameOrigin reports whether r targets the proxied origin. Origin-form
// requests always do; absolute-form requests must name the origin.
func (p *Proxy) SameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, p.origin.Scheme) && strings.EqualFold(r.URL.Host, p.origin.Host)
}

// Intercepts reports whether r is served network first with cache fallback.
func (p *Proxy) Intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet || !p.SameOrigin(r) {
		return false
	}
	for _, prefix := range p.opts.APIPrefixes {
		if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			return false
		}
	}
	return true
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.SameOrigin(r) {
		p.metrics.IncFetch("rejected")
		http.Error(w, "cross-origin requests are not proxied", http.StatusMisdirectedRequest)
		return
	}
	if !p.Intercepts(r) {
		p.passthrough(w, r)
		return
	}
	p.networkFirst(w, r)
}

func (p *Proxy) passthrough(w http.ResponseWriter, r *http.Request) {
	resp, err := p.forward(r)
	if err != nil {
		p.metrics.IncFetch("passthrough_error")
		p.logger.Warn("origin unreachable", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.metrics.IncFetch("passthrough")
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *Proxy) networkFirst(w http.ResponseWriter, r *http.Request) {
	key := RequestKey(http.MethodGet, r.URL.RequestURI())

	resp, err := p.forward(r)
	if err == nil {
		defer resp.Body.Close()
		p.metrics.IncFetch("network")
		if p.opts.RuntimeCaching && resp.StatusCode == http.StatusOK {
			p.serveAndStore(w, r, key, resp)
			return
		}
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	p.logger.Debug("network failed, trying cache", "path", r.URL.Path, "error", err)
	cached, ok := p.match(r, key)
	if !ok {
		p.metrics.IncFetch("offline")
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	p.metrics.IncFetch("cache")
	copyHeader(w.Header(), cached.Header)
	w.Header().Set(CacheHeader, "hit")
	w.WriteHeader(cached.Status)
	w.Write(cached.Body)
}

// match looks key up in the active cache. Navigations with no entry of
// their own get the cached root document.
func (p *Proxy) match(r *http.Request, key string) (*store.CachedResponse, bool) {
	active, ok := p.container.Active()
	if !ok {
		return nil, false
	}
	cached, err := p.caches.Match(r.Context(), active.CacheName, key)
	if errors.Is(err, store.ErrNotFound) && acceptsHTML(r) {
		cached, err = p.caches.Match(r.Context(), active.CacheName, RequestKey(http.MethodGet, "/"))
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("cache match", "cache", active.CacheName, "key", key, "error", err)
		}
		return nil, false
	}
	return cached, true
}

func (p *Proxy) serveAndStore(w http.ResponseWriter, r *http.Request, key string, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRuntimeCacheSize+1))
	if err != nil {
		http.Error(w, "origin read failed", http.StatusBadGateway)
		return
	}

	if len(body) <= maxRuntimeCacheSize {
		if active, ok := p.container.Active(); ok {
			entry := &store.CachedResponse{Status: resp.StatusCode, Header: cacheableHeader(resp.Header), Body: body}
			if err := p.caches.Put(r.Context(), active.CacheName, key, entry); err != nil {
				p.logger.Warn("runtime cache put", "key", key, "error", err)
			}
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, bytes.NewReader(body))
}

func (p *Proxy) forward(r *http.Request) (*http.Response, error) {
	target := *p.origin
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyHeader(out.Header, r.Header)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	return p.client.Do(out)
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te", "Trailer":
		return true
	}
	return false
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
