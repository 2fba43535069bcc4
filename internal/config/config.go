// Package config loads agent configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name, e.g. FASTTRACK_PORT.
const EnvPrefix = "FASTTRACK"

// Config holds everything the agent needs at startup.
type Config struct {
	Port      string `envconfig:"PORT" default:"8090"`
	PublicURL string `envconfig:"PUBLIC_URL" default:"http://localhost:8090" validate:"required,url"`
	DBPath    string `envconfig:"DB_PATH" default:"fasttrack-push.db" validate:"required"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	// OriginURL is the portal the offline proxy fronts.
	OriginURL string `envconfig:"ORIGIN_URL" required:"true" validate:"required,url"`
	// BackendURL is the REST service holding push subscriptions.
	BackendURL          string `envconfig:"BACKEND_URL" required:"true" validate:"required,url"`
	PrivilegedPartition string `envconfig:"PRIVILEGED_PARTITION" default:"/superadmin" validate:"startswith=/"`
	TenantPartition     string `envconfig:"TENANT_PARTITION" default:"/empresa" validate:"startswith=/"`

	Worker WorkerConfig

	NotificationPermission string `envconfig:"NOTIFICATION_PERMISSION" default:"prompt" validate:"oneof=granted denied prompt"`
	OpenBrowser            bool   `envconfig:"OPEN_BROWSER" default:"false"`
}

// WorkerConfig drives the lifecycle controller and the offline proxy.
type WorkerConfig struct {
	CacheVersion         string        `envconfig:"CACHE_VERSION" default:"v1" validate:"required"`
	CachePrefix          string        `envconfig:"CACHE_PREFIX" default:"fasttrack" validate:"required"`
	VersionURL           string        `envconfig:"VERSION_URL"`
	SeedPaths            []string      `envconfig:"SEED_PATHS" default:"/,/manifest.json,/icons/icon-192x192.png,/icons/icon-512x512.png"`
	APIPrefixes          []string      `envconfig:"API_PREFIXES" default:"/api/"`
	UpdateInterval       time.Duration `envconfig:"UPDATE_INTERVAL" default:"5m" validate:"gt=0"`
	SkipWaitingOnInstall bool          `envconfig:"SKIP_WAITING_ON_INSTALL" default:"true"`
	RuntimeCaching       bool          `envconfig:"RUNTIME_CACHING" default:"false"`
	ActivationPoll       time.Duration `envconfig:"ACTIVATION_POLL" default:"200ms" validate:"gt=0"`
	ActivationTimeout    time.Duration `envconfig:"ACTIVATION_TIMEOUT" default:"10s" validate:"gt=0"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and normalises URL values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	c.OriginURL = strings.TrimRight(c.OriginURL, "/")
	c.BackendURL = strings.TrimRight(c.BackendURL, "/")
	return nil
}

// Origin returns scheme://host of the public agent URL. It is the audience
// push senders must put in their VAPID claims.
func (c *Config) Origin() string {
	u, err := url.Parse(c.PublicURL)
	if err != nil {
		return c.PublicURL
	}
	return u.Scheme + "://" + u.Host
}

// CacheName is the name of the cache bearing the current version tag.
func (w WorkerConfig) CacheName() string {
	return w.CachePrefix + "-" + w.CacheVersion
}
