// Command pushtab connects one portal page to a running push agent and
// prints what it receives. It stands in for a browser tab.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/gioruanova/fasttrack-push/internal/broadcast"
	"github.com/gioruanova/fasttrack-push/internal/bus"
	"github.com/gioruanova/fasttrack-push/internal/database"
	"github.com/gioruanova/fasttrack-push/internal/logging"
	"github.com/gioruanova/fasttrack-push/internal/page"
	"github.com/gioruanova/fasttrack-push/internal/session"
	"github.com/gioruanova/fasttrack-push/internal/store"
)

type tabConfig struct {
	AgentURL         string `envconfig:"AGENT_URL" default:"ws://localhost:8090/ws"`
	PageURL          string `envconfig:"PAGE_URL" default:"http://localhost:3000/dashboard"`
	RedisURL         string `envconfig:"REDIS_URL"`
	BroadcastChannel string `envconfig:"BROADCAST_CHANNEL" default:"fasttrack-notifications"`
	DBPath           string `envconfig:"TAB_DB_PATH" default:":memory:"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`

	UserID        string `envconfig:"USER_ID"`
	Role          string `envconfig:"ROLE" default:"operador"`
	CompanyActive bool   `envconfig:"COMPANY_ACTIVE" default:"true"`
}

// loadConfig reads the tab's keys. The broadcast channel settings live
// here only; the agent never opens the channel.
func loadConfig() (tabConfig, error) {
	var cfg tabConfig
	if err := envconfig.Process("FASTTRACK", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func main() {
	skipWaiting := flag.Bool("skip-waiting", false, "ask the agent to activate a waiting worker, then exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, "text")

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sessions := session.NewStore()
	if cfg.UserID != "" {
		sessions.Set(session.Identity{UserID: cfg.UserID, Role: session.Role(cfg.Role), CompanyActive: cfg.CompanyActive})
	}
	center := page.NewCenter(store.NewNotificationStore(db), sessions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without Redis the fallback channel has no peers in another process.
	var memory *broadcast.Memory
	if cfg.RedisURL == "" {
		memory = broadcast.NewMemory()
	}
	channel := broadcast.Open(ctx, broadcast.Options{Name: cfg.BroadcastChannel, RedisURL: cfg.RedisURL, Memory: memory}, logger)
	defer channel.Close()

	client, err := page.Dial(ctx, page.Options{
		AgentURL: cfg.AgentURL,
		PageURL:  cfg.PageURL,
		Center:   center,
		Channel:  channel,
		Navigate: func(ctx context.Context, url string) { fmt.Printf("navigate %s\n", url) },
		Reload:   func(ctx context.Context, version string) { fmt.Printf("reload for worker %s\n", version) },
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to connect", "agent", cfg.AgentURL, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	rtt, err := client.Ping(ctx, 5*time.Second)
	if err != nil {
		logger.Error("agent did not answer ping", "error", err)
		os.Exit(1)
	}
	logger.Info("connected", "client", client.ID(), "page", cfg.PageURL, "rtt", rtt)

	if *skipWaiting {
		if err := client.SkipWaiting(ctx); err != nil {
			logger.Error("skip waiting", "error", err)
			os.Exit(1)
		}
		return
	}

	client.Handle(bus.TypePushReceived, func(ctx context.Context, env bus.Envelope) {
		fmt.Printf("push received %s\n", env.(bus.PushReceived).Data)
	})
	client.Handle(bus.TypeNotificationShown, func(ctx context.Context, env bus.Envelope) {
		n := env.(bus.NotificationShown).Data
		unread, _ := center.UnreadCount(ctx)
		fmt.Printf("notification %q: %s (%s) unread=%d\n", n.Title, n.Body, n.Path, unread)
	})
	client.Handle(bus.TypeNotificationError, func(ctx context.Context, env bus.Envelope) {
		fmt.Printf("notification error: %s\n", env.(bus.NotificationError).Error)
	})

	select {
	case <-ctx.Done():
	case <-client.Done():
		logger.Warn("agent closed the connection")
	}
}
