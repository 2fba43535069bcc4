package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/gioruanova/fasttrack-push/internal/agent"
	"github.com/gioruanova/fasttrack-push/internal/config"
	"github.com/gioruanova/fasttrack-push/internal/database"
	"github.com/gioruanova/fasttrack-push/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg, agent.Deps{DB: db}, logger)
	if err != nil {
		logger.Error("failed to build agent", "error", err)
		db.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start agent", "error", err)
		db.Close()
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Websocket connections stay open; their writes carry their own
		// deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("push agent starting", "addr", httpServer.Addr, "public_url", cfg.PublicURL, "origin", cfg.OriginURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = multierr.Combine(
		httpServer.Shutdown(shutdownCtx),
		a.Close(),
		db.Close(),
	)
	if err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
