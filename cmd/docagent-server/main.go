// Package main provides the HTTP server for docagent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/docagent/internal/app"
	"github.com/raphaelgruber/docagent/internal/config"
)

func main() {
	// Parse flags
	wipe := flag.Bool("wipe", false, "wipe all data on startup (testing only)")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Initialize logging
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	slog.Info("starting docagent-server", "port", cfg.ServerPort, "store", cfg.Store, "llm", cfg.LLMProvider)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, logger, app.Options{
		Wipe: *wipe || os.Getenv("DOCAGENT_WIPE") == "true",
	})
	cancel()
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			slog.Error("failed to close", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     a.Handler(),
		ReadTimeout: 30 * time.Second, // Uploads carry document content
		// No WriteTimeout: the event stream is long-lived
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("API available", "url", fmt.Sprintf("http://localhost:%s/", cfg.ServerPort))
		slog.Info("event stream available", "url", fmt.Sprintf("ws://localhost:%s/events", cfg.ServerPort))

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}
