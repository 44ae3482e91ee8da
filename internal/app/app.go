// Package app wires the store, reasoning service, queues and HTTP server
// into a runnable docagent server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/docagent/internal/agent"
	"github.com/raphaelgruber/docagent/internal/config"
	"github.com/raphaelgruber/docagent/internal/db"
	"github.com/raphaelgruber/docagent/internal/ingest"
	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/server"
	"github.com/raphaelgruber/docagent/internal/store"
)

// Options adjust startup.
type Options struct {
	// Wipe deletes all persisted state before recovery. Testing only.
	Wipe bool
	// Generator replaces the configured LLM provider when set.
	Generator llm.Generator
}

// App holds all long-lived components.
type App struct {
	store   store.Store
	ingest  *ingest.Queue
	agents  *agent.Manager
	hub     *server.Hub
	metrics *metrics.Collector
	server  *server.Server
	logger  *slog.Logger
}

// New creates every component, recovers interrupted work and starts the
// ingestion workers.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Create metrics collector for runtime statistics
	mc := metrics.NewCollector()

	st, err := openStore(ctx, cfg, logger, opts.Wipe)
	if err != nil {
		return nil, err
	}

	gen := opts.Generator
	if gen == nil {
		model, err := llm.NewModel(ctx, cfg, mc)
		if err != nil {
			st.Close(ctx)
			return nil, err
		}
		gen = model
	}

	hub := server.NewHub()

	proc, err := ingest.NewTextProcessor(filepath.Join(cfg.DataDir, "text"), gen)
	if err != nil {
		st.Close(ctx)
		return nil, err
	}
	queue := ingest.New(st, ingest.Config{
		Workers:   cfg.IngestWorkers,
		Processor: proc,
		Dates:     ingest.NewLLMDateInferrer(gen),
		Notifier:  hub,
		Metrics:   mc,
	})

	agents := agent.NewManager(st, gen, agent.Config{
		MemoryMaxLength: cfg.MemoryMaxLength,
		MemoryStrategy:  cfg.MemoryStrategy,
		Notifier:        hub,
		Metrics:         mc,
	})

	a := &App{
		store:   st,
		ingest:  queue,
		agents:  agents,
		hub:     hub,
		metrics: mc,
		logger:  logger,
	}

	// Resume work left over from the previous server run
	readmitted, err := queue.Start(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("start ingestion: %w", err)
	}
	if readmitted > 0 {
		logger.Info("re-admitted documents from previous run", "count", readmitted)
	}
	if err := agents.Recover(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("recover agent runs: %w", err)
	}

	a.server = server.New(server.Config{
		Ingest:    queue,
		Agents:    agents,
		Hub:       hub,
		Metrics:   mc,
		UploadDir: filepath.Join(cfg.DataDir, "uploads"),
		Logger:    logger,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, wipe bool) (store.Store, error) {
	switch cfg.Store {
	case config.StoreFile:
		dir := filepath.Join(cfg.DataDir, "state")
		if wipe {
			logger.Warn("wiping all data", "dir", cfg.DataDir)
			for _, sub := range []string{"state", "text", "uploads"} {
				if err := os.RemoveAll(filepath.Join(cfg.DataDir, sub)); err != nil {
					return nil, fmt.Errorf("wipe %s: %w", sub, err)
				}
			}
		}
		return store.NewFileStore(dir)

	case config.StoreSurrealDB:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close(ctx)
			return nil, err
		}
		if wipe {
			if err := client.WipeData(ctx); err != nil {
				client.Close(ctx)
				return nil, err
			}
		}
		if counts, err := client.CountRecords(ctx); err == nil {
			logger.Info("surrealdb store opened",
				"documents", counts["document_task"], "runs", counts["agent_run"], "index_entries", counts["index_entry"])
		}
		return db.NewStore(client), nil

	default:
		return nil, fmt.Errorf("unsupported store: %s", cfg.Store)
	}
}

// Handler returns the HTTP handler with request logging.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Close stops the queues and closes the store. In-flight documents are
// requeued for the next start.
func (a *App) Close(ctx context.Context) error {
	a.hub.Close()
	a.ingest.Close()
	a.agents.Close()
	return a.store.Close(ctx)
}
