// Package main is the entrypoint for the 照妖镜 analysis API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronpan007/zhaoyaojing/internal/ai"
	"github.com/aaronpan007/zhaoyaojing/internal/api"
	"github.com/aaronpan007/zhaoyaojing/internal/api/handler"
	"github.com/aaronpan007/zhaoyaojing/internal/api/response"
	"github.com/aaronpan007/zhaoyaojing/internal/config"
	"github.com/aaronpan007/zhaoyaojing/internal/pipeline"
	"github.com/aaronpan007/zhaoyaojing/internal/rag"
	"github.com/aaronpan007/zhaoyaojing/internal/store"
	"github.com/aaronpan007/zhaoyaojing/internal/transcribe"
	"github.com/aaronpan007/zhaoyaojing/internal/upload"
	"github.com/aaronpan007/zhaoyaojing/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"store_backend", cfg.Store.Backend,
		"ai_provider", cfg.AI.Provider,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Create the task store for the configured backend
	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		rs, err := store.NewRedisStore(cfg.Store.RedisURL, cfg.Store.Retention)
		if err != nil {
			return fmt.Errorf("create redis store: %w", err)
		}
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis store connected")
		st = rs
	case "postgres":
		pool, err := store.Connect(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := store.RunMigrations(cfg.Store.DatabaseURL, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database connected, migrations applied")
		st = store.NewPostgresStore(pool)
	default:
		st = store.NewMemoryStore()
		slog.Info("using in-memory task store")
	}

	// 3. Expire finished tasks in the background
	go store.StartSweeper(ctx, st, cfg.Store.SweepInterval, cfg.Store.Retention, slog.Default())

	// 4. Prepare the upload directory
	saver, err := upload.NewSaver(cfg.Upload.Dir, cfg.Upload.MaxBytes)
	if err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	// 5. Create AI provider
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	// 6. Collaborator clients: transcription and knowledge retrieval
	transcriber := transcribe.NewHTTPClient(
		cfg.Transcribe.BaseURL, cfg.Transcribe.APIToken, cfg.Transcribe.Version, cfg.Transcribe.Timeout)
	ragClient := rag.NewHTTPClient(cfg.RAG.BaseURL, cfg.RAG.Timeout)

	// 7. Analysis pipeline and worker pool
	pipe := pipeline.New(st, aiProvider, transcriber, ragClient, pipeline.Options{
		AITimeout:         cfg.AI.Timeout,
		TranscribeTimeout: cfg.Transcribe.Timeout,
		RAGTimeout:        cfg.RAG.Timeout,
		RAGTopK:           cfg.RAG.TopK,
	}, slog.Default())

	pool := worker.NewPool(pipe, cfg.Worker.Count, cfg.Worker.QueueSize, slog.Default())
	pool.Start()

	// 8. Build router with dependencies
	deps := api.Dependencies{
		ReportHandler:    handler.NewReportHandler(st, pool, saver),
		StatusHandler:    handler.NewStatusHandler(st),
		RAGStatusHandler: handler.NewRAGStatusHandler(ragClient),
		HealthHandler:    healthHandler(st, ragClient, aiProvider.Name(), cfg.Transcribe.APIToken != ""),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Finish queued analyses before the store goes away
	pool.Stop()

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler reports connectivity of the task store and collaborator
// services. The store is the only hard dependency: collaborator outages leave
// the API serving degraded reports, so they never fail the probe.
func healthHandler(s store.Store, ragc handler.RAGStatusClient, providerName string, transcribeConfigured bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store":      "ok",
			"rag":        "ok",
			"transcribe": "configured",
			"ai":         providerName,
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if _, err := ragc.Status(r.Context()); err != nil {
			checks["rag"] = "degraded"
		}
		if !transcribeConfigured {
			checks["transcribe"] = "not_configured"
		}

		if checks["store"] != "ok" {
			response.JSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":   "degraded",
				"services": checks,
			})
			return
		}

		response.OK(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
