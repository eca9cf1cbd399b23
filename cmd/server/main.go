// Package main is the entrypoint for the ForecastQ API server. It serves the
// job queue API and runs the dispatcher worker pool in the same process.
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

	"github.com/avolkov/forecastq/internal/api"
	"github.com/avolkov/forecastq/internal/api/handler"
	mw "github.com/avolkov/forecastq/internal/api/middleware"
	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/internal/cache"
	"github.com/avolkov/forecastq/internal/config"
	"github.com/avolkov/forecastq/internal/engine"
	"github.com/avolkov/forecastq/internal/queue"
	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/internal/task"
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
	slog.Info("config loaded", "env", cfg.Server.Env, "max_workers", cfg.Queue.MaxWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store, engine client and estimator
	pgStore := store.NewPostgresStore(pool, cfg.Queue.LogCap)
	engineClient := engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.Timeout)
	estimator := queue.NewEstimator(pgStore, cfg.Queue.StatsWindow)

	// 6. Start the dispatcher worker pool
	dispatcher := queue.NewDispatcher(pgStore, queue.Config{
		MaxWorkers:     cfg.Queue.MaxWorkers,
		PollInterval:   cfg.Queue.PollInterval,
		MaxRetries:     cfg.Queue.MaxRetries,
		StaleThreshold: cfg.Queue.StaleThreshold,
		SweepInterval:  cfg.Queue.SweepInterval,
	},
		task.NewTrainingExecutor(engineClient),
		task.NewPredictionExecutor(engineClient),
		task.NewAnalysisExecutor(engineClient),
	)
	dispatcher.Start(ctx)

	// 7. Build router with dependencies
	rateLimit := mw.NewRateLimit(redisCache, cfg.Server.RequestsPerMinute)

	deps := api.Dependencies{
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache, engineClient),
		SubmitHandler: handler.NewSubmitHandler(pgStore, estimator),
		StatusHandler: handler.NewStatusHandler(pgStore, estimator, redisCache),
		LogsHandler:   handler.NewLogsHandler(pgStore),
		ListHandler:   handler.NewListHandler(pgStore, estimator),
		StatsHandler:  handler.NewStatsHandler(estimator),
		RetryHandler:  handler.NewRetryHandler(pgStore, redisCache, cfg.Queue.MaxRetries),
		CancelHandler: handler.NewCancelHandler(pgStore, redisCache),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
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

	// In-flight jobs finish their terminal transition before exit.
	dispatcher.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache and engine connectivity.
func healthHandler(s store.Store, c cache.Cache, e engine.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"engine":   "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := e.Ready(r.Context()); err != nil {
			checks["engine"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok" || checks["engine"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
