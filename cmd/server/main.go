// Package main is the entrypoint for the SnapGate API server.
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

	"github.com/go-playground/validator/v10"
	"github.com/snapgate/snapgate/internal/api"
	"github.com/snapgate/snapgate/internal/api/handler"
	mw "github.com/snapgate/snapgate/internal/api/middleware"
	"github.com/snapgate/snapgate/internal/api/response"
	"github.com/snapgate/snapgate/internal/auth"
	"github.com/snapgate/snapgate/internal/cache"
	"github.com/snapgate/snapgate/internal/capture"
	"github.com/snapgate/snapgate/internal/config"
	"github.com/snapgate/snapgate/internal/credential"
	"github.com/snapgate/snapgate/internal/meter"
	"github.com/snapgate/snapgate/internal/ratelimit"
	"github.com/snapgate/snapgate/internal/store"
	"github.com/snapgate/snapgate/internal/webhook"
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
	slog.Info("config loaded", "env", cfg.Server.Env)

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

	// 4. Create Redis-backed counter cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Build the admission pipeline
	pgStore := store.NewPostgresStore(pool)
	creds := credential.NewService(pgStore, cfg.Auth.KeyPepper)
	counter := ratelimit.NewAdapter(redisCache, cfg.Redis.Timeout)
	limiter := ratelimit.NewLimiter(counter)
	authenticator := auth.NewAuthenticator(creds, limiter, pgStore)

	usage := meter.New(pgStore, cfg.Meter.QueueSize)
	defer usage.Close()

	dispatcher := webhook.NewDispatcher(cfg.Webhook.Workers, cfg.Webhook.QueueSize,
		cfg.Webhook.Timeout, cfg.Webhook.RetryDelay)
	defer dispatcher.Close()

	renderer := capture.NewHTTPRenderer(cfg.Renderer.BaseURL, cfg.Renderer.Timeout)

	// Periodically probe the shared counter store so degraded mode heals
	// only through an explicit reconnect.
	go reconnectLoop(ctx, counter)

	// 6. Build router with dependencies
	validate := validator.New()

	deps := api.Dependencies{
		Admission: mw.NewAdmission(authenticator),

		HealthHandler:    healthHandler(pgStore, redisCache),
		CaptureHandler:   handler.NewCaptureHandler(renderer, usage, dispatcher, pgStore, validate),
		CreateKeyHandler: handler.NewCreateKeyHandler(creds, validate),
		ListKeysHandler:  handler.NewListKeysHandler(creds),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(creds),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
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

	slog.Info("server stopped gracefully")
	return nil
}

// reconnectLoop re-probes the counter store while the adapter is degraded.
func reconnectLoop(ctx context.Context, counter *ratelimit.Adapter) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if counter.Degraded() {
				_ = counter.Reconnect(ctx)
			}
		}
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
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
