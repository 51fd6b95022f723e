package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/cinestream/backend/internal/catalog"
	"github.com/onnwee/cinestream/backend/internal/config"
	"github.com/onnwee/cinestream/backend/internal/errorreporting"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/secrets"
	"github.com/onnwee/cinestream/backend/internal/server"
	"github.com/onnwee/cinestream/backend/internal/tracing"
)

const (
	shutdownTimeout = 15 * time.Second
	maxPreload      = 50
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (falling back to system env)")
	}

	// Load configuration
	cfg := config.Load()

	// Initialize structured logging
	logger.Init(cfg.LogLevel, cfg.Environment)
	logger.Info("Initializing server", "version", cfg.SentryRelease, "log_level", cfg.LogLevel, "env", cfg.Environment)

	if err := secrets.ValidateRequired("CATALOG_API_KEY"); err != nil {
		logger.Error("Missing required configuration", "error", err)
		log.Fatal(err)
	}

	// Initialize error reporting
	if err := errorreporting.Init(errorreporting.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     cfg.SentryRelease,
	}); err != nil {
		logger.Warn("Failed to initialize error reporting", "error", err)
	} else if errorreporting.IsSentryEnabled() {
		logger.Info("Error reporting initialized", "environment", cfg.SentryEnvironment)
		defer func() {
			logger.Info("Flushing error reports...")
			errorreporting.Flush(2 * time.Second)
		}()
	}

	// Initialize tracing
	shutdownTracing, err := tracing.Init(tracing.Options{
		ServiceName: "cinestream-api",
		Version:     cfg.SentryRelease,
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		SampleRate:  cfg.OTELSampleRate,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing", "error", err)
	} else if cfg.OTELEnabled {
		logger.Info("Tracing initialized", "endpoint", cfg.OTELEndpoint, "sample_rate", cfg.OTELSampleRate)
		defer func() {
			logger.Info("Shutting down tracer...")
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("Failed to shutdown tracer", "error", err)
			}
		}()
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		logger.Error("Failed to build server", "error", err)
		log.Fatalf("Failed to build server: %v", err)
	}

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("Failed to start background workers", "error", err)
		log.Fatalf("Failed to start background workers: %v", err)
	}
	defer srv.Stop()

	if cfg.PreloadTrending {
		go preloadTrending(ctx, srv.Catalog)
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
			errorreporting.CaptureError(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown did not complete", "error", err)
	}
	logger.Info("Shutting down server")
}

// preloadTrending warms details for this week's trending movies.
func preloadTrending(ctx context.Context, c *catalog.Client) {
	page, err := c.Trending(ctx, "movie", "week")
	if err != nil {
		logger.Warn("Trending preload skipped", "error", err)
		return
	}
	ids := make([]int, 0, maxPreload)
	for _, item := range page.Results {
		if len(ids) == maxPreload {
			break
		}
		ids = append(ids, item.ID)
	}
	warmed := c.PreloadMovies(ctx, ids)
	logger.Info("Trending preload finished", "requested", len(ids), "warmed", warmed)
}
