package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberwake/relay/internal/app"
	"github.com/emberwake/relay/internal/bus"
	"github.com/emberwake/relay/internal/config"
	"github.com/emberwake/relay/internal/database"
	"github.com/emberwake/relay/internal/logging"
	"github.com/emberwake/relay/internal/router"
	"github.com/emberwake/relay/internal/sentry"
	"github.com/emberwake/relay/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("relay stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// Initialize structured logging (reads LOGGING_LEVEL env var)
	logger := logging.Initialize()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return logging.WrapError(err, "load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Error reporting and tracing are both opt-in
	sentryEnabled, err := sentry.Init(cfg.SentryDSN, cfg.SentryEnvironment, version)
	if err != nil {
		return logging.WrapError(err, "init sentry")
	}
	if sentryEnabled {
		defer sentry.Flush(2 * time.Second)
	}
	shutdownTracing, err := telemetry.Setup(ctx, "relay", version, cfg.OTelEndpoint)
	if err != nil {
		return logging.WrapError(err, "init tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	// Initialize database
	sqlDB, err := database.New(cfg.DatabasePath)
	if err != nil {
		return logging.WrapError(err, "connect to database")
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(sqlDB); err != nil {
		return logging.WrapError(err, "run migrations")
	}

	var opts []app.Option
	if sentryEnabled {
		opts = append(opts, app.WithBusOptions(bus.WithReporter(sentry.NewReporter(nil))))
	}
	a, err := app.New(cfg, sqlDB, logger, opts...)
	if err != nil {
		return logging.WrapError(err, "build relay")
	}
	if err := a.Start(ctx); err != nil {
		return logging.WrapError(err, "start relay")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))

		// Close client connections first so their handlers return before
		// the server waits on them.
		a.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
