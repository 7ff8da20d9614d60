package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neonbrowser/neondl/internal/cleanup"
	"github.com/neonbrowser/neondl/internal/config"
	"github.com/neonbrowser/neondl/internal/eventbus"
	"github.com/neonbrowser/neondl/internal/http/rest"
	"github.com/neonbrowser/neondl/internal/ledger/sqlite"
	"github.com/neonbrowser/neondl/internal/logctx"
	"github.com/neonbrowser/neondl/internal/notifier"
	"github.com/neonbrowser/neondl/internal/telemetry"
	"github.com/neonbrowser/neondl/internal/transfer"
)

const serviceName = "neondl"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("neondl starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        true,
		ServiceName:    serviceName,
		ServiceVersion: "dev",
	})
	if err != nil {
		logger.Error("telemetry error", "err", err)

		return err
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	// =========================================================================
	// Start Ledger
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer store.Close()

	led := sqlite.NewInstrumented(store, tel)

	// =========================================================================
	// Start Event Bus + Transfer Engine
	bus := eventbus.New()

	engine := transfer.New(ctx, cfg, led, bus, tel, nil)
	instrumented := transfer.NewInstrumentedEngine(engine, tel)

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		notifier.Watch(ctx, bus, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	}

	// =========================================================================
	// Start retention sweep
	if cfg.PurgeEnabled() {
		cleanup.Run(ctx, led, time.Duration(cfg.PurgeAfterDays)*24*time.Hour, cfg.PurgeInterval)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, instrumented, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("neondl ready", "save_dir", cfg.SaveDir, "max_concurrent", cfg.MaxConcurrent, "throttle_bps", cfg.ThrottleBPS)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := instrumented.Shutdown(shutdownCtx, cfg.Web.ShutdownTimeout); err != nil {
			logger.Error("failed to gracefully shut down transfer engine", "err", err)
		}

		return nil
	}
}

// setupServer builds the control API's http.Server around the REST
// handler. Grounded on the teacher's setupServer: a chi-routed handler
// mounted at "/", bound with the Web.* timeouts, its BaseContext tied
// to the run-level ctx.
func setupServer(ctx context.Context, engine *transfer.InstrumentedEngine, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewHandler(engine, tel)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
