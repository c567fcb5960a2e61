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

	"github.com/bookhoundapp/bookhound/internal/config"
	"github.com/bookhoundapp/bookhound/internal/http/rest"
	"github.com/bookhoundapp/bookhound/internal/logctx"
	"github.com/bookhoundapp/bookhound/internal/notifier"
	"github.com/bookhoundapp/bookhound/internal/orchestrator"
	"github.com/bookhoundapp/bookhound/internal/queue/sabnzbd"
	"github.com/bookhoundapp/bookhound/internal/source/annas"
	"github.com/bookhoundapp/bookhound/internal/source/prowlarr"
	"github.com/bookhoundapp/bookhound/internal/storage/sqlite"
	"github.com/bookhoundapp/bookhound/internal/telemetry"
)

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

	slog.Info("bookhound starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && err != context.Canceled {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	requests := sqlite.NewRequestRepository(database)
	stats := sqlite.NewStatsRepository(database)

	// =========================================================================
	// Start Source Clients
	market := annas.NewClient(
		cfg.MarketplaceMirrors(),
		cfg.Marketplace.FastDownloadKey,
		cfg.Marketplace.SearchTimeout,
		cfg.Marketplace.DownloadTimeout,
	)

	agg := prowlarr.NewClient(cfg.Prowlarr.BaseURL, cfg.Prowlarr.APIKey, cfg.Prowlarr.SearchLimit)

	queue := sabnzbd.NewClient(cfg.Sabnzbd.BaseURL, cfg.Sabnzbd.APIKey, cfg.Sabnzbd.Category, cfg.Sabnzbd.Priority)

	if cfg.Sabnzbd.BaseURL != "" {
		version, err := queue.Version(ctx)
		if err != nil {
			logger.Warn("queue downloader unreachable at startup", "err", err)
		} else {
			logger.Info("queue downloader connected", "version", version)
		}
	}

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	// =========================================================================
	// Start Orchestrator
	orch := orchestrator.New(requests, downloads, stats, market, agg, queue, notif, tel, orchestrator.Config{
		DownloadDir:    cfg.DownloadDir,
		DailyLimit:     cfg.DailyDownloadLimit,
		AutoSelect:     cfg.AutoSelect,
		FormatOrder:    cfg.FormatOrder(),
		MinMatchScore:  float64(cfg.MinMatchScore),
		BookCategories: cfg.BookCategoryCodes(),
	})
	orch.Start(ctx)

	// =========================================================================
	// Start Reconciliation Poller
	poller := orchestrator.NewPoller(downloads, requests, stats, queue, notif, tel,
		cfg.Poller.StartupDelay, cfg.Poller.Interval)
	poller.Run(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	handler := rest.NewHandler(orch, downloads, queue, cfg.Sabnzbd.Category, tel)

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for download requests...",
		"download_dir", cfg.DownloadDir,
		"daily_limit", cfg.DailyDownloadLimit,
		"poll_interval", cfg.Poller.Interval.String(),
	)

	// =========================================================================
	// Wait for shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}
