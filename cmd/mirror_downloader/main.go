package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/italolelis/mirror_downloader/internal/cleanup"
	"github.com/italolelis/mirror_downloader/internal/config"
	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/http/rest"
	"github.com/italolelis/mirror_downloader/internal/logctx"
	"github.com/italolelis/mirror_downloader/internal/notifier"
	"github.com/italolelis/mirror_downloader/internal/planner"
	"github.com/italolelis/mirror_downloader/internal/scheduler"
	"github.com/italolelis/mirror_downloader/internal/storage"
	"github.com/italolelis/mirror_downloader/internal/storage/sqlite"
	"github.com/italolelis/mirror_downloader/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	if !cfg.Enabled {
		slog.Info("mirror downloader is disabled, nothing to do")

		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("mirror downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg, os.Args[1:]); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "mirror_downloader",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Scheduler
	fs := afero.NewOsFs()
	dest := fetch.NewDestination(fs)

	router := fetch.NewRouter(dest, fetch.RouterOptions{
		UserAgent: cfg.UserAgent,
		SFTP: fetch.SFTPOptions{
			KnownHostsPath: cfg.KnownHostsPath,
			KeyPath:        cfg.SSHKeyPath,
		},
	})

	sched, err := scheduler.New(cfg.Limits(), fetch.NewInstrumentedFetcher(router, tel),
		scheduler.WithTelemetry(tel),
		scheduler.WithVerifier(dest),
		scheduler.WithOutcomeHook(trackOutcome(history, storage.GenerateInstanceID())),
	)
	if err != nil {
		return fmt.Errorf("failed to setup scheduler: %w", err)
	}

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Client: &http.Client{Timeout: 10 * time.Second}}
	}

	if len(args) > 0 {
		return runBatch(ctx, sched, notif, fs, cfg, args[0])
	}

	return serve(ctx, sched, notif, history, fs, cfg, tel)
}

// trackOutcome stores every settled request in the download history.
func trackOutcome(history storage.DownloadWriteRepository, instanceID string) scheduler.OutcomeHook {
	return func(ctx context.Context, batchID string, o scheduler.Outcome) {
		if err := history.TrackDownload(ctx, storage.NewRecord(batchID, instanceID, o)); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to track download", "path", o.Request.Destination, "err", err)
		}
	}
}

// runBatch downloads every file listed in name and prints a summary.
func runBatch(ctx context.Context, sched *scheduler.Scheduler, notif notifier.Notifier, fs afero.Fs, cfg *config.Config, name string) error {
	logger := logctx.LoggerFromContext(ctx)

	reqs, err := planner.Load(fs, name, cfg.TargetDir, cfg.ServersPerRepo)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", name, err)
	}

	logger.Info("starting batch", "source", name, "requests", len(reqs), "target_dir", cfg.TargetDir)

	batch, err := sched.Submit(ctx, reqs)
	if err != nil && batch == nil {
		return err
	}

	for _, o := range batch.Results() {
		if !o.Succeeded() {
			fmt.Printf("FAILED %s: %v\n", o.Request.Destination, o.Err)
		}
	}

	sum := batch.Summary()

	fmt.Printf("Downloaded %d of %d files (%d already present), %s.\n",
		sum.Succeeded+sum.Skipped, sum.Total, sum.Skipped, humanize.Bytes(uint64(sum.Bytes)))
	fmt.Printf("Elapsed time is: %.1f seconds.\n", sum.Elapsed.Seconds())

	if notif != nil {
		if notifyErr := notifier.NotifyBatch(context.WithoutCancel(ctx), notif, batch); notifyErr != nil {
			logger.Error("failed to send notification", "batch_id", batch.ID, "err", notifyErr)
		}
	}

	if err != nil {
		return err
	}

	if sum.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", sum.Failed, sum.Total)
	}

	return nil
}

// serve runs the HTTP API and the periodic cleanup until ctx is done.
func serve(ctx context.Context, sched *scheduler.Scheduler, notif notifier.Notifier, history storage.DownloadRepository, fs afero.Fs, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Cleanup
	cleaner := cleanup.NewCleaner(fs, cfg.TargetDir, history, cfg.KeepHistoryFor, cfg.CleanupInterval)
	go cleaner.Run(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, sched, notif, history, cfg, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for batches...",
		"target_dir", cfg.TargetDir,
		"max_threads", cfg.MaxThreads,
		"threads_per_server", cfg.ThreadsPerServer,
		"servers_per_repo", cfg.ServersPerRepo,
		"retention", cfg.KeepHistoryFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := <-serverErrors; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, sched *scheduler.Scheduler, notif notifier.Notifier, history storage.DownloadReadRepository, cfg *config.Config, tel *telemetry.Telemetry) *http.Server {
	var opts []rest.HandlerOption
	if notif != nil {
		opts = append(opts, rest.WithNotifier(notif))
	}

	handler := rest.NewBatchHandler(sched, history, cfg.TargetDir, cfg.ServersPerRepo, opts...)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
