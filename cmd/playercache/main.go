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

	"github.com/go-chi/chi/v5"
	"github.com/xibo-players/xiboplayer-sub005/internal/cache"
	"github.com/xibo-players/xiboplayer-sub005/internal/config"
	"github.com/xibo-players/xiboplayer-sub005/internal/fetch"
	"github.com/xibo-players/xiboplayer-sub005/internal/http/rest"
	"github.com/xibo-players/xiboplayer-sub005/internal/logctx"
	"github.com/xibo-players/xiboplayer-sub005/internal/orchestrator"
	"github.com/xibo-players/xiboplayer-sub005/internal/queue"
	badgerstore "github.com/xibo-players/xiboplayer-sub005/internal/store/badger"
	"github.com/xibo-players/xiboplayer-sub005/internal/storage/sqlite"
	"github.com/xibo-players/xiboplayer-sub005/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("player content cache starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer tel.Shutdown(ctx)

	// =========================================================================
	// Start Ledger Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	ledger := sqlite.NewInstrumentedLedgerRepository(database, tel)

	// =========================================================================
	// Start Chunk Store
	chunkStore, err := badgerstore.New(badgerstore.Config{Dir: cfg.StoreDir})
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}
	defer chunkStore.Close()

	// =========================================================================
	// Start Materialization Cache and Download Pipeline
	materialization := cache.New(cfg.CacheBudget)
	fetcher := fetch.NewClient(cfg.FetchTimeout, cfg.FetchRetries)

	q := queue.New(cfg.MaxConcurrent)
	q.Start(ctx)

	orc := orchestrator.New(chunkStore, q, ledger, fetcher, tel, orchestrator.Options{
		ChunkThreshold:    cfg.ChunkThreshold,
		ChunkSize:         cfg.ChunkSize,
		MaxResumeAttempts: cfg.MaxResumeAttempts,
	})
	orc.Start(ctx)

	drainEvents(ctx, orc)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, chunkStore, materialization, q, orc)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for download commands...",
		"store_dir", cfg.StoreDir,
		"max_concurrent", cfg.MaxConcurrent,
		"chunk_size", cfg.ChunkSize,
		"cache_budget", cfg.CacheBudget,
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

		return nil
	}
}

// drainEvents logs pipeline events; without a consumer the orchestrator's
// event channels would block task bookkeeping.
func drainEvents(ctx context.Context, orc *orchestrator.Orchestrator) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		for desc := range orc.OnFileComplete {
			logger.Info("file ready for playback", "key", desc.Key())
		}
	}()

	go func() {
		for desc := range orc.OnFileFailed {
			logger.Error("file download failed", "key", desc.Key())
		}
	}()

	go func() {
		for batch := range orc.OnBatchComplete {
			logger.Info("layout batch ready", "group", batch.GroupID, "files", batch.Files)
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	chunkStore *badgerstore.Store,
	materialization *cache.Cache,
	q *queue.Queue,
	orc *orchestrator.Orchestrator,
) *http.Server {
	contentHandler := rest.NewContentHandler(chunkStore, materialization, q, tel, cfg.PollInterval, cfg.MaxPollAttempts)
	commandHandler := rest.NewCommandHandler(orc)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/content", contentHandler.Routes())
	r.Mount("/player", commandHandler.Routes())
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "playercache"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
