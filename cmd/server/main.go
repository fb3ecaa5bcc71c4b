package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rpattn/recordimport/internal/auth"
	"github.com/rpattn/recordimport/internal/config"
	"github.com/rpattn/recordimport/internal/db"
	"github.com/rpattn/recordimport/internal/httpx"
	"github.com/rpattn/recordimport/internal/imports"
	"github.com/rpattn/recordimport/internal/ingestion"
	"github.com/rpattn/recordimport/internal/metrics"
	"github.com/rpattn/recordimport/internal/middleware"
	"github.com/rpattn/recordimport/internal/repository"
	"github.com/rpattn/recordimport/internal/schema/validator"

	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return err
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database, logger); err != nil {
		return err
	}

	catalog, err := validator.LoadCatalog(cfg.Import.CatalogPath)
	if err != nil {
		return err
	}
	logger.Info("entity catalog loaded", slog.Any("kinds", catalog.Kinds()))

	tasks := repository.NewImportTaskRepository(conn.Pool)
	failures := repository.NewRowFailureRepository(conn.Pool)
	history := repository.NewImportHistoryRepository(conn.Pool)
	records := repository.NewRecordRepository(conn.Pool)

	staging, err := ingestion.NewStagedStore(cfg.Staging.Dir, cfg.Staging.TTL, logger)
	if err != nil {
		return err
	}

	reportStorage, closeStorage, err := newReportStorage(ctx, cfg.Reports)
	if err != nil {
		return err
	}
	defer closeStorage()

	recorder := metrics.NewPrometheusRecorder()
	reports := imports.NewReportGenerator(failures, tasks, reportStorage)
	executor := imports.NewExecutor(catalog, staging, tasks, failures, history, records, reports,
		imports.WithBatchSize(cfg.Import.BatchSize),
		imports.WithStaleAfter(cfg.Import.StaleAfter),
		imports.WithExecutorMetrics(recorder),
		imports.WithExecutorLogger(logger),
	)
	pool := imports.NewPool(tasks, executor,
		imports.WithWorkerID(workerID()),
		imports.WithWorkers(cfg.Import.Workers),
		imports.WithPollInterval(cfg.Import.PollInterval),
		imports.WithPoolMetrics(recorder),
		imports.WithPoolLogger(logger),
	)

	parser := ingestion.NewParser(ingestion.Limits{MaxFileBytes: cfg.Import.MaxFileBytes, MaxRows: cfg.Import.MaxRows})
	service := imports.NewService(catalog, parser, staging, ingestion.NewValidator(catalog, records, 0), tasks, history, reports, reportStorage,
		imports.WithNotifier(pool.Notify),
		imports.WithSampleRows(cfg.Import.SampleRows),
		imports.WithDownloadSigning(cfg.Reports.DownloadSecret, cfg.Reports.DownloadTTL),
		imports.WithLogger(logger),
	)

	if err := service.Recover(ctx, executor); err != nil {
		return err
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		staging.Run(ctx, cfg.Staging.SweepInterval)
	}()
	go func() {
		defer background.Done()
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("import worker pool stopped", slog.Any("error", err))
		}
	}()

	handler := imports.NewHTTPHandler(service, cfg.Import.MaxFileBytes, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	}).Handler)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.Pool.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "database unreachable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", recorder.Handler())
	router.With(auth.Middleware(auth.NewHeaderAuthenticator(), logger)).Mount("/api/imports", handler.Routes())

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting import server", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			background.Wait()
			return err
		}
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}
	stop()
	background.Wait()
	return nil
}

// newReportStorage selects GCS when a bucket is configured and the local
// directory otherwise.
func newReportStorage(ctx context.Context, cfg config.ReportsConfig) (imports.ReportStorage, func(), error) {
	if cfg.GCSBucket == "" {
		local, err := imports.NewLocalReportStorage(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return local, func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	return imports.NewGCSReportStorage(client, cfg.GCSBucket, cfg.GCSPrefix), func() { _ = client.Close() }, nil
}

// workerID identifies this process in claimed tasks.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "recordimport"
	}
	return host + "-" + uuid.NewString()[:8]
}
