package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"quantlab_backend/config"
	"quantlab_backend/logger"
	"quantlab_backend/middleware"
	"quantlab_backend/models"
	"quantlab_backend/routes"
	"quantlab_backend/scheduler"
	"quantlab_backend/services/analytics"
	"quantlab_backend/services/archive"
	"quantlab_backend/services/backtesting"
	"quantlab_backend/services/datafetcher"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/signals"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	format := "console"
	if cfg.IsProduction() {
		format = "json"
		gin.SetMode(gin.ReleaseMode)
	}
	log := logger.Must(logger.Config{Level: cfg.LogLevel, Format: format, Development: !cfg.IsProduction()})
	defer func() { _ = log.Sync() }()

	log.Info("QuantLab backend starting",
		logger.String("environment", cfg.Environment),
		logger.String("port", cfg.Port),
	)
	for _, w := range cfg.Warnings {
		log.Warn("Config warning", logger.String("detail", w))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", logger.Error(err))
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	catalog, err := dataset.NewCatalog(cfg.DataDir)
	if err != nil {
		return err
	}
	presets, err := dataset.LoadPresets(cfg.PresetsFile)
	if err != nil {
		return err
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := jobs.NewStore(log)
	store.Observe(jobs.NewMetrics(reg))

	// Run archive (optional)
	archiver, closeArchive, err := setupArchive(cfg, log)
	if err != nil {
		return err
	}
	defer closeArchive()
	store.Observe(jobs.FinishedFunc(archiver.Finished))

	runner := jobs.NewRunner(store, log, cfg.MaxConcurrentJobs)

	// Services
	retry := datafetcher.DefaultRetryConfig()
	retry.MaxAttempts = cfg.FetchMaxAttempts

	var source datafetcher.Source
	if cfg.MarketDataURL == "" {
		log.Warn("MARKET_DATA_URL not set, datasets are built from synthetic sample data")
		source = datafetcher.SampleSource{}
	} else {
		source = datafetcher.NewHTTPSource(datafetcher.HTTPConfig{
			BaseURL:        cfg.MarketDataURL,
			APIKey:         cfg.MarketDataAPIKey,
			RequestsPerSec: cfg.MarketDataRPS,
			Retry:          retry,
		}, log)
	}

	builder := dataset.NewBuilder(catalog, source, log, 0)
	datasets := dataset.NewService(store, runner, catalog, presets, builder,
		dataset.ServiceConfig{DefaultTimeout: cfg.DefaultJobTimeout, MaxTimeout: cfg.MaxJobTimeout}, log)

	registry := signals.NewRegistry()
	backtests := backtesting.NewService(store, runner, catalog, backtesting.NewEngine(registry, log),
		backtesting.ServiceConfig{DefaultTimeout: cfg.DefaultJobTimeout, MaxTimeout: cfg.MaxJobTimeout}, log)

	var remote *analytics.Client
	if cfg.AnalyticsURL != "" {
		remote = analytics.NewClient(cfg.AnalyticsURL, time.Minute, retry, log)
	}
	attribution := analytics.NewService(store, runner, catalog, registry, analytics.NewAttributor(registry, remote, log),
		analytics.ServiceConfig{DefaultTimeout: cfg.DefaultJobTimeout, MaxTimeout: cfg.MaxJobTimeout}, log)

	limiter := middleware.NewRateLimiter(cfg.SubmitRatePerMinute)

	jobScheduler := scheduler.NewScheduler(store, datasets, limiter, scheduler.Config{
		SweepInterval: cfg.SweepInterval,
		Retention:     cfg.JobRetention,
		AutoResumeAt:  cfg.AutoResumeAt,
	}, log)
	if err := jobScheduler.Start(); err != nil {
		return err
	}

	router := routes.NewRouter(routes.Dependencies{
		Store:       store,
		Datasets:    datasets,
		Backtests:   backtests,
		Attribution: attribution,
		Archive:     archiver,
		Limiter:     limiter,
		Gatherer:    reg,
		DataDir:     cfg.DataDir,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log,
	})
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set, job routes are unauthenticated")
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down gracefully", logger.String("signal", sig.String()))
	case err := <-serverErr:
		jobScheduler.Stop()
		return err
	}

	gracefulShutdown(server, jobScheduler, runner, archiver, log)
	return nil
}

// gracefulShutdown stops intake first, then in-flight jobs, then archive writes.
func gracefulShutdown(server *http.Server, jobScheduler *scheduler.Scheduler, runner *jobs.Runner, archiver *archive.Archiver, log logger.Logger) {
	jobScheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("Server forced to shutdown", logger.Error(err))
	}
	if err := runner.Shutdown(ctx); err != nil {
		log.Warn("Jobs still running at shutdown", logger.Error(err))
	}
	if err := archiver.Wait(ctx); err != nil {
		log.Warn("Archive writes still pending at shutdown", logger.Error(err))
	}

	log.Info("Server shutdown completed")
}

// setupArchive connects the configured recorders. The returned func closes
// their connections.
func setupArchive(cfg *config.Config, log logger.Logger) (*archive.Archiver, func(), error) {
	var (
		recorders []archive.Recorder
		closers   []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.ArchiveDBEnabled() {
		db, err := config.InitArchiveDB(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { closeGorm(db, log) })
		if err := models.MigrateArchiveModels(db); err != nil {
			closeAll()
			return nil, nil, err
		}
		recorders = append(recorders, archive.NewGormRecorder(db))
	}

	if cfg.MongoURI != "" {
		mongoRec, err := archive.ConnectMongo(context.Background(), cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoRec.Close(ctx); err != nil {
				log.Warn("Failed to disconnect MongoDB", logger.Error(err))
			}
		})
		recorders = append(recorders, mongoRec)
	}

	if len(recorders) == 0 {
		log.Info("No run archive configured, /jobs/history is disabled")
	}
	return archive.NewArchiver(log, recorders...), closeAll, nil
}

func closeGorm(db *gorm.DB, log logger.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("Failed to close archive database", logger.Error(err))
		return
	}
	log.Info("Archive database connection closed")
}
