package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"escrowd/config"
	"escrowd/escrow"
	"escrowd/models"
	"escrowd/observability/logging"
	"escrowd/observability/otel"
	"escrowd/rail"
	"escrowd/scheduler"
	"escrowd/server"
	"escrowd/storage"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("escrowd", "", "info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment, cfg.LogLevel)
	logger.Info("configuration loaded",
		"addr", cfg.ListenAddr,
		"railBaseUrl", cfg.RailBaseURL,
		logging.MaskTail("railApiKey", cfg.RailAPIKey),
		logging.MaskField("jwtSecret", cfg.JWTSecret),
		logging.MaskField("webhookSecret", cfg.WebhookSecret),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := func(context.Context) error { return nil }
	if cfg.OTLPTraces || cfg.OTLPMetrics {
		shutdownTelemetry, err = otel.Init(ctx, otel.Config{
			ServiceName: "escrowd",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Headers:     otel.ParseHeaders(cfg.OTLPHeaders),
			Traces:      cfg.OTLPTraces,
			Metrics:     cfg.OTLPMetrics,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	store := storage.New(db)
	platform, err := config.LoadPlatform(cfg.PlatformFile)
	if err != nil {
		logger.Error("platform settings invalid", "error", err)
		os.Exit(1)
	}
	if err := store.SeedPlatformConfig(ctx, platform); err != nil {
		logger.Error("platform settings seed failed", "error", err)
		os.Exit(1)
	}

	railClient := rail.New(cfg.RailBaseURL, cfg.RailAPIKey, cfg.RailRPS)
	coordinator := escrow.NewCoordinator(store, railClient)
	coordinator.SetLogger(logger)
	engine := escrow.NewEngine(store, coordinator)
	engine.SetLogger(logger)
	lifecycle := escrow.NewLifecycle(store, engine, coordinator)
	lifecycle.SetLogger(logger)

	sweeper := scheduler.NewSweeper(store, engine, scheduler.Config{
		Interval:    cfg.SweepInterval,
		RemindAfter: cfg.RemindAfter,
		Logger:      logger,
	})
	go sweeper.Run(ctx)

	auth := server.NewAuthenticator(cfg.JWTSecret)
	api := server.New(server.Config{
		DB:            db,
		Store:         store,
		Lifecycle:     lifecycle,
		Engine:        engine,
		Coordinator:   coordinator,
		Auth:          auth,
		WebhookSecret: cfg.WebhookSecret,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           otelhttp.NewHandler(api.Handler(), "escrowd.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrow service listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
	logger.Info("escrow service stopped")
}
