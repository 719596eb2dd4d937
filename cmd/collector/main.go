package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/openphc/cce-collector/internal/broker"
	"github.com/openphc/cce-collector/internal/config"
	"github.com/openphc/cce-collector/internal/deadletter"
	"github.com/openphc/cce-collector/internal/dedup"
	"github.com/openphc/cce-collector/internal/fhir"
	"github.com/openphc/cce-collector/internal/handlers"
	"github.com/openphc/cce-collector/internal/logging"
	"github.com/openphc/cce-collector/internal/publisher"
	"github.com/openphc/cce-collector/internal/repository"
	"github.com/openphc/cce-collector/internal/server"
	"github.com/openphc/cce-collector/internal/service"
	"github.com/openphc/cce-collector/internal/sources"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("cce-collector"))
	logging.SetDefault(logger)

	slog.Info("Starting CCE collector",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("log_format", cfg.Logging.Format),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx := context.Background()

	// Connect to PostgreSQL
	slog.Info("Connecting to PostgreSQL")
	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("Connected to PostgreSQL")

	// Run database migrations
	slog.Info("Running database migrations")
	m, err := migrate.New(cfg.Database.MigrationsPath, cfg.Database.URL)
	if err != nil {
		slog.Error("Failed to initialize migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		slog.Error("Failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("Could not get migration version", slog.String("error", err.Error()))
	} else {
		slog.Info("Database migration complete",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}

	// Optional Redis dedup cache
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = dedup.NewClient(cfg.Redis.URL)
		if err != nil {
			slog.Error("Failed to connect to Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisClient.Close()
		slog.Info("Connected to Redis dedup cache")
	} else {
		slog.Warn("Redis URL not configured, dedup cache disabled")
	}

	deduplicator := dedup.New(redisClient, repo, dedup.Config{
		TTL:            cfg.Dedup.CacheTTL,
		LookbackWindow: cfg.Dedup.LookbackWindow,
	}, slog.Default())

	// Connect to NATS
	natsCfg := broker.DefaultNATSConfig()
	natsCfg.URL = cfg.Broker.URL
	natsCfg.Stream = cfg.Broker.Stream
	natsCfg.SubjectPrefix = cfg.Broker.SubjectPrefix
	natsPub, err := broker.NewNATSPublisher(ctx, natsCfg)
	if err != nil {
		slog.Error("Failed to connect to NATS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer natsPub.Close()
	slog.Info("Connected to NATS",
		slog.String("stream", cfg.Broker.Stream),
		slog.String("subject_prefix", cfg.Broker.SubjectPrefix),
	)

	// Assemble the pipeline
	dlq := deadletter.NewService(repo, logger)
	pub := publisher.New(natsPub, repo, publisher.Config{
		PublishTimeout:  cfg.Broker.PublishTimeout,
		RetryInterval:   cfg.Retry.Interval,
		RetryMaxAge:     cfg.Retry.MaxAge,
		SweepBatchLimit: cfg.Retry.BatchLimit,
	}, logger)
	gate := fhir.NewGate(fhir.StructuralValidator{}, fhir.GateConfig{
		Enabled: cfg.Validation.PayloadEnabled,
		Strict:  cfg.Validation.PayloadStrict,
	}, slog.Default())
	srcService := sources.NewService(repo)

	ingestor := service.NewIngestor(repo, deduplicator, gate, pub, dlq, service.Config{
		Topic:    cfg.Broker.SubjectPrefix,
		MaxBatch: cfg.Ingestion.MaxBatchSize,
	}, logger)

	// Start the outbox retry sweep
	if err := pub.Start(ctx); err != nil {
		slog.Error("Failed to start retry publisher", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pub.Stop()

	// Initialize HTTP handlers
	eventHandler := handlers.NewEventHandler(ingestor, srcService, dlq,
		cfg.Ingestion.MaxEventSize, cfg.Ingestion.RequireRegisteredSource, logger)
	dlHandler := handlers.NewDeadLetterHandler(dlq)
	srcHandler := handlers.NewSourceHandler(srcService)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.ReadinessCheck{
		"database": repo.Ping,
	})
	router := server.NewRouter(eventHandler, dlHandler, srcHandler, healthHandler)

	// Create server with config values
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("CCE collector listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("Server stopped gracefully")
}
