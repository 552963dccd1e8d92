package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/foodgraph/pkg/app"
	"github.com/ekaya-inc/foodgraph/pkg/config"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/logging"
	"github.com/ekaya-inc/foodgraph/pkg/queue"
	"github.com/ekaya-inc/foodgraph/pkg/services"
	"github.com/ekaya-inc/foodgraph/pkg/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "foodgraph: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	dotenv := config.LoadDotEnv()

	cfg, err := config.Load(configPath, Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.Bool("dotenv", dotenv),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("lock_backend", cfg.Replay.LockBackend),
		zap.String("batch_queue", cfg.Queue.BatchQueue))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Env, cfg.Version, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// Database
	connStr := cfg.Database.ConnectionString()
	if err := database.MigrateURL(connStr, cfg.MigrationsPath, logger); err != nil {
		return err
	}
	db, err := database.NewConnection(ctx, database.ConfigFrom(&cfg.Database, cfg.Processing.BatchTimeout))
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis is optional and only backs the replay locker.
	rdb, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	locker, err := app.NewLocker(cfg, db, rdb)
	if err != nil {
		return err
	}

	// Broker
	if cfg.Queue.URL == "" {
		return fmt.Errorf("AMQP_URL is required")
	}
	logger.Info("Connecting to broker", zap.String("url", logging.SanitizeConnectionString(cfg.Queue.URL)))
	conn, err := queue.Dial(cfg.Queue.URL, logger)
	if err != nil {
		return errors.New(logging.SanitizeError(err))
	}
	defer conn.Close()

	for _, name := range []string{cfg.Queue.BatchQueue, cfg.Queue.EnrichmentQueue} {
		if err := conn.Declare(name, cfg.Queue.RetryDelay); err != nil {
			return err
		}
	}

	publisher, err := queue.NewPublisher(conn)
	if err != nil {
		return err
	}
	defer publisher.Close()

	svc := app.Build(&app.Deps{
		Config:   cfg,
		DB:       db,
		Locker:   locker,
		Enricher: services.NewQueueEnricher(publisher, cfg.Queue.EnrichmentQueue, logger),
		Logger:   logger,
	})

	consumer, err := queue.NewConsumer(conn, queue.ConsumerConfig{
		Queue:         cfg.Queue.BatchQueue,
		Tag:           "foodgraph-worker",
		Prefetch:      cfg.Queue.Prefetch,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	}, app.BatchHandler(svc.Processor, db, logger))
	if err != nil {
		return err
	}

	logger.Info("Starting foodgraph worker", zap.String("version", cfg.Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("consumer stopped: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
