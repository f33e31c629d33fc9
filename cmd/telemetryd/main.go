// Command telemetryd runs the telemetry platform: the HTTP API, the
// background worker, migrations, and demo seeding.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bc9123/telemetry-project/pkg/api"
	"github.com/bc9123/telemetry-project/pkg/breaker"
	"github.com/bc9123/telemetry-project/pkg/config"
	"github.com/bc9123/telemetry-project/pkg/deliver"
	"github.com/bc9123/telemetry-project/pkg/engine"
	"github.com/bc9123/telemetry-project/pkg/ingest"
	"github.com/bc9123/telemetry-project/pkg/observability"
	"github.com/bc9123/telemetry-project/pkg/queue"
	"github.com/bc9123/telemetry-project/pkg/seed"
	"github.com/bc9123/telemetry-project/pkg/store"
	"github.com/bc9123/telemetry-project/pkg/tasks"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	observability.ConfigureLogging(cfg.LogLevel, cfg.IsProduction())
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "worker":
		err = runWorker(ctx, cfg, logger)
	case "migrate":
		err = runMigrate(ctx, cfg, logger)
	case "seed":
		err = runSeed(ctx, cfg, logger, os.Args[2:])
	case "health":
		err = runHealth(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("fatal", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: telemetryd <command>

commands:
  serve     run the HTTP API
  worker    run the background task worker
  migrate   apply the database schema
  seed      provision demo data (optional: path to a YAML manifest)
  health    check database and queue connectivity`)
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rdb, err := openRedis(cfg.BrokerURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	observability.SetupMeterProvider()
	q := queue.NewQueue(rdb)
	br := breaker.New(rdb)
	server := api.NewServer(st, q, br, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rdb, err := openRedis(cfg.BrokerURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	observability.SetupMeterProvider()
	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		return err
	}

	q := queue.NewQueue(rdb)
	br := breaker.New(rdb)
	worker := queue.NewWorker(q, logger)

	tasks.Register(worker, tasks.Deps{
		Queue:     q,
		Ingestor:  ingest.New(st, metrics, logger),
		Evaluator: engine.New(st, logger),
		Fanout:    st,
		Deliverer: deliver.NewDeliverer(st, br, metrics, logger),
		Metrics:   metrics,
		Logger:    logger,
	})

	logger.Info("worker started")
	worker.Run(ctx)
	logger.Info("worker stopped")
	return nil
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

func runSeed(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	manifest := &seed.Default
	if len(args) > 0 {
		manifest, err = seed.LoadManifest(args[0])
		if err != nil {
			return err
		}
	}

	result, err := seed.Apply(ctx, st, manifest)
	if err != nil {
		return err
	}
	logger.Info("seed applied",
		"org_id", result.OrgID,
		"project_id", result.ProjectID,
		"devices", len(result.DeviceIDs),
		"rules", len(result.RuleIDs))
	// The raw key is printed, not logged: it exists nowhere else.
	fmt.Printf("API key: %s\n", result.APIKey)
	return nil
}

func runHealth(ctx context.Context, cfg *config.Config) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := store.Open(checkCtx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer func() { _ = st.Close() }()

	rdb, err := openRedis(cfg.BrokerURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(checkCtx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	fmt.Println("ok")
	return nil
}
