// Command processor consumes the geo and license topic-exchange queues,
// materializing presence, place/admin, H3, and license state into the
// analytical store behind the transactional Store port.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sbanalytics/internal/platform/broker"
	"sbanalytics/internal/platform/config"
	"sbanalytics/internal/platform/db"
	"sbanalytics/internal/platform/logging"
	"sbanalytics/internal/processor"
	"sbanalytics/internal/shared/clock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}

	logger := logging.New(cfg.LogLevel, false)
	base := logging.Module(logger, "processor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	sqlDB, _ := gdb.DB()
	defer sqlDB.Close()

	conn, err := broker.Dial(ctx, cfg.RabbitMQURL, cfg.RabbitMQExchange)
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	defer conn.Close()

	mod, err := processor.NewModule(processor.Dependencies{
		DB:               gdb,
		Broker:           conn,
		Logger:           base,
		Clock:            clock.SystemClock{},
		H3Resolutions:    cfg.H3Resolutions,
		Prefetch:         cfg.ProcessorPrefetch,
		MaxRetries:       cfg.ProcessorMaxRetries,
		RetryBaseSeconds: cfg.ProcessorRetryBaseSeconds,
		RetryMaxSeconds:  cfg.ProcessorRetryMaxSeconds,
		GeoQueue:         cfg.ProcessorGroupID + ".geo",
		LicenseQueue:     cfg.ProcessorGroupID + ".license",
		DLQQueue:         cfg.ProcessorGroupID + ".dlq",
	})
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	defer mod.Close()

	base.Info("processor.started", "prefetch", cfg.ProcessorPrefetch, "max_retries", cfg.ProcessorMaxRetries)
	if err := mod.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("processor: run: %w", err)
	}
	base.Info("processor.stopped")
	return nil
}
