// Command outbox-publisher drains outbox_events onto the RabbitMQ topic
// exchange, leasing batches with SKIP LOCKED and retrying failed publishes
// with capped exponential backoff.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sbanalytics/internal/outboxpublisher"
	"sbanalytics/internal/platform/broker"
	"sbanalytics/internal/platform/config"
	"sbanalytics/internal/platform/db"
	"sbanalytics/internal/platform/logging"
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
		return fmt.Errorf("outbox-publisher: %w", err)
	}

	logger := logging.New(cfg.LogLevel, false)
	base := logging.Module(logger, "outbox-publisher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("outbox-publisher: %w", err)
	}
	sqlDB, _ := gdb.DB()
	defer sqlDB.Close()

	conn, err := broker.Dial(ctx, cfg.RabbitMQURL, cfg.RabbitMQExchange)
	if err != nil {
		return fmt.Errorf("outbox-publisher: %w", err)
	}
	defer conn.Close()

	mod, err := outboxpublisher.NewModule(outboxpublisher.Dependencies{
		DB:         gdb,
		Broker:     conn,
		Logger:     base,
		Clock:      clock.SystemClock{},
		BatchSize:  cfg.OutboxBatchSize,
		MaxRetries: cfg.OutboxMaxRetries,
		LeaseTTL:   time.Duration(cfg.OutboxLeaseTTLSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("outbox-publisher: %w", err)
	}
	defer mod.Close()

	base.Info("outbox_publisher.started", "batch_size", cfg.OutboxBatchSize, "lease_ttl_seconds", cfg.OutboxLeaseTTLSeconds)
	if err := mod.Publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("outbox-publisher: run: %w", err)
	}
	base.Info("outbox_publisher.stopped")
	return nil
}
