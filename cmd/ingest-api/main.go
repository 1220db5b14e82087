// Command ingest-api serves the HTTP ingestion surface: envelope validation,
// privacy-gate check, raw-event + outbox write, all in one request-scoped
// transaction.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sbanalytics/internal/ingest"
	"sbanalytics/internal/platform/config"
	"sbanalytics/internal/platform/db"
	"sbanalytics/internal/platform/logging"
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
		return fmt.Errorf("ingest-api: %w", err)
	}

	logger := logging.New(cfg.LogLevel, false)
	base := logging.Module(logger, "ingest-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("ingest-api: %w", err)
	}
	sqlDB, _ := gdb.DB()
	defer sqlDB.Close()

	mod := ingest.NewModule(ingest.Dependencies{
		DB:             gdb,
		Logger:         base,
		StrictEnvelope: cfg.StrictEnvelope,
	})

	mux := http.NewServeMux()
	mod.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		base.Info("ingest_api.listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		base.Info("ingest_api.shutting_down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ingest-api: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
