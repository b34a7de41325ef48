package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"wake-dispatch/internal/archive"
	"wake-dispatch/internal/config"
	"wake-dispatch/internal/logging"
	"wake-dispatch/internal/queue"
	"wake-dispatch/internal/space"
	"wake-dispatch/internal/store"
	"wake-dispatch/internal/telemetry"
	workerproc "wake-dispatch/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	if err := config.ValidateWorker(cfg); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "err", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)
	if err := q.Ping(ctx); err != nil {
		logger.Error("connect redis", "err", err)
		os.Exit(1)
	}

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Error("init archive", "err", err)
		os.Exit(1)
	}

	// Worker ID from env, else hostname plus a short random suffix.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = fmt.Sprintf("worker-%d", os.Getpid())
		}
		workerID = hostname + "-" + uuid.NewString()[:8]
	}

	host := space.FromConfig(cfg, logger)
	processor := workerproc.NewProcessorWithID(cfg, q, st, host, workerID,
		workerproc.WithArchiver(archiver),
		workerproc.WithLogger(logger),
	)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker starting", "host", cfg.HostAddress(), "max_attempts", cfg.MaxReadinessAttempts)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
