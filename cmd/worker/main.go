package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"content-platform/internal/config"
	"content-platform/internal/dispatch"
	"content-platform/internal/logger"
	"content-platform/internal/queue"
	"content-platform/internal/store"
	"content-platform/internal/telemetry"
	"content-platform/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(config.RoleWorker); err != nil {
		return err
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	client := queue.NewClient(cfg.Broker)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)

	registry, err := dispatch.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("job registry: %w", err)
	}
	if err := registry.CheckPriorities(cfg.PriorityQueues); err != nil {
		return fmt.Errorf("job registry: %w", err)
	}

	processor := worker.NewProcessor(worker.OptionsFromConfig(cfg), q, st, st, registry, workerID(), log)

	fetchClient := worker.NewSafeClient(cfg.FetchTimeout)
	thumbnails, err := worker.NewThumbnailHandler(ctx, cfg.Media, fetchClient)
	if err != nil {
		return fmt.Errorf("thumbnail handler: %w", err)
	}
	processor.RegisterHandler(dispatch.TypeNotification, worker.NewNotificationHandler(cfg.NotifyWebhookURL, nil).Handle)
	processor.RegisterHandler(dispatch.TypeContent, worker.NewContentHandler(fetchClient, st, cfg.FetchMaxBytes).Handle)
	processor.RegisterHandler(dispatch.TypeThumbnail, thumbnails.Handle)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	log.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_base", cfg.Broker.BackoffBase))
	return processor.Run(ctx)
}

// workerID prefers WORKER_ID, then the hostname, with a random suffix so
// restarts on one host never share leases.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
