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

	"go.uber.org/zap"

	"content-platform/internal/api"
	"content-platform/internal/auth"
	"content-platform/internal/authz"
	"content-platform/internal/config"
	"content-platform/internal/dispatch"
	"content-platform/internal/identity"
	"content-platform/internal/logger"
	"content-platform/internal/queue"
	"content-platform/internal/ratelimit"
	"content-platform/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(config.RoleAPI); err != nil {
		return err
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
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

	provider := identity.NewClient(cfg.Provider)
	svc := authz.NewService(st, dispatch.NewWithdrawer(st, q, log), log)
	server := api.New(api.Deps{
		Auth:     auth.NewOrchestrator(provider, st, log, auth.Options{}),
		Verifier: provider,
		Authz:    svc,
		Jobs: dispatch.NewDispatcher(registry, svc, st, q, log, dispatch.Options{
			DepthThreshold:     cfg.QueueDepthThreshold,
			DefaultMaxAttempts: cfg.Broker.MaxAttempts,
			IdempotencyTTL:     cfg.IdempotencyTTL,
		}),
		Limiter:    ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, 0),
		Health:     map[string]api.Pinger{"postgres": st, "redis": q},
		RetryAfter: cfg.Broker.BackoffBase,
		Logger:     log,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
