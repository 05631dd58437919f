package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"schedd/internal/api"
	"schedd/internal/auth"
	"schedd/internal/controller"
	"schedd/internal/db"
	"schedd/internal/lock"
	"schedd/internal/services/executor"
	"schedd/internal/services/worker"
	"schedd/pkg/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, delivery workers and ops server",
	Long: `Run one scheduler process until SIGINT or SIGTERM.

The process polls the shared job store, dispatches due jobs through the
invocation lock onto the delivery queue, delivers queued callbacks and serves
/healthz, /stats and /metrics on the ops address.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	gdb, err := db.ConnectDatabase(ctx, cfg.DB, log.Named("db"))
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	jwtManager, err := auth.NewJWTManager(cfg.Auth)
	if err != nil {
		return err
	}
	refreshBackoff := utils.Backoff{MaxAttempts: cfg.Scheduler.StoreRetries, BaseDelay: cfg.Scheduler.RetryBaseDelay}
	tokens := auth.NewManager(
		jwtManager,
		db.NewTokenRepository(gdb),
		auth.NewRefreshClient(cfg.Auth, refreshBackoff, log.Named("refresh")),
		cfg.Validation.RequestTimeout,
		log.Named("auth"),
	)

	queue := worker.NewQueue(c.rdb, cfg.Redis.KeyPrefix)
	engine := c.engine(executor.NewExecutor(
		lock.New(c.rdb, cfg.Redis.KeyPrefix),
		tokens,
		queue,
		cfg.Scheduler.LockTTL,
		log.Named("executor"),
	))

	hostname, _ := os.Hostname()
	instance := hostname + "-" + utils.GenerateWorkerId()[:8]
	engine.AddListener(controller.NewJobExecutionController(c.store, instance, log.Named("history")))

	if err := engine.Start(ctx); err != nil {
		return err
	}
	pool := worker.NewWorkerPool(queue, cfg.Delivery, log.Named("delivery"))
	pool.Run(ctx)

	ops := api.NewServer(cfg.Ops, c.rdb, c.store, queue, engine, log.Named("ops"))
	opsErr := make(chan error, 1)
	go func() { opsErr <- ops.ListenAndServe() }()

	log.Infow("schedd started", "instance", instance)
	select {
	case <-ctx.Done():
	case err = <-opsErr:
		log.Errorw("Ops server stopped", "error", err)
	}

	log.Infow("Shutting down gracefully...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := ops.Shutdown(shutdownCtx); serr != nil {
		log.Warnw("Ops server shutdown failed", "error", serr)
	}
	engine.Shutdown()
	pool.Wait()
	log.Infow("Shutdown complete")
	return err
}
