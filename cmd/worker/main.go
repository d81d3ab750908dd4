package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/helix-api/helix/internal/app"
	"github.com/helix-api/helix/internal/permissions"
	"github.com/helix-api/helix/internal/platform/cache"
	"github.com/helix-api/helix/internal/platform/db"
	"github.com/helix-api/helix/internal/users"
	"github.com/helix-api/helix/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	kv := cache.NewStore(redisClient)
	store := users.NewStore(db.Wrap(pool), kv, logger, cfg.CacheTTL)
	// The worker performs sweeps itself, so no fanout enqueuer here.
	resolver := permissions.NewResolver(kv, store.PermissionSource(), cfg.LockedAccountPermissions, nil, logger)

	fanoutJob := jobs.NewRoleFanoutJob(resolver, logger)
	sweepJob := jobs.NewInviteSweepJob(store, logger)

	sweepTask, err := jobs.NewInviteSweepTask(72)
	if err != nil {
		logger.Error("build invite sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRoleFanout, Handler: fanoutJob.Handle},
			{Type: jobs.TaskInviteSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
