package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tapgoose/internal/bus"
	"tapgoose/internal/config"
	"tapgoose/internal/history"
	"tapgoose/internal/logging"
	"tapgoose/internal/scheduler"
	"tapgoose/internal/server"
	"tapgoose/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("warning", w))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Dial(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	matches := store.New(rdb, cfg.Redis, logger)
	throttle := store.NewThrottle(rdb, cfg.Redis, cfg.TapInterval)
	events := bus.New(rdb, logger)

	db, err := history.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	if err := history.Migrate(db); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}
	repo := history.NewRepository(db, logger)

	var archiver *history.Archiver
	if cfg.Archive.Enabled() {
		client, err := history.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			logger.Fatal("configure archive", zap.Error(err))
		}
		if archiver, err = history.NewArchiver(client, cfg.Archive.Bucket); err != nil {
			logger.Fatal("configure archive", zap.Error(err))
		}
		logger.Info("match archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	}
	recorder := history.NewRecorder(repo, archiver, logger)

	sched := scheduler.New(matches, throttle, events, recorder,
		scheduler.WithServerID(cfg.ServerID),
		scheduler.WithLogger(logger),
	)
	defer sched.Close()

	sweeper, err := scheduler.NewSweeper(sched, cfg.SweepInterval, cfg.HeartbeatTTL)
	if err != nil {
		logger.Fatal("create sweeper", zap.Error(err))
	}
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("start sweeper", zap.Error(err))
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("stop sweeper", zap.Error(err))
		}
	}()

	recovered, err := sched.RecoverOnStartup(ctx)
	if err != nil {
		logger.Error("startup recovery incomplete", zap.Error(err))
	}
	logger.Info("startup recovery finished", zap.Int("matches", recovered))

	gateway := server.New(cfg.Server, sched, repo, logger)
	defer gateway.Close()

	sub, err := events.Subscribe(ctx, bus.AllChannels, gateway.HandleEvent)
	if err != nil {
		logger.Fatal("subscribe to match events", zap.Error(err))
	}
	defer func() { _ = sub.Close() }()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("tapgoose server listening",
		zap.String("addr", cfg.Address),
		zap.String("server_id", sched.ServerID()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", zap.Error(err))
		return
	}

	logger.Info("server shut down cleanly")
}
