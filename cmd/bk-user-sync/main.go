package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/TencentBlueKing/bk-user-sub003/internal/config"
	"github.com/TencentBlueKing/bk-user-sub003/internal/lock"
	"github.com/TencentBlueKing/bk-user-sub003/internal/plugin"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"github.com/TencentBlueKing/bk-user-sub003/internal/syncer"
	"github.com/TencentBlueKing/bk-user-sub003/pkg/database"
	"github.com/TencentBlueKing/bk-user-sub003/pkg/logger"
	pkgredis "github.com/TencentBlueKing/bk-user-sub003/pkg/redis"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	zl, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "bk-user-sync")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient := pkgredis.NewRedisClient(&cfg.Redis)
	if err := pkgredis.Ping(context.Background(), redisClient); err != nil {
		zl.Fatal("connect redis", zap.Error(err))
	}
	defer redisClient.Close()

	stores := repository.NewPostgresStores(db)
	locker := lock.NewRedisLocker(redisClient)
	registry := plugin.NewDefaultRegistry()

	projector := syncer.NewProjector(stores, locker, zl, cfg.Sync.LockTTL, cfg.Sync.LockWait)
	runner := syncer.NewRunner(stores, locker, registry, projector, zl, cfg.Sync.LockTTL, cfg.Sync.LockWait)
	runner.SetEventPublisher(syncer.NewRedisEventPublisher(redisClient, zl))
	scheduler := syncer.NewScheduler(runner, zl, cfg.Sync.Workers, cfg.Sync.QueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	zl.Info("bk-user-sync started",
		zap.Int("workers", cfg.Sync.Workers),
		zap.Strings("plugin_types", registry.Types()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down")
	cancel()
	scheduler.Stop()
}
