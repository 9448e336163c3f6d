package config

import (
	"os"
	"strconv"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/pkg/database"
	"github.com/TencentBlueKing/bk-user-sub003/pkg/redis"
)

// Config bk-user-sync 同步服务配置
type Config struct {
	Database database.Config
	Redis    redis.Config
	Log      struct {
		Level  string
		Format string
	}
	Sync SyncConfig
}

// SyncConfig 同步运行配置
type SyncConfig struct {
	LockTTL   time.Duration // 数据源/租户锁自动过期时间（持有者崩溃后的兜底释放）
	LockWait  time.Duration // 锁竞争时的有界等待时长
	Workers   int           // 后台任务工作池大小
	QueueSize int           // 后台任务队列长度
}

func Load() *Config {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "bk_user_sync")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Sync.LockTTL = time.Duration(parseInt(getEnv("SYNC_LOCK_TTL_SECONDS", "1800"), 1800)) * time.Second
	cfg.Sync.LockWait = time.Duration(parseInt(getEnv("SYNC_LOCK_WAIT_SECONDS", "5"), 5)) * time.Second
	cfg.Sync.Workers = parseInt(getEnv("SYNC_WORKERS", "4"), 4)
	cfg.Sync.QueueSize = parseInt(getEnv("SYNC_QUEUE_SIZE", "64"), 64)

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
