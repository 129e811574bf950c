package locks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend  string
	Pool     *pgxpool.Pool
	RedisURL string
	MySQLDSN string
	RedisTTL time.Duration
}

// New builds the configured lock backend. The postgres backend reuses the
// storage pool; redis and mysql open their own connections.
func New(cfg Config) (Locker, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "postgres", "postgresql":
		if cfg.Pool == nil {
			return nil, errors.New("postgres lock backend requires a pool")
		}
		return NewPostgresLocker(cfg.Pool), nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New("redis lock backend requires a URL")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		return NewRedisLocker(redis.NewClient(opts), cfg.RedisTTL), nil
	case "mysql":
		if cfg.MySQLDSN == "" {
			return nil, errors.New("mysql lock backend requires a DSN")
		}
		return NewMySQLLocker(cfg.MySQLDSN)
	case "memory":
		return NewMemoryLocker(), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.Backend)
	}
}
