package cache

import (
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend    string // "fs", "sqlite", "redis" or "memory"
	Dir        string
	SQLitePath string
	Prefix     string
}

// New builds the configured backend. redisClient is only used by the redis backend.
func New(cfg Config, redisClient *redis.Client, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		s, err := NewFSStore(cfg.Dir, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Dir, "cache.db")
		}
		s, err := NewSQLiteStore(path, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("cache: redis backend needs a client")
		}
		return NewRedisStore(redisClient, RedisConfig{Prefix: cfg.Prefix}, opts...), nil
	case "memory":
		return NewMemoryStore(opts...), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
