package main

import (
	"context"
	"fmt"
	"os"

	"kvcache/internal/cache"
	"kvcache/internal/config"
	"kvcache/internal/hasher"
	"kvcache/internal/persist"
	"kvcache/internal/persist/memdb"
	"kvcache/internal/persist/postgres"
	"kvcache/internal/persist/redis"
	"kvcache/internal/persist/sqlite"
	"kvcache/internal/store"
)

// backing is a cache plus the means to release it.
type backing struct {
	cache.Cache
	hasher hasher.Hasher
	close  func() error
}

// Ready waits for a persistent store to open. The volatile store is always
// ready.
func (b *backing) Ready(ctx context.Context) error {
	if r, ok := b.Cache.(interface{ Ready(context.Context) error }); ok {
		return r.Ready(ctx)
	}
	return nil
}

func (a *app) openBacking() (*backing, error) {
	h, err := hasher.New(hasher.Algorithm(a.cfg.Hash))
	if err != nil {
		return nil, err
	}

	if !a.cfg.Persistent() {
		s := store.NewStore(store.WithHasher(h), store.WithMetrics(a.metrics))
		return &backing{Cache: s, hasher: h, close: func() error { return nil }}, nil
	}

	opener, err := a.opener()
	if err != nil {
		return nil, err
	}
	c := persist.New(opener,
		persist.WithStoreName(a.cfg.StoreName),
		persist.WithTableName(a.cfg.TableName),
		persist.WithHasher(h),
		persist.WithMetrics(a.metrics),
		persist.WithLogger(a.logger),
	)
	return &backing{Cache: c, hasher: h, close: c.Close}, nil
}

func (a *app) opener() (persist.Opener, error) {
	switch a.cfg.Backend {
	case config.BackendMemDB:
		return memdb.New(), nil
	case config.BackendSQLite:
		if dir := a.cfg.StoreDir(); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		return sqlite.New(), nil
	case config.BackendRedis:
		return redis.New(redis.Config{
			Address:  a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		}), nil
	case config.BackendPostgres:
		return postgres.New(a.cfg.PostgresDSN), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
	}
}
