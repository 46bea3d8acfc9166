package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/moneyflow888/moneyflow-web/internal/config"
	"github.com/moneyflow888/moneyflow-web/internal/store"
)

// backend is the selected store plus whatever must be closed with it.
type backend struct {
	Store   store.Store
	cleanup []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openBackend connects PostgreSQL when a database URL is configured, wraps
// it with the Redis cache when a Redis URL is configured, and otherwise
// falls back to the in-memory store. migrate applies the embedded schema.
func openBackend(ctx context.Context, c *config.Config, migrate bool) (*backend, error) {
	b := &backend{}

	if c.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		b.Store = store.NewMemoryStore()
		return b, nil
	}

	pool, err := pgxpool.New(ctx, c.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	b.cleanup = append(b.cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if migrate {
		if err := store.Migrate(ctx, pool); err != nil {
			b.Close()
			return nil, err
		}
	}
	b.Store = store.NewPostgresStore(pool)
	slog.Info("connected to PostgreSQL")

	if c.Cache.RedisURL != "" {
		opt, err := redis.ParseURL(c.Cache.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { rdb.Close() })
		b.Store = store.NewCachedStore(b.Store, rdb, c.GetCacheTTL())
		slog.Info("Redis cache enabled", "ttl", c.GetCacheTTL().String())
	}

	return b, nil
}
