package store

import (
	"context"
	"fmt"

	"field-sync-agent/internal/config"
)

// Open builds the backend selected by cfg.StorageBackend.
func Open(ctx context.Context, cfg config.Config) (KV, error) {
	switch cfg.StorageBackend {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "redis":
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "fieldsync:"+cfg.DeviceID+":")
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
