package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/local/clank/internal/config"
)

// Open selects and constructs the configured backend. There is no
// auto-fallback between backends (spec.md §4.A): a misconfigured
// backend name is a startup error, not a silent default.
func Open(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.SQLitePath, cfg.PoolSize)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.PoolSize, log)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
