package bootstrap

import (
	"context"
	"fmt"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/memory"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/postgres"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/sqlite"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/config"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

// OpenStore opens the configured backend and applies its schema. The returned
// close func is never nil.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger logging.Logger) (task.Store, func(), error) {
	logger = logging.OrNop(logger)
	switch cfg.Backend {
	case "", config.BackendMemory:
		logger.Warn("[Bootstrap] using in-memory task store; tasks are lost on restart")
		return memory.New(), func() {}, nil

	case config.BackendPostgres:
		pool, err := postgres.Open(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		logger.Info("[Bootstrap] postgres task store ready")
		return store, pool.Close, nil

	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("[Bootstrap] sqlite task store at %s", cfg.Path)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("[Bootstrap] close sqlite: %v", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Migrate applies the schema of the configured backend and exits.
func Migrate(ctx context.Context, cfg config.StoreConfig, logger logging.Logger) error {
	if cfg.Backend == "" || cfg.Backend == config.BackendMemory {
		return fmt.Errorf("store backend %q has no schema to migrate", config.BackendMemory)
	}
	_, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closeStore()
	return nil
}
