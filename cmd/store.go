package cmd

import (
	"context"
	"fmt"

	"example.com/backstage/services/endpoint/internal/infrastructure"
	"example.com/backstage/services/endpoint/internal/store"
)

// newBackend builds the store backend selected by store.backend.
func newBackend() (store.Backend, error) {
	switch cfg.Store.Backend {
	case "", "file":
		return store.NewFileBackend(cfg.Store.Path), nil

	case "memory":
		logger.Warn("Using in-memory store, identity is lost on exit")
		return store.NewMemoryBackend(), nil

	case "redis":
		cache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("cache connection failed: %w", err)
		}
		return store.NewRedisBackend(cache, cfg.Store.RedisPrefix), nil

	case "sql":
		db, err := infrastructure.NewDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		return store.NewSQLBackend(db), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// openStore opens the identity store. Callers Close it.
func openStore(ctx context.Context) (*store.Store, error) {
	backend, err := newBackend()
	if err != nil {
		return nil, err
	}

	st := store.New(backend, logger)
	if err := st.Open(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return st, nil
}
