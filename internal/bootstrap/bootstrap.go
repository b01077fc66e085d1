// Package bootstrap wires the queue store, the canonical store and the service layer
// from configuration. Every binary builds its object graph through here.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/config"
	"github.com/Guizzs26/go-sync-queue/internal/db"
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/processor"
	"github.com/Guizzs26/go-sync-queue/internal/registry"
	"github.com/Guizzs26/go-sync-queue/internal/service"
)

// QueueStore is implemented by every queue store driver
type QueueStore interface {
	service.Repository
	processor.Store
	Close() error
}

var (
	_ QueueStore = (*db.MemoryQueueStore)(nil)
	_ QueueStore = (*db.SQLiteQueueStore)(nil)
	_ QueueStore = (*db.PostgresQueueStore)(nil)
)

// OpenStore opens the queue store selected by STORE_DRIVER
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (QueueStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return db.NewPostgresQueueStore(ctx, cfg.DatabaseURL, logger)
	case config.DriverSQLite:
		return db.NewSQLiteQueueStore(ctx, cfg.SQLitePath, logger)
	case config.DriverMemory:
		logger.Warn("Using in-memory queue store: items are lost on restart")
		return db.NewMemoryQueueStore(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// NewRegistry registers a table handler per whitelisted entity type
func NewRegistry(canonical registry.CanonicalStore, timeout time.Duration) (*registry.Registry, error) {
	reg := registry.New()
	if err := registry.RegisterTables(reg, models.TableRegistry, canonical, timeout); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewQueueService assembles processor and service on top of store and registry
func NewQueueService(cfg *config.Config, store QueueStore, reg *registry.Registry, logger *slog.Logger) *service.QueueService {
	proc := processor.New(store, reg, logger)
	return service.NewQueueService(store, proc, reg, service.Options{
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		ListLimit:          cfg.ListLimit,
		MaxListLimit:       config.MaxListLimit,
	}, logger)
}
