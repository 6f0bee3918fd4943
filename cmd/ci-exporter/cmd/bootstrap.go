package cmd

import (
	"context"
	"fmt"

	"github.com/ci-exporter/internal/config"
	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/metrics"
	"github.com/ci-exporter/internal/storage"
	"github.com/ci-exporter/internal/types"
	"github.com/ci-exporter/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// exporter is the wired pipeline shared by serve and tick
type exporter struct {
	store     storage.JobStore
	projector *metrics.Projector
	self      *metrics.ExporterMetrics
	registry  *prometheus.Registry
	engine    *worker.SyncEngine
	closers   []func()
}

// Close releases the store and the optional Redis client
func (e *exporter) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// openStore opens the configured job store and brings its schema up to date
func openStore(ctx context.Context, cfg *config.StoreConfig) (storage.JobStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		db, err := storage.NewPostgresDB(&cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewPostgresJobStore(db, cfg.Postgres.URL())
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := storage.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// newExporter wires store, projector, lease and sync engine for cfg
func newExporter(ctx context.Context, cfg *config.Config) (*exporter, error) {
	provider, err := types.ParseProvider(cfg.Provider.Name)
	if err != nil {
		return nil, err
	}

	e := &exporter{}
	store, closeStore, err := openStore(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, closeStore)

	e.projector, err = metrics.NewProjector(store, provider, metrics.Options{
		Buckets:      cfg.Metrics.Buckets,
		ProjectLabel: cfg.Metrics.ProjectLabel,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	e.self = metrics.NewExporterMetrics()
	e.registry, err = metrics.NewRegistry(e.projector, e.self.Collectors()...)
	if err != nil {
		e.Close()
		return nil, err
	}

	var lease *storage.TickLease
	if cfg.Redis.Enabled {
		client, err := storage.NewRedisClient(&cfg.Redis)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		lease = newLease(client, provider, cfg)
	}

	e.engine, err = worker.NewUpdater(&cfg.Provider, &worker.UpdaterOptions{
		Store:     store,
		Projector: e.projector,
		Lease:     lease,
		Metrics:   e.self,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	// gauges reflect what is already stored before the first tick lands
	if _, err := e.projector.Refresh(ctx); err != nil {
		logging.WithError(err).Warn("Initial projection failed")
	}

	return e, nil
}

func newLease(client *redis.Client, provider types.ProviderID, cfg *config.Config) *storage.TickLease {
	key := fmt.Sprintf("ci-exporter:tick:%s", provider)
	logging.WithFields(map[string]interface{}{
		"key": key,
		"ttl": cfg.Redis.LeaseTTL.String(),
	}).Info("Tick lease enabled")
	return storage.NewTickLease(client, key, cfg.Redis.LeaseTTL)
}
