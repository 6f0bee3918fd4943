package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ci-exporter/internal/config"
	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/logging"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresConnectTimeout = 10 * time.Second

// PostgresDB is the connection pool behind PostgresJobStore
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects to the job store database. The pool is sized by
// MaxConnections; replicas sharing the database each hold their own pool.
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, apperrors.NewStoreError("connect", fmt.Errorf("unable to parse connection string: %w", err))
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - bounded by config
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, apperrors.NewStoreError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewStoreError("connect", fmt.Errorf("unable to ping database: %w", err))
	}

	logging.WithFields(map[string]interface{}{
		"host":      cfg.Host,
		"database":  cfg.Database,
		"max_conns": poolConfig.MaxConns,
	}).Info("Opened Postgres job store")

	return &PostgresDB{pool: pool}, nil
}

// Close closes the pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
