package storage

import (
	"testing"

	"github.com/ci-exporter/internal/config"
	"github.com/stretchr/testify/require"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "ci_exporter_test",
		User:           "exporter",
		Password:       "exporter_dev_password",
		MaxConnections: 4,
	}
}

func TestNewPostgresDB(t *testing.T) {
	// Skip if not in integration test mode
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	defer db.Close()

	// Test ping
	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestPostgresJobStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	probe, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	probe.Close()

	runJobStoreSuite(t, func(t *testing.T) JobStore {
		db, err := NewPostgresDB(cfg)
		require.NoError(t, err)

		s := NewPostgresJobStore(db, cfg.URL())
		ctx := testContext(t)
		require.NoError(t, s.Migrate(ctx))
		_, err = db.Pool().Exec(ctx, `TRUNCATE jobs`)
		require.NoError(t, err)

		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMigrationVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	db.Close()

	require.NoError(t, RunMigrations(cfg.URL()))
	version, dirty, err := MigrationVersion(cfg.URL())
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(2), version)
}
