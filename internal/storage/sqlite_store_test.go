package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSQLiteStore creates a migrated store on a file in the test's temp dir
func newTestSQLiteStore(t *testing.T) JobStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err, "open sqlite store")
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(testContext(t)), "migrate schema")
	return s
}

func TestSQLiteStore(t *testing.T) {
	runJobStoreSuite(t, newTestSQLiteStore)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := testContext(t)

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.UpsertMany(ctx, []*models.Job{newTestJob(1, "build", types.StatusSuccess)}))
	require.NoError(t, s.MarkObserved(ctx, map[types.ObservationField][]int64{types.FieldDuration: {1}}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := s.SelectPendingObservation(ctx, types.FieldDuration)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLiteStore_TemporaryFile(t *testing.T) {
	s, err := NewSQLiteStore("")
	require.NoError(t, err)

	path := s.Path()
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Migrate(testContext(t)))
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteStore_LargeUpsert(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := testContext(t)

	jobs := make([]*models.Job, 0, 1200)
	for i := int64(1); i <= 1200; i++ {
		jobs = append(jobs, newTestJob(i, "build", types.StatusSuccess))
	}
	require.NoError(t, s.UpsertMany(ctx, jobs))

	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	require.NoError(t, s.MarkObserved(ctx, map[types.ObservationField][]int64{types.FieldDuration: ids}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), n)

	pending, err := s.SelectPendingObservation(ctx, types.FieldDuration)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
