package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/storage"
	"github.com/ci-exporter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(testContext(t)))
	return s
}

func newTestProjector(t *testing.T, store storage.JobStore, projectLabel bool) *Projector {
	t.Helper()
	p, err := NewProjector(store, types.ProviderGitHub, Options{
		ProjectLabel: projectLabel,
		Now:          func() time.Time { return testEpoch },
	})
	require.NoError(t, err)
	return p
}

func floatPtr(v float64) *float64 { return &v }

func timePtr(offset time.Duration) *time.Time {
	t := testEpoch.Add(offset)
	return &t
}

func job(id int64, name string, status types.JobStatus) *models.Job {
	return &models.Job{
		ID:        id,
		Project:   "octo/repo",
		CommitSHA: "abc123",
		Name:      name,
		Ref:       "main",
		Status:    status,
		CreatedAt: testEpoch,
	}
}

func started(j *models.Job, queued float64) *models.Job {
	j.StartedAt = timePtr(time.Duration(queued * float64(time.Second)))
	j.QueuedDuration = floatPtr(queued)
	return j
}

func finished(j *models.Job, duration float64) *models.Job {
	j.FinishedAt = timePtr(j.StartedAt.Sub(testEpoch) + time.Duration(duration*float64(time.Second)))
	j.Duration = floatPtr(duration)
	return j
}

func TestNewProjector_RejectsBadBuckets(t *testing.T) {
	store := newTestStore(t)
	for _, buckets := range [][]float64{{5, 1}, {1, 1}} {
		_, err := NewProjector(store, types.ProviderGitHub, Options{Buckets: buckets})
		assert.Error(t, err, "buckets %v", buckets)
	}

	p, err := NewProjector(store, types.ProviderGitHub, Options{})
	require.NoError(t, err)
	snap := p.Current()
	assert.Equal(t, DefaultBuckets, snap.Bounds)
	assert.Empty(t, snap.JobCount)
	assert.Nil(t, snap.LastJobLatency)
}

func TestProjector_Gauges(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	p := newTestProjector(t, store, false)

	require.NoError(t, store.UpsertMany(ctx, []*models.Job{
		job(1, "build", types.StatusPending),
		started(job(2, "build", types.StatusRunning), 5),
		started(job(3, "test", types.StatusRunning), 5),
	}))

	snap, err := p.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		labelKey([]string{"pending", "build"}): 1,
		labelKey([]string{"running", "build"}): 1,
		labelKey([]string{"running", "test"}):  1,
	}, snap.GaugeValues())

	// stale label combinations disappear once rows move on
	require.NoError(t, store.UpsertMany(ctx, []*models.Job{
		finished(started(job(1, "build", types.StatusSuccess), 5), 30),
	}))
	snap, err = p.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		labelKey([]string{"success", "build"}): 1,
		labelKey([]string{"running", "build"}): 1,
		labelKey([]string{"running", "test"}):  1,
	}, snap.GaugeValues())
}

func TestProjector_RecomputeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	p := newTestProjector(t, store, true)

	require.NoError(t, store.UpsertMany(ctx, []*models.Job{
		finished(started(job(1, "build", types.StatusSuccess), 3), 40),
		started(job(2, "deploy", types.StatusRunning), 8),
	}))

	first, err := p.Refresh(ctx)
	require.NoError(t, err)
	second, err := p.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.GaugeValues(), second.GaugeValues())
	assert.Equal(t, first.LatencyCount(), second.LatencyCount())
	assert.Equal(t, first.DurationCount(), second.DurationCount())
	assert.Equal(t, first.LastJobLatency, second.LastJobLatency)
}

func TestProjector_ObservesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	p := newTestProjector(t, store, false)

	// tick 1: queued, nothing known yet
	require.NoError(t, store.UpsertMany(ctx, []*models.Job{job(1, "build", types.StatusPending)}))
	snap, err := p.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.LatencyCount())

	// ticks 2..5 keep refetching the started job
	for tick := 2; tick <= 5; tick++ {
		require.NoError(t, store.UpsertMany(ctx, []*models.Job{started(job(1, "build", types.StatusRunning), 42)}))
		snap, err = p.Refresh(ctx)
		require.NoError(t, err)
	}

	require.Len(t, snap.Latency, 1)
	h := snap.Latency[labelKey([]string{"build"})]
	require.NotNil(t, h)
	assert.Equal(t, uint64(1), h.Count)
	assert.Equal(t, 42.0, h.Sum)
	// 42 falls in every bucket from 60 up
	for i, b := range snap.Bounds {
		want := uint64(0)
		if b >= 42 {
			want = 1
		}
		assert.Equal(t, want, h.Buckets[i], "bucket %v", b)
	}
	assert.Zero(t, snap.DurationCount())
}

func TestProjector_LastJobLatency(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	p := newTestProjector(t, store, false)

	early := finished(started(job(1, "build", types.StatusSuccess), 4), 10)
	late := finished(started(job(2, "build", types.StatusFailed), 9), 100)
	require.NoError(t, store.UpsertMany(ctx, []*models.Job{early, late, started(job(3, "build", types.StatusRunning), 1)}))

	snap, err := p.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.LastJobLatency)
	assert.Equal(t, 9.0, *snap.LastJobLatency)
}

// faultyStore fails the operation named by fail
type faultyStore struct {
	storage.JobStore
	fail string
}

var errInjected = errors.New("injected failure")

func (s *faultyStore) CountBy(ctx context.Context, dims ...types.Dimension) ([]models.JobCount, error) {
	if s.fail == "count" {
		return nil, apperrors.NewStoreError("count", errInjected)
	}
	return s.JobStore.CountBy(ctx, dims...)
}

func (s *faultyStore) SelectPendingObservation(ctx context.Context, field types.ObservationField) ([]*models.Job, error) {
	if s.fail == "select_pending" {
		return nil, apperrors.NewStoreError("select_pending", errInjected)
	}
	return s.JobStore.SelectPendingObservation(ctx, field)
}

func (s *faultyStore) MarkObserved(ctx context.Context, marks map[types.ObservationField][]int64) error {
	if s.fail == "mark_observed" {
		return apperrors.NewStoreError("mark_observed", errInjected)
	}
	return s.JobStore.MarkObserved(ctx, marks)
}

func TestProjector_FailureKeepsPreviousSnapshot(t *testing.T) {
	for _, op := range []string{"count", "select_pending", "mark_observed"} {
		t.Run(op, func(t *testing.T) {
			inner := newTestStore(t)
			ctx := testContext(t)
			store := &faultyStore{JobStore: inner}
			p := newTestProjector(t, store, false)

			require.NoError(t, inner.UpsertMany(ctx, []*models.Job{job(1, "build", types.StatusPending)}))
			before, err := p.Refresh(ctx)
			require.NoError(t, err)

			require.NoError(t, inner.UpsertMany(ctx, []*models.Job{finished(started(job(1, "build", types.StatusSuccess), 2), 20)}))
			store.fail = op
			_, err = p.Refresh(ctx)
			require.Error(t, err)
			assert.True(t, apperrors.IsStore(err))
			assert.Same(t, before, p.Current())

			// markers were not committed, so the samples are observed on recovery
			store.fail = ""
			after, err := p.Refresh(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), after.LatencyCount())
			assert.Equal(t, uint64(1), after.DurationCount())
		})
	}
}

func TestProjector_CommitRejectsStaleStage(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	p := newTestProjector(t, store, false)

	staged, err := p.Project(ctx)
	require.NoError(t, err)
	_, err = p.Refresh(ctx)
	require.NoError(t, err)

	err = p.Commit(ctx, staged)
	assert.True(t, apperrors.IsProjection(err))
	assert.True(t, apperrors.IsProjection(p.Commit(ctx, nil)))
}

func TestProjector_CommitHonoursCancellation(t *testing.T) {
	store := newTestStore(t)
	p := newTestProjector(t, store, false)
	before := p.Current()

	require.NoError(t, store.UpsertMany(testContext(t), []*models.Job{started(job(1, "build", types.StatusRunning), 3)}))
	staged, err := p.Project(testContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Commit(ctx, staged), context.Canceled)
	assert.Same(t, before, p.Current())

	pending, err := store.SelectPendingObservation(testContext(t), types.FieldQueuedDuration)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProjector_RefreshGaugesLeavesSamplesPending(t *testing.T) {
	store := newTestStore(t)
	ctx := testContext(t)
	p := newTestProjector(t, store, false)

	require.NoError(t, store.UpsertMany(ctx, []*models.Job{
		finished(started(job(1, "build", types.StatusSuccess), 12), 90),
		job(2, "test", types.StatusPending),
	}))

	snap, err := p.RefreshGauges(ctx)
	require.NoError(t, err)
	assert.Same(t, snap, p.Current())
	assert.Equal(t, map[string]float64{
		labelKey([]string{"success", "build"}): 1,
		labelKey([]string{"pending", "test"}):  1,
	}, snap.GaugeValues())
	require.NotNil(t, snap.LastJobLatency)
	assert.Equal(t, 12.0, *snap.LastJobLatency)
	assert.Zero(t, snap.LatencyCount())
	assert.Zero(t, snap.DurationCount())

	pending, err := store.SelectPendingObservation(ctx, types.FieldDuration)
	require.NoError(t, err)
	require.Len(t, pending, 1, "gauge refresh must not mark samples observed")

	// the replica owning the tick still observes the sample exactly once
	snap, err = p.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.DurationCount())

	snap, err = p.RefreshGauges(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.DurationCount(), "histograms carry over")
}
