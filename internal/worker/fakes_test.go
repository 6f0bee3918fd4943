package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ci-exporter/internal/adapter"
	"github.com/ci-exporter/internal/storage"
	"github.com/ci-exporter/internal/types"
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

// fakeClient serves canned GitHub-shaped listings
type fakeClient struct {
	mu       sync.Mutex
	runs     map[string][]adapter.RawRun
	jobs     map[int64][]json.RawMessage
	failures map[string]error
	bounds   []adapter.Bound

	// delay holds every request; block, when set, holds it until closed
	delay time.Duration
	block chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		runs:     map[string][]adapter.RawRun{},
		jobs:     map[int64][]json.RawMessage{},
		failures: map[string]error{},
	}
}

// setJobs replaces the listing of project with one run holding raw jobs
func (c *fakeClient) setJobs(project string, runID int64, raw ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[project] = []adapter.RawRun{{
		ID:      runID,
		Payload: json.RawMessage(fmt.Sprintf(`{"id": %d, "name": "CI", "head_branch": "main", "head_sha": "abc123"}`, runID)),
	}}
	jobs := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		jobs[i] = json.RawMessage(r)
	}
	c.jobs[runID] = jobs
}

func (c *fakeClient) fail(project string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[project] = err
}

func (c *fakeClient) Provider() types.ProviderID { return types.ProviderGitHub }

func (c *fakeClient) enter(ctx context.Context) error {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	defer c.inFlight.Add(-1)

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *fakeClient) ListRuns(ctx context.Context, project string, bound adapter.Bound) ([]adapter.RawRun, error) {
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bounds = append(c.bounds, bound)
	if err := c.failures[project]; err != nil {
		return nil, err
	}
	return c.runs[project], nil
}

func (c *fakeClient) ListRunJobs(ctx context.Context, project string, run adapter.RawRun, bound adapter.Bound) ([]json.RawMessage, error) {
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[run.ID], nil
}

// fakeUpdater counts ticks
type fakeUpdater struct {
	ticks atomic.Int32
	delay time.Duration
}

func (u *fakeUpdater) Provider() types.ProviderID { return types.ProviderGitHub }

func (u *fakeUpdater) Tick(ctx context.Context, projects []string) (*TickReport, error) {
	u.ticks.Add(1)
	select {
	case <-time.After(u.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &TickReport{Projects: len(projects)}, nil
}

func (u *fakeUpdater) Status() Status { return Status{Provider: types.ProviderGitHub} }
