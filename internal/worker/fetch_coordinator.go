package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ci-exporter/internal/adapter"
	"github.com/ci-exporter/internal/logging"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of provider requests kept in flight
const DefaultConcurrency = 10

// FetchResult holds the raw listings of one tick
type FetchResult struct {
	Batches []adapter.RawBatch
	// Errors holds the failure of every project that could not be fetched
	Errors map[string]error
}

// Records returns the number of raw job records fetched
func (r *FetchResult) Records() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Jobs)
	}
	return n
}

// FetchCoordinatorConfig holds configuration for a fetch coordinator
type FetchCoordinatorConfig struct {
	Client adapter.Client
	// Window bounds run history by creation time; zero disables it
	Window time.Duration
	// MaxJobs bounds job history by count; zero disables it
	MaxJobs int
	// Concurrency caps provider requests in flight (default: 10)
	Concurrency int
	Now         func() time.Time
}

// FetchCoordinator retrieves recent job listings for many projects with a
// bounded number of concurrent provider requests
type FetchCoordinator struct {
	client      adapter.Client
	window      time.Duration
	maxJobs     int
	concurrency int
	now         func() time.Time
}

// NewFetchCoordinator creates a new fetch coordinator
func NewFetchCoordinator(cfg *FetchCoordinatorConfig) (*FetchCoordinator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("provider client cannot be nil")
	}
	if cfg.Window < 0 || cfg.MaxJobs < 0 {
		return nil, fmt.Errorf("fetch bounds must not be negative")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &FetchCoordinator{
		client:      cfg.Client,
		window:      cfg.Window,
		maxJobs:     cfg.MaxJobs,
		concurrency: concurrency,
		now:         now,
	}, nil
}

// bound returns the history bound for a fetch starting now
func (c *FetchCoordinator) bound() adapter.Bound {
	b := adapter.Bound{MaxJobs: c.maxJobs}
	if c.window > 0 {
		b.Since = c.now().Add(-c.window)
	}
	return b
}

type runRef struct {
	project int
	run     adapter.RawRun
}

// Fetch lists the runs of every project, then the jobs of every run. A
// project with any failed request is reported in Errors and contributes no
// batches; the other projects are unaffected. A cancelled ctx abandons the
// fetch and returns ctx.Err().
func (c *FetchCoordinator) Fetch(ctx context.Context, projects []string) (*FetchResult, error) {
	log := logging.FromContext(ctx)
	bound := c.bound()

	var mu sync.Mutex
	failed := make(map[string]error)
	fail := func(project string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := failed[project]; !ok {
			failed[project] = err
		}
	}

	// runs
	runs := make([][]adapter.RawRun, len(projects))
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, project := range projects {
		i, project := i, project
		g.Go(func() error {
			list, err := c.client.ListRuns(ctx, project, bound)
			if err != nil {
				fail(project, err)
				return nil
			}
			runs[i] = list
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var refs []runRef
	for i, list := range runs {
		for _, run := range list {
			refs = append(refs, runRef{project: i, run: run})
		}
	}

	// jobs of every run
	jobs := make([][]json.RawMessage, len(refs))
	g = new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, ref := range refs {
		i, ref := i, ref
		project := projects[ref.project]
		g.Go(func() error {
			list, err := c.client.ListRunJobs(ctx, project, ref.run, bound)
			if err != nil {
				fail(project, err)
				return nil
			}
			jobs[i] = list
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &FetchResult{Errors: failed}
	for i, ref := range refs {
		project := projects[ref.project]
		if _, ok := failed[project]; ok {
			continue
		}
		result.Batches = append(result.Batches, adapter.RawBatch{Project: project, Run: ref.run, Jobs: jobs[i]})
	}

	for project, err := range failed {
		log.WithFields(map[string]interface{}{
			"provider": c.client.Provider(),
			"project":  project,
		}).WithError(err).Warn("Failed to fetch project")
	}
	log.WithFields(map[string]interface{}{
		"projects": len(projects),
		"runs":     len(refs),
		"records":  result.Records(),
		"failed":   len(failed),
	}).Debug("Fetched job listings")

	return result, nil
}
