package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
)

// Bound limits how much history is retrieved for one project.
// Zero values disable the corresponding limit.
type Bound struct {
	// Since keeps only runs created at or after this instant (GitHub)
	Since time.Time
	// MaxJobs keeps only the most recent jobs (GitLab)
	MaxJobs int
}

// RawRun is a provider run record. Providers that list jobs directly return a
// single run with ID 0 standing for the whole project.
type RawRun struct {
	ID      int64
	Payload json.RawMessage
}

// RawBatch is the raw job listing of one run
type RawBatch struct {
	Project string
	Run     RawRun
	Jobs    []json.RawMessage
}

// Client defines the interface for CI provider clients.
// Pagination is handled inside the client; callers see complete listings.
type Client interface {
	// Provider returns the provider identifier
	Provider() types.ProviderID

	// ListRuns returns the runs of a project that fall within bound
	// Returns a fetch error if the provider request fails
	ListRuns(ctx context.Context, project string, bound Bound) ([]RawRun, error)

	// ListRunJobs returns the raw job records of one run
	// Returns a fetch error if the provider request fails
	ListRunJobs(ctx context.Context, project string, run RawRun, bound Bound) ([]json.RawMessage, error)
}

// RecordAdapter converts raw provider job records into canonical jobs
type RecordAdapter interface {
	// Provider returns the provider identifier
	Provider() types.ProviderID

	// Adapt converts one raw job of run into a canonical job.
	// Returns a mapping or adaptation error if the record cannot be converted.
	Adapt(project string, run RawRun, raw json.RawMessage) (*models.Job, error)
}

// AdaptBatches adapts every job of every batch. A failing record does not
// stop its siblings; failures are returned alongside the adapted jobs.
func AdaptBatches(a RecordAdapter, batches []RawBatch) ([]*models.Job, []error) {
	var (
		jobs []*models.Job
		errs []error
	)
	for _, batch := range batches {
		for _, raw := range batch.Jobs {
			job, err := a.Adapt(batch.Project, batch.Run, raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, errs
}
