package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
)

// GitLabClient lists GitLab CI jobs, newest first
type GitLabClient struct {
	host    string
	perPage int
	rest    *restClient
}

// NewGitLabClient creates a client for the GitLab instance at host
func NewGitLabClient(host string, perPage int, opts ClientOptions) *GitLabClient {
	if perPage <= 0 || perPage > 100 {
		// GitLab caps per_page at 100 and silently clamps larger values
		perPage = 100
	}
	return &GitLabClient{
		host:    strings.TrimRight(host, "/"),
		perPage: perPage,
		rest:    newRestClient(types.ProviderGitLab, opts),
	}
}

// Provider returns the provider identifier
func (c *GitLabClient) Provider() types.ProviderID {
	return types.ProviderGitLab
}

// ListRuns returns a single run standing for the whole project; GitLab lists
// jobs per project.
func (c *GitLabClient) ListRuns(ctx context.Context, project string, bound Bound) ([]RawRun, error) {
	return []RawRun{{ID: 0}}, nil
}

// ListRunJobs returns at most bound.MaxJobs of the project's most recent jobs
func (c *GitLabClient) ListRunJobs(ctx context.Context, project string, run RawRun, bound Bound) ([]json.RawMessage, error) {
	next := fmt.Sprintf("%s/api/v4/projects/%s/jobs?per_page=%d&order_by=id&sort=desc",
		c.host, url.PathEscape(project), c.perPage)

	var jobs []json.RawMessage
	for next != "" {
		var page []json.RawMessage
		n, err := c.rest.getJSON(ctx, project, next, &page)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, page...)
		if bound.MaxJobs > 0 && len(jobs) >= bound.MaxJobs {
			return jobs[:bound.MaxJobs], nil
		}
		next = n
	}
	return jobs, nil
}

type gitlabJob struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Ref            string   `json:"ref"`
	Status         string   `json:"status"`
	CreatedAt      *string  `json:"created_at"`
	StartedAt      *string  `json:"started_at"`
	FinishedAt     *string  `json:"finished_at"`
	Duration       *float64 `json:"duration"`
	QueuedDuration *float64 `json:"queued_duration"`
	Commit         *struct {
		ID string `json:"id"`
	} `json:"commit"`
}

// GitLabAdapter converts GitLab CI jobs into canonical jobs
type GitLabAdapter struct {
	mapper StatusMapper
}

// NewGitLabAdapter creates a GitLab record adapter
func NewGitLabAdapter() *GitLabAdapter {
	return &GitLabAdapter{mapper: NewGitLabStatusMapper()}
}

// Provider returns the provider identifier
func (a *GitLabAdapter) Provider() types.ProviderID {
	return types.ProviderGitLab
}

// Adapt converts one GitLab job. Provider-supplied durations win; missing ones
// are derived from the timestamps.
func (a *GitLabAdapter) Adapt(project string, run RawRun, raw json.RawMessage) (*models.Job, error) {
	provider := string(types.ProviderGitLab)

	var rj gitlabJob
	if err := json.Unmarshal(raw, &rj); err != nil {
		return nil, apperrors.NewAdaptationError(provider, 0, "malformed job record", err)
	}
	if rj.ID == 0 {
		return nil, apperrors.NewAdaptationError(provider, 0, "missing job id", nil)
	}

	status, err := a.mapper.Map(rj.Status, "")
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:      rj.ID,
		Project: project,
		Name:    rj.Name,
		Ref:     rj.Ref,
		Status:  status,
	}
	if rj.Commit != nil {
		job.CommitSHA = rj.Commit.ID
	}
	if err := applyTimes(types.ProviderGitLab, job, rawTimes{rj.CreatedAt, rj.StartedAt, rj.FinishedAt}); err != nil {
		return nil, err
	}

	job.QueuedDuration = rj.QueuedDuration
	if job.QueuedDuration == nil {
		job.QueuedDuration = seconds(&job.CreatedAt, job.StartedAt)
	}
	job.Duration = rj.Duration
	if job.Duration == nil {
		job.Duration = seconds(job.StartedAt, job.FinishedAt)
	}
	return job, nil
}
