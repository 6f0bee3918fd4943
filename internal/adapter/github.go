package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
)

const githubPageSize = 100

// GitHubClient lists GitHub Actions workflow runs and their jobs
type GitHubClient struct {
	apiURL string
	rest   *restClient
}

// NewGitHubClient creates a client for the GitHub REST API at apiURL
func NewGitHubClient(apiURL string, opts ClientOptions) *GitHubClient {
	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers

	return &GitHubClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		rest:   newRestClient(types.ProviderGitHub, opts),
	}
}

// Provider returns the provider identifier
func (c *GitHubClient) Provider() types.ProviderID {
	return types.ProviderGitHub
}

// ListRuns returns the workflow runs of project created since bound.Since
func (c *GitHubClient) ListRuns(ctx context.Context, project string, bound Bound) ([]RawRun, error) {
	query := url.Values{}
	query.Set("per_page", fmt.Sprint(githubPageSize))
	if !bound.Since.IsZero() {
		query.Set("created", ">="+bound.Since.UTC().Format(time.RFC3339))
	}
	next := fmt.Sprintf("%s/repos/%s/actions/runs?%s", c.apiURL, project, query.Encode())

	var runs []RawRun
	for next != "" {
		var page struct {
			WorkflowRuns []json.RawMessage `json:"workflow_runs"`
		}
		n, err := c.rest.getJSON(ctx, project, next, &page)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.WorkflowRuns {
			var head struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				return nil, apperrors.NewFetchError(string(types.ProviderGitHub), project, apperrors.FetchDecode, err)
			}
			runs = append(runs, RawRun{ID: head.ID, Payload: raw})
		}
		next = n
	}
	return runs, nil
}

// ListRunJobs returns the jobs of the latest attempt of run
func (c *GitHubClient) ListRunJobs(ctx context.Context, project string, run RawRun, bound Bound) ([]json.RawMessage, error) {
	next := fmt.Sprintf("%s/repos/%s/actions/runs/%d/jobs?per_page=%d&filter=latest", c.apiURL, project, run.ID, githubPageSize)

	var jobs []json.RawMessage
	for next != "" {
		var page struct {
			Jobs []json.RawMessage `json:"jobs"`
		}
		n, err := c.rest.getJSON(ctx, project, next, &page)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, page.Jobs...)
		next = n
	}
	return jobs, nil
}

type githubRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
}

type githubJob struct {
	ID          int64   `json:"id"`
	RunID       int64   `json:"run_id"`
	Name        string  `json:"name"`
	HeadSHA     string  `json:"head_sha"`
	HeadBranch  string  `json:"head_branch"`
	Status      string  `json:"status"`
	Conclusion  *string `json:"conclusion"`
	CreatedAt   *string `json:"created_at"`
	StartedAt   *string `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
}

// GitHubAdapter converts GitHub Actions jobs into canonical jobs
type GitHubAdapter struct {
	mapper StatusMapper
}

// NewGitHubAdapter creates a GitHub record adapter
func NewGitHubAdapter() *GitHubAdapter {
	return &GitHubAdapter{mapper: NewGitHubStatusMapper()}
}

// Provider returns the provider identifier
func (a *GitHubAdapter) Provider() types.ProviderID {
	return types.ProviderGitHub
}

// Adapt converts one job of run. The job name is "<workflow> / <job>";
// durations are derived from the timestamps.
func (a *GitHubAdapter) Adapt(project string, run RawRun, raw json.RawMessage) (*models.Job, error) {
	provider := string(types.ProviderGitHub)

	var rj githubJob
	if err := json.Unmarshal(raw, &rj); err != nil {
		return nil, apperrors.NewAdaptationError(provider, 0, "malformed job record", err)
	}
	if rj.ID == 0 {
		return nil, apperrors.NewAdaptationError(provider, 0, "missing job id", nil)
	}

	var rr githubRun
	if len(run.Payload) > 0 {
		if err := json.Unmarshal(run.Payload, &rr); err != nil {
			return nil, apperrors.NewAdaptationError(provider, rj.ID, "malformed run record", err)
		}
	}

	conclusion := ""
	if rj.Conclusion != nil {
		conclusion = *rj.Conclusion
	}
	status, err := a.mapper.Map(rj.Status, conclusion)
	if err != nil {
		return nil, err
	}

	name := rj.Name
	if rr.Name != "" {
		name = rr.Name + " / " + rj.Name
	}
	ref := rr.HeadBranch
	if ref == "" {
		ref = rj.HeadBranch
	}
	sha := rj.HeadSHA
	if sha == "" {
		sha = rr.HeadSHA
	}

	job := &models.Job{
		ID:        rj.ID,
		Project:   project,
		CommitSHA: sha,
		Name:      name,
		Ref:       ref,
		Status:    status,
	}
	if err := applyTimes(types.ProviderGitHub, job, rawTimes{rj.CreatedAt, rj.StartedAt, rj.CompletedAt}); err != nil {
		return nil, err
	}

	job.QueuedDuration = seconds(&job.CreatedAt, job.StartedAt)
	job.Duration = seconds(job.StartedAt, job.FinishedAt)
	return job, nil
}
