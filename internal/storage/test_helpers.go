package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var testEpoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// newTestJob builds a job in the given status with timestamps that fit it
func newTestJob(id int64, name string, status types.JobStatus) *models.Job {
	job := &models.Job{
		ID:        id,
		Project:   "octo/repo",
		CommitSHA: "abc123",
		Name:      name,
		Ref:       "main",
		Status:    status,
		CreatedAt: testEpoch,
	}
	if status == types.StatusRunning || status.Terminal() {
		started := testEpoch.Add(10 * time.Second)
		queued := 10.0
		job.StartedAt = &started
		job.QueuedDuration = &queued
	}
	if status.Terminal() {
		finished := testEpoch.Add(70 * time.Second)
		duration := 60.0
		job.FinishedAt = &finished
		job.Duration = &duration
	}
	return job
}
