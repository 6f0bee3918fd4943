package adapter

import (
	"fmt"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
)

// parseTimestamp parses an ISO 8601 provider timestamp. Null and empty values
// are unknown, not errors.
func parseTimestamp(value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *value)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// seconds returns to-from in seconds, or nil when either end is unknown
func seconds(from, to *time.Time) *float64 {
	if from == nil || to == nil {
		return nil
	}
	d := to.Sub(*from).Seconds()
	return &d
}

type rawTimes struct {
	created, started, finished *string
}

// applyTimes parses the lifecycle timestamps onto job and checks their order.
// Start and finish times reported ahead of the status are dropped so that a
// queued job never looks started.
func applyTimes(provider types.ProviderID, job *models.Job, raw rawTimes) error {
	created, err := parseTimestamp(raw.created)
	if err != nil {
		return apperrors.NewAdaptationError(string(provider), job.ID, "invalid created_at", err)
	}
	if created == nil {
		return apperrors.NewAdaptationError(string(provider), job.ID, "missing created_at", nil)
	}
	started, err := parseTimestamp(raw.started)
	if err != nil {
		return apperrors.NewAdaptationError(string(provider), job.ID, "invalid started_at", err)
	}
	finished, err := parseTimestamp(raw.finished)
	if err != nil {
		return apperrors.NewAdaptationError(string(provider), job.ID, "invalid finished_at", err)
	}

	if job.Status != types.StatusRunning && !job.Status.Terminal() {
		started = nil
	}
	if !job.Status.Terminal() {
		finished = nil
	}

	if started != nil && started.Before(*created) {
		return apperrors.NewAdaptationError(string(provider), job.ID,
			fmt.Sprintf("started_at %s before created_at %s", started.Format(time.RFC3339), created.Format(time.RFC3339)), nil)
	}
	if started != nil && finished != nil && finished.Before(*started) {
		return apperrors.NewAdaptationError(string(provider), job.ID,
			fmt.Sprintf("finished_at %s before started_at %s", finished.Format(time.RFC3339), started.Format(time.RFC3339)), nil)
	}

	job.CreatedAt = *created
	job.StartedAt = started
	job.FinishedAt = finished
	return nil
}
