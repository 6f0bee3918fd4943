package models

import (
	"time"

	"github.com/ci-exporter/internal/types"
)

// Job is the provider-independent record of one CI job.
// Optional fields are nil while unknown; a nil value is never the same as zero.
type Job struct {
	ID             int64           `json:"id" db:"id"`
	Project        string          `json:"project" db:"project"`
	CommitSHA      string          `json:"commitSha" db:"commit_sha"`
	Name           string          `json:"name" db:"name"`
	Ref            string          `json:"ref" db:"ref"`
	Status         types.JobStatus `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	StartedAt      *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty" db:"finished_at"`
	Duration       *float64        `json:"duration,omitempty" db:"duration"`
	QueuedDuration *float64        `json:"queuedDuration,omitempty" db:"queued_duration"`
}

// ObservableValue returns the value of a once-observed duration field, and
// whether that value is final. Queue wait is final once the job has started;
// execution time is final once the job has finished.
func (j *Job) ObservableValue(field types.ObservationField) (float64, bool) {
	switch field {
	case types.FieldQueuedDuration:
		if j.QueuedDuration == nil || j.StartedAt == nil {
			return 0, false
		}
		return *j.QueuedDuration, true
	case types.FieldDuration:
		if j.Duration == nil || j.FinishedAt == nil {
			return 0, false
		}
		return *j.Duration, true
	default:
		return 0, false
	}
}

// JobCount is one group of an aggregate count query. Only the columns that
// were grouped on are set.
type JobCount struct {
	Status  types.JobStatus `json:"status,omitempty"`
	Name    string          `json:"name,omitempty"`
	Project string          `json:"project,omitempty"`
	Count   int64           `json:"count"`
}
