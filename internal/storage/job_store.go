// Package storage provides the job store implementations and the tick lease.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
)

// ErrJobNotFound is returned by Get when no job has the requested id
var ErrJobNotFound = errors.New("job not found")

// JobStore persists canonical jobs keyed by id.
// Every write is last-write-wins on the record columns; observation markers
// are only ever set by MarkObserved.
type JobStore interface {
	// Migrate creates or upgrades the schema
	Migrate(ctx context.Context) error

	// UpsertMany inserts or replaces jobs in a single transaction.
	// When the same id appears more than once the last occurrence wins.
	UpsertMany(ctx context.Context, jobs []*models.Job) error

	// CountBy counts jobs grouped by the given dimensions. With no dimensions a
	// single group holding the total is returned.
	CountBy(ctx context.Context, dims ...types.Dimension) ([]models.JobCount, error)

	// SelectWithKnownLatency returns jobs that have started, most recently
	// finished first. requireFinished keeps only finished jobs.
	SelectWithKnownLatency(ctx context.Context, requireFinished bool) ([]*models.Job, error)

	// LastFinished returns the started job that finished most recently, or
	// ErrJobNotFound when no job has finished
	LastFinished(ctx context.Context) (*models.Job, error)

	// SelectPendingObservation returns jobs whose field value is final but has
	// not been marked observed, ordered by id
	SelectPendingObservation(ctx context.Context, field types.ObservationField) ([]*models.Job, error)

	// MarkObserved records, per field, the jobs whose value was observed.
	// All marks are committed in one transaction.
	MarkObserved(ctx context.Context, marks map[types.ObservationField][]int64) error

	// Count returns the number of stored jobs
	Count(ctx context.Context) (int64, error)

	// Get returns one job, or ErrJobNotFound
	Get(ctx context.Context, id int64) (*models.Job, error)

	// Close releases the store
	Close() error
}

// recordColumns are the columns an upsert overwrites
var recordColumns = []string{
	"project", "commit_sha", "name", "ref", "status",
	"created_at", "started_at", "finished_at", "duration", "queued_duration",
}

// markerColumn returns the observation marker column of field
func markerColumn(field types.ObservationField) (string, error) {
	switch field {
	case types.FieldQueuedDuration:
		return "latency_observed", nil
	case types.FieldDuration:
		return "duration_observed", nil
	default:
		return "", fmt.Errorf("unknown observation field %q", field)
	}
}

// markerColumns resolves the marker column of every field in marks
func markerColumns(marks map[types.ObservationField][]int64) (map[types.ObservationField]string, error) {
	columns := make(map[types.ObservationField]string, len(marks))
	for field := range marks {
		col, err := markerColumn(field)
		if err != nil {
			return nil, err
		}
		columns[field] = col
	}
	return columns, nil
}

// readyCondition is the SQL predicate under which field holds its final value
func readyCondition(field types.ObservationField) (string, error) {
	switch field {
	case types.FieldQueuedDuration:
		return "queued_duration IS NOT NULL AND started_at IS NOT NULL", nil
	case types.FieldDuration:
		return "duration IS NOT NULL AND finished_at IS NOT NULL", nil
	default:
		return "", fmt.Errorf("unknown observation field %q", field)
	}
}

// dimensionColumns maps dimensions onto columns, rejecting unknown and repeated ones
func dimensionColumns(dims []types.Dimension) ([]string, error) {
	cols := make([]string, 0, len(dims))
	seen := make(map[types.Dimension]bool, len(dims))
	for _, d := range dims {
		if seen[d] {
			return nil, fmt.Errorf("dimension %q given twice", d)
		}
		seen[d] = true
		switch d {
		case types.DimensionStatus, types.DimensionName, types.DimensionProject:
			cols = append(cols, string(d))
		default:
			return nil, fmt.Errorf("unknown dimension %q", d)
		}
	}
	return cols, nil
}

// dedupe keeps the last occurrence of every id, in first-seen order
func dedupe(jobs []*models.Job) ([]*models.Job, error) {
	index := make(map[int64]int, len(jobs))
	out := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if job == nil {
			return nil, errors.New("nil job")
		}
		if !job.Status.Valid() {
			return nil, fmt.Errorf("job %d has invalid status %q", job.ID, job.Status)
		}
		if i, ok := index[job.ID]; ok {
			out[i] = job
			continue
		}
		index[job.ID] = len(out)
		out = append(out, job)
	}
	return out, nil
}

// chunk splits ids into slices of at most size elements
func chunk(ids []int64, size int) [][]int64 {
	var chunks [][]int64
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
