// Package types provides common type definitions for the CI exporter.
package types

import "fmt"

// ProviderID identifies a supported CI provider
type ProviderID string

const (
	// ProviderGitHub represents GitHub Actions
	ProviderGitHub ProviderID = "github"
	// ProviderGitLab represents GitLab CI
	ProviderGitLab ProviderID = "gitlab"
)

// ParseProvider parses a provider name
func ParseProvider(name string) (ProviderID, error) {
	switch ProviderID(name) {
	case ProviderGitHub, ProviderGitLab:
		return ProviderID(name), nil
	default:
		return "", fmt.Errorf("unknown CI provider %q", name)
	}
}

// JobStatus is the canonical status of a CI job.
// The set is closed; values are listed in lifecycle order.
type JobStatus string

const (
	StatusCreated            JobStatus = "created"
	StatusWaitingForResource JobStatus = "waiting_for_resource"
	StatusPreparing          JobStatus = "preparing"
	StatusPending            JobStatus = "pending"
	StatusManual             JobStatus = "manual"
	StatusScheduled          JobStatus = "scheduled"
	StatusRunning            JobStatus = "running"
	StatusSuccess            JobStatus = "success"
	StatusFailed             JobStatus = "failed"
	StatusCanceled           JobStatus = "canceled"
	StatusSkipped            JobStatus = "skipped"
)

// AllStatuses lists every canonical status in lifecycle order
var AllStatuses = []JobStatus{
	StatusCreated,
	StatusWaitingForResource,
	StatusPreparing,
	StatusPending,
	StatusManual,
	StatusScheduled,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusCanceled,
	StatusSkipped,
}

// Valid reports whether s belongs to the canonical set
func (s JobStatus) Valid() bool {
	return s.Ordinal() >= 0
}

// Ordinal returns the lifecycle position of s, or -1 when s is not canonical
func (s JobStatus) Ordinal() int {
	for i, st := range AllStatuses {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether s is a final state. Terminal states do not change
// once observed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	default:
		return false
	}
}

// ParseJobStatus parses a stored status value
func ParseJobStatus(value string) (JobStatus, error) {
	s := JobStatus(value)
	if !s.Valid() {
		return "", fmt.Errorf("invalid job status %q", value)
	}
	return s, nil
}

// Dimension is a grouping column for aggregate job queries
type Dimension string

const (
	DimensionStatus  Dimension = "status"
	DimensionName    Dimension = "name"
	DimensionProject Dimension = "project"
)

// ObservationField names a derived duration that is observed once per job
type ObservationField string

const (
	// FieldQueuedDuration is the time a job waited before it started
	FieldQueuedDuration ObservationField = "queued_duration"
	// FieldDuration is the execution time of a finished job
	FieldDuration ObservationField = "duration"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
