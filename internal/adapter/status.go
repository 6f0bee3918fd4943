package adapter

import (
	"sort"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/types"
)

// StatusPair is a provider status with its outcome. Outcome is empty for
// statuses that carry none.
type StatusPair struct {
	Status  string
	Outcome string
}

// StatusMapper maps provider status vocabulary onto canonical statuses
type StatusMapper interface {
	// Map returns the canonical status, or a mapping error for pairs outside the vocabulary
	Map(status, outcome string) (types.JobStatus, error)

	// Vocabulary lists every documented pair
	Vocabulary() []StatusPair
}

// tableMapper is a fixed lookup table. Outcomes are only consulted for the
// statuses listed in withOutcome.
type tableMapper struct {
	provider    types.ProviderID
	table       map[StatusPair]types.JobStatus
	withOutcome map[string]bool
}

func (m *tableMapper) Map(status, outcome string) (types.JobStatus, error) {
	key := StatusPair{Status: status}
	if m.withOutcome[status] {
		key.Outcome = outcome
	}
	if s, ok := m.table[key]; ok {
		return s, nil
	}
	return "", apperrors.NewMappingError(string(m.provider), status, key.Outcome)
}

func (m *tableMapper) Vocabulary() []StatusPair {
	pairs := make([]StatusPair, 0, len(m.table))
	for pair := range m.table {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Status != pairs[j].Status {
			return pairs[i].Status < pairs[j].Status
		}
		return pairs[i].Outcome < pairs[j].Outcome
	})
	return pairs
}

// NewGitHubStatusMapper maps GitHub Actions (status, conclusion) pairs
func NewGitHubStatusMapper() StatusMapper {
	return &tableMapper{
		provider: types.ProviderGitHub,
		table: map[StatusPair]types.JobStatus{
			{Status: "requested"}:   types.StatusCreated,
			{Status: "waiting"}:     types.StatusWaitingForResource,
			{Status: "queued"}:      types.StatusPending,
			{Status: "pending"}:     types.StatusPending,
			{Status: "in_progress"}: types.StatusRunning,

			{Status: "completed", Outcome: "success"}:         types.StatusSuccess,
			{Status: "completed", Outcome: "neutral"}:         types.StatusSuccess,
			{Status: "completed", Outcome: "failure"}:         types.StatusFailed,
			{Status: "completed", Outcome: "timed_out"}:       types.StatusFailed,
			{Status: "completed", Outcome: "startup_failure"}: types.StatusFailed,
			{Status: "completed", Outcome: "cancelled"}:       types.StatusCanceled,
			{Status: "completed", Outcome: "stale"}:           types.StatusCanceled,
			{Status: "completed", Outcome: "skipped"}:         types.StatusSkipped,
			{Status: "completed", Outcome: "action_required"}: types.StatusManual,
		},
		withOutcome: map[string]bool{"completed": true},
	}
}

// NewGitLabStatusMapper maps GitLab job statuses. GitLab statuses are already
// canonical apart from the transient canceling state.
func NewGitLabStatusMapper() StatusMapper {
	table := make(map[StatusPair]types.JobStatus, len(types.AllStatuses)+1)
	for _, s := range types.AllStatuses {
		table[StatusPair{Status: string(s)}] = s
	}
	table[StatusPair{Status: "canceling"}] = types.StatusCanceled

	return &tableMapper{
		provider: types.ProviderGitLab,
		table:    table,
	}
}
