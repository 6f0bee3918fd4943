package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusOrdinal(t *testing.T) {
	for i, s := range AllStatuses {
		assert.Equal(t, i, s.Ordinal(), "status %s", s)
		assert.True(t, s.Valid())
	}
	assert.Equal(t, -1, JobStatus("queued").Ordinal())
	assert.False(t, JobStatus("").Valid())
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		StatusSuccess:  true,
		StatusFailed:   true,
		StatusCanceled: true,
		StatusSkipped:  true,
	}
	for _, s := range AllStatuses {
		assert.Equal(t, terminal[s], s.Terminal(), "status %s", s)
	}
}

func TestParseJobStatus(t *testing.T) {
	s, err := ParseJobStatus("running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	_, err = ParseJobStatus("in_progress")
	assert.Error(t, err)
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("gitlab")
	require.NoError(t, err)
	assert.Equal(t, ProviderGitLab, p)

	_, err = ParseProvider("jenkins")
	assert.Error(t, err)
}
