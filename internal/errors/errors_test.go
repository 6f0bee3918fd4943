package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	storeErr := NewStoreError("upsert", fmt.Errorf("disk full"))
	wrapped := fmt.Errorf("tick failed: %w", storeErr)

	assert.Nil(t, Categorize(nil))
	assert.Nil(t, Categorize(fmt.Errorf("plain")))
	assert.Same(t, storeErr, Categorize(wrapped))
	assert.True(t, IsStore(wrapped))
	assert.False(t, IsFetch(wrapped))
}

func TestNewHTTPStatusError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  FetchKind
		retryable bool
	}{
		{"too many requests", http.StatusTooManyRequests, "", FetchRateLimit, true},
		{"github secondary rate limit", http.StatusForbidden, "API rate limit exceeded for user", FetchRateLimit, true},
		{"forbidden", http.StatusForbidden, "Resource not accessible", FetchAuth, false},
		{"unauthorized", http.StatusUnauthorized, "Bad credentials", FetchAuth, false},
		{"server error", http.StatusBadGateway, "", FetchHTTP, true},
		{"not found", http.StatusNotFound, "Not Found", FetchHTTP, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewHTTPStatusError("github", "octo/repo", tt.status, tt.body)
			assert.Equal(t, tt.wantKind, FetchKindOf(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.status, err.Details["statusCode"])
		})
	}
}

func TestFetchErrorCode(t *testing.T) {
	err := NewFetchError("gitlab", "group/app", FetchTimeout, fmt.Errorf("deadline"))
	assert.Equal(t, "FETCH_TIMEOUT", err.Code)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "group/app")
}

func TestMappingError(t *testing.T) {
	err := NewMappingError("github", "completed", "exploded")
	assert.True(t, IsMapping(err))
	assert.Contains(t, err.Error(), `"exploded"`)
	assert.False(t, IsRetryable(err))

	bare := NewMappingError("gitlab", "bogus", "")
	assert.NotContains(t, bare.Error(), "outcome")
}

func TestAdaptationError(t *testing.T) {
	err := NewAdaptationError("github", 42, "started before created", nil)
	assert.True(t, IsAdaptation(err))
	assert.Equal(t, int64(42), err.Details["jobId"])
}
