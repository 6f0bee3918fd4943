package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ci-exporter/internal/circuitbreaker"
	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestClient_RetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := newRestClient(types.ProviderGitHub, ClientOptions{Retry: testRetry()})
	var out struct{ OK bool }
	next, err := c.getJSON(context.Background(), "octo/repo", srv.URL, &out)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   apperrors.FetchKind
		calls  int32
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Bad credentials"}`, apperrors.FetchAuth, 1},
		{"secondary rate limit", http.StatusForbidden, `{"message":"API rate limit exceeded"}`, apperrors.FetchRateLimit, 3},
		{"server error", http.StatusBadGateway, "", apperrors.FetchHTTP, 3},
		{"not found", http.StatusNotFound, "", apperrors.FetchHTTP, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newRestClient(types.ProviderGitHub, ClientOptions{Retry: testRetry()})
			var out map[string]interface{}
			_, err := c.getJSON(context.Background(), "octo/repo", srv.URL, &out)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.FetchKindOf(err))
			assert.Equal(t, tt.calls, atomic.LoadInt32(&calls))
		})
	}
}

func TestRestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	c := newRestClient(types.ProviderGitLab, ClientOptions{Retry: testRetry()})
	var out []interface{}
	_, err := c.getJSON(context.Background(), "group/app", srv.URL, &out)
	assert.Equal(t, apperrors.FetchDecode, apperrors.FetchKindOf(err))
}

func TestRestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	retryCfg := testRetry()
	retryCfg.MaxAttempts = 1
	c := newRestClient(types.ProviderGitHub, ClientOptions{Timeout: 20 * time.Millisecond, Retry: retryCfg})
	var out interface{}
	_, err := c.getJSON(context.Background(), "octo/repo", srv.URL, &out)
	assert.Equal(t, apperrors.FetchTimeout, apperrors.FetchKindOf(err))
}

func TestRestClient_OpenCircuitIsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{Name: "github", MaxFailures: 2, Timeout: time.Hour})
	retryCfg := testRetry()
	retryCfg.MaxAttempts = 1
	c := newRestClient(types.ProviderGitHub, ClientOptions{Retry: retryCfg, Breaker: breaker})

	var out interface{}
	_, _ = c.getJSON(context.Background(), "octo/a", srv.URL, &out)
	_, _ = c.getJSON(context.Background(), "octo/b", srv.URL, &out)
	_, err := c.getJSON(context.Background(), "octo/c", srv.URL, &out)

	assert.Equal(t, apperrors.FetchUnavailable, apperrors.FetchKindOf(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRestClient_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newRestClient(types.ProviderGitHub, ClientOptions{Retry: testRetry()})
	var out interface{}
	_, err := c.getJSON(ctx, "octo/repo", srv.URL, &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperrors.IsFetch(err))
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`, "https://api.github.com/x?page=2"},
		{`<https://gitlab.example/x?page=1>; rel="first", <https://gitlab.example/x?page=3>; rel="next"`, "https://gitlab.example/x?page=3"},
		{`<https://api.github.com/x?page=1>; rel="prev"`, ""},
		{`garbage`, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, nextLink(tt.header))
	}
}
