package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:        "github",
		MaxFailures: 2,
		Timeout:     time.Minute,
		Now:         clock.Now,
	})
}

var (
	networkErr = apperrors.NewFetchError("github", "octo/repo", apperrors.FetchNetwork, errors.New("reset"))
	authErr    = apperrors.NewFetchError("github", "octo/repo", apperrors.FetchAuth, errors.New("denied"))
)

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	assert.Equal(t, networkErr, cb.Execute(ctx, fail(networkErr)))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, networkErr, cb.Execute(ctx, fail(networkErr)))
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoresNonHealthErrors(t *testing.T) {
	cb := newTestBreaker(&fakeClock{t: time.Now()})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, fail(authErr))
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := newTestBreaker(&fakeClock{t: time.Now()})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(networkErr))
	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail(networkErr))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(networkErr))
	_ = cb.Execute(ctx, fail(networkErr))
	assert.Equal(t, StateOpen, cb.GetState())

	clock.t = clock.t.Add(2 * time.Minute)
	assert.Equal(t, networkErr, cb.Execute(ctx, fail(networkErr)))
	assert.Equal(t, StateOpen, cb.GetState(), "failed probe reopens")

	clock.t = clock.t.Add(2 * time.Minute)
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(&fakeClock{t: time.Now()})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail(networkErr))
	_ = cb.Execute(ctx, fail(networkErr))

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(ctx, ok))
}
