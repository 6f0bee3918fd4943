package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(&SchedulerConfig{Projects: []string{project}, Interval: time.Second})
	assert.Error(t, err)

	_, err = NewScheduler(&SchedulerConfig{Updater: &fakeUpdater{}, Projects: []string{project}, Interval: time.Millisecond})
	assert.Error(t, err)

	_, err = NewScheduler(&SchedulerConfig{Updater: &fakeUpdater{}, Interval: time.Second})
	assert.Error(t, err)
}

func TestScheduler_FirstTickRunsImmediately(t *testing.T) {
	u := &fakeUpdater{}
	s, err := NewScheduler(&SchedulerConfig{Updater: u, Projects: []string{project}, Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "already running")

	require.Eventually(t, func() bool { return u.ticks.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(testContext(t)))
	assert.Error(t, s.Stop(testContext(t)), "not running")
}

func TestScheduler_StopCancelsRunningTick(t *testing.T) {
	u := &fakeUpdater{delay: time.Hour}
	s, err := NewScheduler(&SchedulerConfig{Updater: u, Projects: []string{project}, Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return u.ticks.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	u := &fakeUpdater{delay: 1500 * time.Millisecond}
	s, err := NewScheduler(&SchedulerConfig{Updater: u, Projects: []string{project}, Interval: time.Second})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(1200 * time.Millisecond)
	// the scheduled run at 1s overlapped the first tick and was skipped
	assert.Equal(t, int32(1), u.ticks.Load())
	require.NoError(t, s.Stop(testContext(t)))
}
