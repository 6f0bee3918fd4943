package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/logging"
	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds configuration for a scheduler
type SchedulerConfig struct {
	Updater  Updater
	Projects []string
	Interval time.Duration
}

// Scheduler triggers an updater's tick on a fixed interval. The first tick
// runs on Start; a tick that would overlap a running one is skipped.
type Scheduler struct {
	updater  Updater
	projects []string
	interval time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Updater == nil {
		return nil, fmt.Errorf("updater cannot be nil")
	}
	if cfg.Interval < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s, got %v", cfg.Interval)
	}
	if len(cfg.Projects) == 0 {
		return nil, fmt.Errorf("at least one project is required")
	}
	return &Scheduler{
		updater:  cfg.Updater,
		projects: append([]string(nil), cfg.Projects...),
		interval: cfg.Interval,
	}, nil
}

// Start schedules ticks until Stop is called or ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler for %s is already running", s.updater.Provider())
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{log: logging.FromContext(ctx).WithField("provider", s.updater.Provider())}
	job := cron.NewChain(cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() { s.tick(ctx) }))

	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(logger))
	c.Schedule(cron.Every(s.interval), job)
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true

	logger.log.WithFields(map[string]interface{}{
		"interval": s.interval.String(),
		"projects": len(s.projects),
	}).Info("Scheduler started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		job.Run()
	}()
	return nil
}

// Stop cancels the running tick and waits for scheduled work to return
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler for %s is not running", s.updater.Provider())
	}
	s.running = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	cancel()
	stopped := c.Stop()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.FromContext(ctx).WithField("provider", s.updater.Provider()).Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.updater.Tick(ctx, s.projects)
	if errors.Is(err, apperrors.ErrTickInProgress) {
		logging.FromContext(ctx).WithError(err).Debug("Tick skipped")
	}
}

// cronLogger routes cron's logging through the structured logger
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).WithError(err).Error(msg)
}

func pairs(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
