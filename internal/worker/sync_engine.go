package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ci-exporter/internal/adapter"
	"github.com/ci-exporter/internal/config"
	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/metrics"
	"github.com/ci-exporter/internal/retry"
	"github.com/ci-exporter/internal/storage"
	"github.com/ci-exporter/internal/types"
	"github.com/google/uuid"
)

// Updater runs sync ticks for one CI provider
type Updater interface {
	Provider() types.ProviderID
	// Tick fetches, adapts, stores and projects once. It returns
	// ErrTickInProgress instead of overlapping a running tick.
	Tick(ctx context.Context, projects []string) (*TickReport, error)
	Status() Status
}

// Tick stages, in order
const (
	StageIdle       = "idle"
	StageFetching   = "fetching"
	StageAdapting   = "adapting"
	StageStoring    = "storing"
	StageProjecting = "projecting"
)

// TickReport summarizes one tick
type TickReport struct {
	TickID      string            `json:"tickId"`
	Provider    types.ProviderID  `json:"provider"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	Projects    int               `json:"projects"`
	Fetched     int               `json:"fetched"`
	Stored      int               `json:"stored"`
	Skipped     int               `json:"skipped"`
	FetchErrors map[string]string `json:"fetchErrors,omitempty"`
	Observed    map[string]int    `json:"observed,omitempty"`
	Published   bool              `json:"published"`
	Error       string            `json:"error,omitempty"`
}

// Status is a point-in-time view of an engine
type Status struct {
	Provider    types.ProviderID `json:"provider"`
	Stage       string           `json:"stage"`
	Ticks       int64            `json:"ticks"`
	Failures    int64            `json:"failures"`
	LastSuccess time.Time        `json:"lastSuccess,omitempty"`
	LastReport  *TickReport      `json:"lastReport,omitempty"`
}

// SyncEngineConfig holds configuration for a sync engine
type SyncEngineConfig struct {
	Fetcher   *FetchCoordinator
	Adapter   adapter.RecordAdapter
	Store     storage.JobStore
	Projector *metrics.Projector
	// Lease extends single-flight across processes sharing a store (optional)
	Lease *storage.TickLease
	// Metrics records the exporter's own health (optional)
	Metrics *metrics.ExporterMetrics
	Now     func() time.Time
}

// SyncEngine runs the fetch, adapt, store and project pipeline
type SyncEngine struct {
	provider  types.ProviderID
	fetcher   *FetchCoordinator
	adapter   adapter.RecordAdapter
	store     storage.JobStore
	projector *metrics.Projector
	lease     *storage.TickLease
	metrics   *metrics.ExporterMetrics
	now       func() time.Time

	running atomic.Bool
	stage   atomic.Value // string

	mu          sync.RWMutex
	ticks       int64
	failures    int64
	lastSuccess time.Time
	lastReport  *TickReport
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(cfg *SyncEngineConfig) (*SyncEngine, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetch coordinator cannot be nil")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("record adapter cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if cfg.Projector == nil {
		return nil, fmt.Errorf("metrics projector cannot be nil")
	}
	provider := cfg.Fetcher.client.Provider()
	if cfg.Adapter.Provider() != provider {
		return nil, fmt.Errorf("adapter for %s cannot adapt %s records", cfg.Adapter.Provider(), provider)
	}
	if cfg.Projector.Provider() != provider {
		return nil, fmt.Errorf("projector for %s cannot project %s records", cfg.Projector.Provider(), provider)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &SyncEngine{
		provider:  provider,
		fetcher:   cfg.Fetcher,
		adapter:   cfg.Adapter,
		store:     cfg.Store,
		projector: cfg.Projector,
		lease:     cfg.Lease,
		metrics:   cfg.Metrics,
		now:       now,
	}
	e.stage.Store(StageIdle)
	return e, nil
}

// UpdaterOptions holds the collaborators every provider updater shares
type UpdaterOptions struct {
	Store     storage.JobStore
	Projector *metrics.Projector
	Lease     *storage.TickLease
	Metrics   *metrics.ExporterMetrics
	// Client overrides the HTTP client the provider client is built on
	Client *adapter.ClientOptions
}

func clientOptions(cfg *config.ProviderConfig, token string, opts *UpdaterOptions) adapter.ClientOptions {
	if opts.Client != nil {
		return *opts.Client
	}
	return adapter.ClientOptions{
		Token:   token,
		Timeout: cfg.Timeout,
		RPS:     cfg.RPS,
		Retry:   retry.DefaultRetryConfig(),
	}
}

// NewGitHubUpdater creates an updater for GitHub Actions. History is bounded
// by the configured time window.
func NewGitHubUpdater(cfg *config.ProviderConfig, opts *UpdaterOptions) (*SyncEngine, error) {
	client := adapter.NewGitHubClient(cfg.GitHub.APIURL, clientOptions(cfg, cfg.GitHub.Token, opts))
	fetcher, err := NewFetchCoordinator(&FetchCoordinatorConfig{
		Client:      client,
		Window:      cfg.GitHub.Window,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	return newUpdater(fetcher, adapter.NewGitHubAdapter(), opts)
}

// NewGitLabUpdater creates an updater for GitLab CI. History is bounded by
// the configured job count.
func NewGitLabUpdater(cfg *config.ProviderConfig, opts *UpdaterOptions) (*SyncEngine, error) {
	client := adapter.NewGitLabClient(cfg.GitLab.Host, cfg.GitLab.PerPage, clientOptions(cfg, cfg.GitLab.Token, opts))
	fetcher, err := NewFetchCoordinator(&FetchCoordinatorConfig{
		Client:      client,
		MaxJobs:     cfg.GitLab.MaxJobs,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	return newUpdater(fetcher, adapter.NewGitLabAdapter(), opts)
}

// NewUpdater creates the updater of the configured provider
func NewUpdater(cfg *config.ProviderConfig, opts *UpdaterOptions) (*SyncEngine, error) {
	provider, err := types.ParseProvider(cfg.Name)
	if err != nil {
		return nil, err
	}
	switch provider {
	case types.ProviderGitLab:
		return NewGitLabUpdater(cfg, opts)
	default:
		return NewGitHubUpdater(cfg, opts)
	}
}

func newUpdater(fetcher *FetchCoordinator, a adapter.RecordAdapter, opts *UpdaterOptions) (*SyncEngine, error) {
	return NewSyncEngine(&SyncEngineConfig{
		Fetcher:   fetcher,
		Adapter:   a,
		Store:     opts.Store,
		Projector: opts.Projector,
		Lease:     opts.Lease,
		Metrics:   opts.Metrics,
	})
}

// Provider returns the provider the engine syncs
func (e *SyncEngine) Provider() types.ProviderID {
	return e.provider
}

// Status returns the engine's current stage and last tick report
func (e *SyncEngine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Provider:    e.provider,
		Stage:       e.stage.Load().(string),
		Ticks:       e.ticks,
		Failures:    e.failures,
		LastSuccess: e.lastSuccess,
		LastReport:  e.lastReport,
	}
}

// Tick runs the pipeline once. Per-project fetch failures and per-record
// adaptation failures are reported and skipped; a store or projection
// failure, or cancellation, ends the tick without publishing metrics.
func (e *SyncEngine) Tick(ctx context.Context, projects []string) (*TickReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.countTick(metrics.ResultSkipped)
		return nil, apperrors.ErrTickInProgress
	}
	defer e.running.Store(false)
	defer e.stage.Store(StageIdle)

	report := &TickReport{
		TickID:    uuid.NewString(),
		Provider:  e.provider,
		StartedAt: e.now().UTC(),
		Projects:  len(projects),
	}
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tick_id":  report.TickID,
		"provider": e.provider,
	})
	ctx = logging.WithLogger(ctx, log)

	if e.lease == nil {
		err := e.run(ctx, log, projects, report)
		return e.finish(log, report, err)
	}

	token, ok, err := e.lease.Acquire(ctx)
	if err != nil {
		return e.finish(log, report, err)
	}
	if !ok {
		e.countTick(metrics.ResultSkipped)
		log.Debug("Tick lease held elsewhere, refreshing gauges only")
		e.follow(ctx, log)
		return nil, fmt.Errorf("%w: lease held by another process", apperrors.ErrTickInProgress)
	}
	defer func() {
		if err := e.lease.Release(context.WithoutCancel(ctx), token); err != nil {
			log.WithError(err).Warn("Failed to release tick lease")
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := e.keepLease(runCtx, log, token, cancel)

	err = e.run(runCtx, log, projects, report)
	stop()
	if err != nil && errors.Is(context.Cause(runCtx), storage.ErrLeaseLost) {
		err = fmt.Errorf("%w: %v", storage.ErrLeaseLost, err)
	}
	return e.finish(log, report, err)
}

// follow keeps the gauges of a replica that does not own the tick in step
// with the shared store. Histogram samples stay with the lease holder.
func (e *SyncEngine) follow(ctx context.Context, log *logging.Logger) {
	e.stage.Store(StageProjecting)
	if _, err := e.projector.RefreshGauges(ctx); err != nil {
		log.WithError(err).Warn("Gauge refresh failed, keeping previous metrics")
		return
	}
	e.recordStored(ctx)
}

// keepLease renews the lease every third of its TTL until stop is called.
// When the lease is lost the tick is cancelled so nothing is published.
func (e *SyncEngine) keepLease(ctx context.Context, log *logging.Logger, token string, cancel context.CancelCauseFunc) (stop func()) {
	interval := e.lease.TTL() / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := e.lease.Extend(ctx, token)
				if err != nil {
					// the next attempt may still land before the TTL runs out
					log.WithError(err).Warn("Failed to renew tick lease")
					continue
				}
				if !ok {
					log.Error("Tick lease lost, abandoning tick")
					cancel(storage.ErrLeaseLost)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *SyncEngine) run(ctx context.Context, log *logging.Logger, projects []string, report *TickReport) error {
	e.stage.Store(StageFetching)
	fetched, err := e.fetcher.Fetch(ctx, projects)
	if err != nil {
		return err
	}
	report.Fetched = fetched.Records()
	if len(fetched.Errors) > 0 {
		report.FetchErrors = make(map[string]string, len(fetched.Errors))
		for project, ferr := range fetched.Errors {
			report.FetchErrors[project] = ferr.Error()
			if e.metrics != nil {
				e.metrics.ObserveFetchError(string(e.provider), ferr)
			}
		}
	}

	e.stage.Store(StageAdapting)
	jobs, recordErrs := adapter.AdaptBatches(e.adapter, fetched.Batches)
	report.Skipped = len(recordErrs)
	for _, rerr := range recordErrs {
		log.WithError(rerr).Warn("Skipping job record")
		if e.metrics != nil {
			e.metrics.ObserveRecordError(string(e.provider), rerr)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.stage.Store(StageStoring)
	if err := e.store.UpsertMany(ctx, jobs); err != nil {
		return err
	}
	report.Stored = len(jobs)

	e.stage.Store(StageProjecting)
	staged, err := e.projector.Project(ctx)
	if err != nil {
		return err
	}
	if err := e.projector.Commit(ctx, staged); err != nil {
		return err
	}
	report.Published = true
	if len(staged.Observed) > 0 {
		report.Observed = make(map[string]int, len(staged.Observed))
		for field, ids := range staged.Observed {
			report.Observed[string(field)] = len(ids)
		}
	}

	e.recordStored(ctx)
	return nil
}

func (e *SyncEngine) recordStored(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	if n, err := e.store.Count(ctx); err == nil {
		e.metrics.StoredJobs.WithLabelValues(string(e.provider)).Set(float64(n))
	}
}

func (e *SyncEngine) finish(log *logging.Logger, report *TickReport, err error) (*TickReport, error) {
	report.FinishedAt = e.now().UTC()
	elapsed := report.FinishedAt.Sub(report.StartedAt)

	e.mu.Lock()
	e.ticks++
	if err != nil {
		e.failures++
		report.Error = err.Error()
	} else {
		e.lastSuccess = report.FinishedAt
	}
	e.lastReport = report
	e.mu.Unlock()

	fields := map[string]interface{}{
		"projects":     report.Projects,
		"fetched":      report.Fetched,
		"stored":       report.Stored,
		"skipped":      report.Skipped,
		"fetch_errors": len(report.FetchErrors),
		"elapsed_ms":   elapsed.Milliseconds(),
	}
	if err != nil {
		e.countTick(metrics.ResultFailed)
		log.WithFields(fields).WithError(err).Error("Tick failed, keeping previous metrics")
		return report, err
	}

	e.countTick(metrics.ResultSuccess)
	if e.metrics != nil {
		e.metrics.TickDuration.WithLabelValues(string(e.provider)).Observe(elapsed.Seconds())
	}
	log.WithFields(fields).Info("Tick completed")
	return report, nil
}

func (e *SyncEngine) countTick(result string) {
	if e.metrics != nil {
		e.metrics.Ticks.WithLabelValues(string(e.provider), result).Inc()
	}
}
