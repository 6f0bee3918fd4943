package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/storage"
	"github.com/ci-exporter/internal/types"
)

// DefaultBuckets are the histogram upper bounds in seconds
var DefaultBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// Options configures a Projector
type Options struct {
	// Buckets are strictly increasing histogram upper bounds; empty means DefaultBuckets
	Buckets []float64
	// ProjectLabel adds the project label to every job series
	ProjectLabel bool
	// Now is the clock used for ProducedAt
	Now func() time.Time
}

// Staged is a projected snapshot whose observation markers are not yet committed
type Staged struct {
	Snapshot *Snapshot
	// Observed lists, per field, the jobs whose samples the snapshot added
	Observed map[types.ObservationField][]int64

	base *Snapshot
}

// Projector derives metrics snapshots from a job store. Gauges are recomputed
// from scratch on every projection; histogram samples are added once per job
// and never removed.
type Projector struct {
	store    storage.JobStore
	provider types.ProviderID
	opts     Options

	// mu serializes projections so each one builds on the last published snapshot
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewProjector creates a projector and publishes an empty snapshot
func NewProjector(store storage.JobStore, provider types.ProviderID, opts Options) (*Projector, error) {
	if len(opts.Buckets) == 0 {
		opts.Buckets = DefaultBuckets
	}
	for i, b := range opts.Buckets {
		if math.IsNaN(b) || math.IsInf(b, 0) || (i > 0 && b <= opts.Buckets[i-1]) {
			return nil, fmt.Errorf("histogram buckets must be finite and strictly increasing: %v", opts.Buckets)
		}
	}
	opts.Buckets = append([]float64(nil), opts.Buckets...)
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Projector{store: store, provider: provider, opts: opts}
	p.current.Store(emptySnapshot(opts.Buckets))
	return p, nil
}

// Provider returns the provider the projected metrics are named after
func (p *Projector) Provider() types.ProviderID {
	return p.provider
}

// ProjectLabel reports whether series carry the project label
func (p *Projector) ProjectLabel() bool {
	return p.opts.ProjectLabel
}

// Current returns the last published snapshot. It never blocks on a projection.
func (p *Projector) Current() *Snapshot {
	return p.current.Load()
}

// Refresh projects the store, commits the observation markers and publishes
// the result. On any error the previous snapshot stays current.
func (p *Projector) Refresh(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	staged, err := p.project(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.commit(ctx, staged); err != nil {
		return nil, err
	}
	return staged.Snapshot, nil
}

// RefreshGauges recomputes and publishes the gauges only. Histograms carry
// over unchanged and no sample is observed or marked, so a replica that does
// not own the tick keeps its gauges current without taking samples from the
// replica that does.
func (p *Projector) RefreshGauges(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.current.Load()
	next := &Snapshot{
		ProducedAt: p.opts.Now().UTC(),
		Bounds:     p.opts.Buckets,
		Latency:    base.Latency,
		Duration:   base.Duration,
	}
	if err := p.gauges(ctx, next); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.current.Store(next)
	return next, nil
}

// Project stages a snapshot built on the current one without publishing it
func (p *Projector) Project(ctx context.Context) (*Staged, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.project(ctx)
}

// Commit records the staged observations in the store and then publishes the
// staged snapshot. A snapshot staged before another publish is rejected.
func (p *Projector) Commit(ctx context.Context, staged *Staged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commit(ctx, staged)
}

func (p *Projector) commit(ctx context.Context, staged *Staged) error {
	if staged == nil || staged.Snapshot == nil {
		return apperrors.NewProjectionError("nothing staged", nil)
	}
	if staged.base != p.current.Load() {
		return apperrors.NewProjectionError("snapshot changed since staging", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(staged.Observed) > 0 {
		if err := p.store.MarkObserved(ctx, staged.Observed); err != nil {
			return err
		}
	}
	p.current.Store(staged.Snapshot)
	return nil
}

func (p *Projector) project(ctx context.Context) (*Staged, error) {
	base := p.current.Load()
	next := &Snapshot{
		ProducedAt: p.opts.Now().UTC(),
		Bounds:     p.opts.Buckets,
		Latency:    cloneHistograms(base.Latency),
		Duration:   cloneHistograms(base.Duration),
	}

	if err := p.gauges(ctx, next); err != nil {
		return nil, err
	}

	observed := make(map[types.ObservationField][]int64, 2)
	for _, field := range []types.ObservationField{types.FieldQueuedDuration, types.FieldDuration} {
		ids, err := p.observePending(ctx, next, field)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			observed[field] = ids
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"provider":          p.provider,
		"series":            len(next.JobCount),
		"latency_observed":  len(observed[types.FieldQueuedDuration]),
		"duration_observed": len(observed[types.FieldDuration]),
	}).Debug("Projected metrics snapshot")

	return &Staged{Snapshot: next, Observed: observed, base: base}, nil
}

// gauges recomputes the point in time series of next
func (p *Projector) gauges(ctx context.Context, next *Snapshot) error {
	counts, err := p.jobCounts(ctx)
	if err != nil {
		return err
	}
	next.JobCount = counts

	last, err := p.lastJobLatency(ctx)
	if err != nil {
		return err
	}
	next.LastJobLatency = last
	return nil
}

// jobCounts recomputes the job count gauge
func (p *Projector) jobCounts(ctx context.Context) ([]Sample, error) {
	dims := []types.Dimension{types.DimensionStatus, types.DimensionName}
	if p.opts.ProjectLabel {
		dims = append(dims, types.DimensionProject)
	}
	counts, err := p.store.CountBy(ctx, dims...)
	if err != nil {
		return nil, err
	}

	samples := make([]Sample, 0, len(counts))
	for _, c := range counts {
		if !c.Status.Valid() {
			return nil, apperrors.NewProjectionError(fmt.Sprintf("stored status %q is not canonical", c.Status), nil)
		}
		if c.Count <= 0 {
			continue
		}
		samples = append(samples, Sample{
			Labels: p.labels(c.Status, c.Name, c.Project, true),
			Value:  float64(c.Count),
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		return labelKey(samples[i].Labels) < labelKey(samples[j].Labels)
	})
	return samples, nil
}

// lastJobLatency is the queue wait of the most recently finished job
func (p *Projector) lastJobLatency(ctx context.Context) (*float64, error) {
	job, err := p.store.LastFinished(ctx)
	if errors.Is(err, storage.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return queueWait(job), nil
}

func queueWait(job *models.Job) *float64 {
	if job.QueuedDuration != nil {
		v := *job.QueuedDuration
		return &v
	}
	if job.StartedAt == nil {
		return nil
	}
	v := job.StartedAt.Sub(job.CreatedAt).Seconds()
	return &v
}

// observePending adds every not yet observed sample of field to next and
// returns the ids it observed
func (p *Projector) observePending(ctx context.Context, next *Snapshot, field types.ObservationField) ([]int64, error) {
	jobs, err := p.store.SelectPendingObservation(ctx, field)
	if err != nil {
		return nil, err
	}

	series := next.Latency
	withStatus := false
	if field == types.FieldDuration {
		series = next.Duration
		withStatus = true
	}

	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		v, ok := job.ObservableValue(field)
		if !ok {
			return nil, apperrors.NewProjectionError(fmt.Sprintf("job %d is pending %s but has no final value", job.ID, field), nil)
		}
		if math.IsNaN(v) {
			return nil, apperrors.NewProjectionError(fmt.Sprintf("job %d has NaN %s", job.ID, field), nil)
		}

		labels := p.labels(job.Status, job.Name, job.Project, withStatus)
		key := labelKey(labels)
		h, ok := series[key]
		if !ok {
			h = &HistogramSample{Labels: labels, Buckets: make([]uint64, len(next.Bounds))}
			series[key] = h
		}
		h.observe(next.Bounds, v)
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// labels builds series label values in the order of the metric descriptors
func (p *Projector) labels(status types.JobStatus, name, project string, withStatus bool) []string {
	labels := make([]string, 0, 3)
	if withStatus {
		labels = append(labels, string(status))
	}
	labels = append(labels, name)
	if p.opts.ProjectLabel {
		labels = append(labels, project)
	}
	return labels
}
