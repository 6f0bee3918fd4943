package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// snapshotCollector exports the projector's current snapshot. Every scrape
// reads one published snapshot, so a scrape never sees a half-finished tick.
type snapshotCollector struct {
	projector *Projector

	jobCount    *prometheus.Desc
	latency     *prometheus.Desc
	duration    *prometheus.Desc
	lastLatency *prometheus.Desc
}

// Collector returns a prometheus collector over the current snapshot
func (p *Projector) Collector() prometheus.Collector {
	prefix := string(p.provider) + "_ci_"
	jobLabels := []string{"job_name"}
	if p.opts.ProjectLabel {
		jobLabels = append(jobLabels, "project")
	}
	withStatus := append([]string{"status"}, jobLabels...)

	return &snapshotCollector{
		projector: p,
		jobCount: prometheus.NewDesc(prefix+"job_count",
			"The total number of jobs by status and name", withStatus, nil),
		latency: prometheus.NewDesc(prefix+"job_latency",
			"Time jobs spent in queue before starting, in seconds", jobLabels, nil),
		duration: prometheus.NewDesc(prefix+"job_duration",
			"Execution time of finished jobs, in seconds", withStatus, nil),
		lastLatency: prometheus.NewDesc(prefix+"last_job_latency",
			"Time the most recently finished job spent in queue, in seconds", nil, nil),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobCount
	ch <- c.latency
	ch <- c.duration
	ch <- c.lastLatency
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.projector.Current()

	for _, g := range snap.JobCount {
		ch <- prometheus.MustNewConstMetric(c.jobCount, prometheus.GaugeValue, g.Value, g.Labels...)
	}
	for _, h := range sortedHistograms(snap.Latency) {
		ch <- constHistogram(c.latency, snap.Bounds, h)
	}
	for _, h := range sortedHistograms(snap.Duration) {
		ch <- constHistogram(c.duration, snap.Bounds, h)
	}
	if snap.LastJobLatency != nil {
		ch <- prometheus.MustNewConstMetric(c.lastLatency, prometheus.GaugeValue, *snap.LastJobLatency)
	}
}

func constHistogram(desc *prometheus.Desc, bounds []float64, h *HistogramSample) prometheus.Metric {
	buckets := make(map[float64]uint64, len(bounds))
	for i, b := range bounds {
		buckets[b] = h.Buckets[i]
	}
	return prometheus.MustNewConstHistogram(desc, h.Count, h.Sum, buckets, h.Labels...)
}

// NewRegistry returns a registry holding the projector's collector and extra
func NewRegistry(p *Projector, extra ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(p.Collector()); err != nil {
		return nil, fmt.Errorf("failed to register snapshot collector: %w", err)
	}
	for _, c := range extra {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return reg, nil
}

// WriteText writes every family gathered from g in the text exposition format
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to write metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
