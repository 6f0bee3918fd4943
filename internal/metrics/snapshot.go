// Package metrics projects the job store into a metrics snapshot and exposes
// it in the Prometheus text format.
package metrics

import (
	"sort"
	"strings"
	"time"
)

// Sample is one gauge series
type Sample struct {
	Labels []string
	Value  float64
}

// HistogramSample is one histogram series. Buckets are cumulative counts,
// one per upper bound of the snapshot; Count includes the +Inf bucket.
type HistogramSample struct {
	Labels  []string
	Buckets []uint64
	Count   uint64
	Sum     float64
}

func (h *HistogramSample) observe(bounds []float64, v float64) {
	for i, b := range bounds {
		if v <= b {
			h.Buckets[i]++
		}
	}
	h.Count++
	h.Sum += v
}

func (h *HistogramSample) clone() *HistogramSample {
	c := *h
	c.Labels = append([]string(nil), h.Labels...)
	c.Buckets = append([]uint64(nil), h.Buckets...)
	return &c
}

// Snapshot is an immutable view of every exported series. A published
// snapshot is never modified; the next tick builds a new one.
type Snapshot struct {
	ProducedAt time.Time
	Bounds     []float64

	// JobCount holds the job count gauge, sorted by labels
	JobCount []Sample
	// LastJobLatency is the queue wait of the most recently finished job
	LastJobLatency *float64

	Latency  map[string]*HistogramSample
	Duration map[string]*HistogramSample
}

func emptySnapshot(bounds []float64) *Snapshot {
	return &Snapshot{
		Bounds:   bounds,
		Latency:  map[string]*HistogramSample{},
		Duration: map[string]*HistogramSample{},
	}
}

// GaugeValues returns the job count gauge keyed by joined labels
func (s *Snapshot) GaugeValues() map[string]float64 {
	values := make(map[string]float64, len(s.JobCount))
	for _, g := range s.JobCount {
		values[labelKey(g.Labels)] = g.Value
	}
	return values
}

// LatencyCount returns the total number of queue latency observations
func (s *Snapshot) LatencyCount() uint64 {
	return totalCount(s.Latency)
}

// DurationCount returns the total number of duration observations
func (s *Snapshot) DurationCount() uint64 {
	return totalCount(s.Duration)
}

func totalCount(series map[string]*HistogramSample) uint64 {
	var n uint64
	for _, h := range series {
		n += h.Count
	}
	return n
}

// sortedHistograms returns the series of m ordered by labels
func sortedHistograms(m map[string]*HistogramSample) []*HistogramSample {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*HistogramSample, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

func cloneHistograms(m map[string]*HistogramSample) map[string]*HistogramSample {
	c := make(map[string]*HistogramSample, len(m))
	for k, h := range m {
		c[k] = h.clone()
	}
	return c
}

// labelKey joins label values with a byte that cannot appear in UTF-8 text
func labelKey(labels []string) string {
	return strings.Join(labels, "\xff")
}
