package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/ci-exporter/internal/errors"
)

// Tick results
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// ExporterMetrics describes the exporter's own health
type ExporterMetrics struct {
	Ticks        *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	FetchErrors  *prometheus.CounterVec
	RecordErrors *prometheus.CounterVec
	StoredJobs   *prometheus.GaugeVec
}

// NewExporterMetrics creates the exporter's self metrics
func NewExporterMetrics() *ExporterMetrics {
	return &ExporterMetrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_exporter_ticks_total",
			Help: "Sync ticks by result",
		}, []string{"provider", "result"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ci_exporter_tick_duration_seconds",
			Help:    "Wall time of completed sync ticks",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_exporter_fetch_errors_total",
			Help: "Per-project fetch failures by kind",
		}, []string{"provider", "kind"}),
		RecordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_exporter_record_errors_total",
			Help: "Records skipped during adaptation by error category",
		}, []string{"provider", "category"}),
		StoredJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ci_exporter_stored_jobs",
			Help: "Jobs held in the store after the last tick",
		}, []string{"provider"}),
	}
}

// Collectors returns every self metric for registration
func (m *ExporterMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Ticks, m.TickDuration, m.FetchErrors, m.RecordErrors, m.StoredJobs}
}

// ObserveFetchError counts a per-project fetch failure
func (m *ExporterMetrics) ObserveFetchError(provider string, err error) {
	kind := string(apperrors.FetchKindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	m.FetchErrors.WithLabelValues(provider, kind).Inc()
}

// ObserveRecordError counts a skipped record
func (m *ExporterMetrics) ObserveRecordError(provider string, err error) {
	category := "unknown"
	if ce := apperrors.Categorize(err); ce != nil {
		category = string(ce.Category)
	}
	m.RecordErrors.WithLabelValues(provider, category).Inc()
}
