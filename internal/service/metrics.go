package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "netviz"

// Metrics are the pipeline's Prometheus instruments.
type Metrics struct {
	RefreshCycles   *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	FetchPages      prometheus.Counter
	FetchRetries    *prometheus.CounterVec
	SkippedRecords  prometheus.Counter
	SnapshotVersion prometheus.Gauge
	SnapshotRecords prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_cycles_total",
			Help:      "Refresh cycles by result (published, degraded, failed, coalesced, cancelled).",
		}, []string{"result"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of refresh cycles that reached the publishing stage.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		FetchPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_pages_total",
			Help:      "Registry API pages fetched successfully.",
		}),
		FetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_retries_total",
			Help:      "Registry API request retries by failure kind.",
		}, []string{"kind"}),
		SkippedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "normalize_skipped_records_total",
			Help:      "Raw records rejected by the normalizer.",
		}),
		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_version",
			Help:      "Version of the currently published snapshot.",
		}),
		SnapshotRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_records",
			Help:      "Number of networks in the currently published snapshot.",
		}),
	}

	reg.MustRegister(
		m.RefreshCycles,
		m.RefreshDuration,
		m.FetchPages,
		m.FetchRetries,
		m.SkippedRecords,
		m.SnapshotVersion,
		m.SnapshotRecords,
	)
	return m
}
