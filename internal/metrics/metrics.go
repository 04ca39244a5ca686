// Package metrics exposes prometheus collectors for the refresh pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "adobs"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	RefreshRuns       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	PublishedClusters prometheus.Gauge
	PublishedRows     *prometheus.GaugeVec
	FingerprintErrors prometheus.Counter
	IngestedRecords   *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RefreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_runs_total",
			Help:      "Refresh runs by final status",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_stage_duration_seconds",
			Help:      "Time spent in each refresh stage",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),
		PublishedClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "published_clusters",
			Help:      "Clusters in the live generation",
		}),
		PublishedRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "published_rollup_rows",
			Help:      "Rollup rows in the live generation by spec",
		}, []string{"spec"}),
		FingerprintErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_image_failures_total",
			Help:      "Creatives that fell back to text-only fingerprints",
		}),
		IngestedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_records_total",
			Help:      "Feed records by kind and outcome",
		}, []string{"kind", "outcome"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RefreshRuns,
		m.StageDuration,
		m.PublishedClusters,
		m.PublishedRows,
		m.FingerprintErrors,
		m.IngestedRecords,
	)
	return m
}

// Gatherer returns the registry for HTTP export.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) CountRun(status string) {
	if m == nil {
		return
	}
	m.RefreshRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) CountFingerprintFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FingerprintErrors.Add(float64(n))
}

func (m *Metrics) CountIngested(kind, outcome string) {
	if m == nil {
		return
	}
	m.IngestedRecords.WithLabelValues(kind, outcome).Inc()
}

// SetPublished records the size of a newly published generation.
func (m *Metrics) SetPublished(clusters int, rowsBySpec map[string]int) {
	if m == nil {
		return
	}
	m.PublishedClusters.Set(float64(clusters))
	m.PublishedRows.Reset()
	for spec, rows := range rowsBySpec {
		m.PublishedRows.WithLabelValues(spec).Set(float64(rows))
	}
}
