// Package metrics defines the Prometheus metric collectors used by the
// indexer service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the indexer.
type Metrics struct {
	BatchesTotal          *prometheus.CounterVec
	BatchDuration         *prometheus.HistogramVec
	DocsIndexedTotal      prometheus.Counter
	DocsDeletedTotal      prometheus.Counter
	IndexDocumentCount    *prometheus.GaugeVec
	ActiveIndexes         prometheus.Gauge
	CacheKeysInvalidated  prometheus.Counter
	IndexingStepsReported *prometheus.CounterVec
}

// New creates all metrics and registers them on the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates all metrics and registers them on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_batches_total",
				Help: "Total document batches processed by status (succeeded, failed, rejected, aborted).",
			},
			[]string{"status"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_batch_duration_seconds",
				Help:    "Time spent indexing one batch, by kind (addition, deletion).",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_documents_indexed_total",
				Help: "Total documents read from addition batches.",
			},
		),
		DocsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_documents_deleted_total",
				Help: "Total documents removed by deletion batches.",
			},
		),
		IndexDocumentCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_index_document_count",
				Help: "Number of live documents per index.",
			},
			[]string{"index"},
		),
		ActiveIndexes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_active_indexes",
				Help: "Number of open indexes.",
			},
		),
		CacheKeysInvalidated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_cache_keys_invalidated_total",
				Help: "Search cache keys removed after committed batches.",
			},
		),
		IndexingStepsReported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_progress_steps_total",
				Help: "Progress notifications emitted by the indexing pipeline, by step.",
			},
			[]string{"step"},
		),
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.BatchDuration,
		m.DocsIndexedTotal,
		m.DocsDeletedTotal,
		m.IndexDocumentCount,
		m.ActiveIndexes,
		m.CacheKeysInvalidated,
		m.IndexingStepsReported,
	)

	return m
}

// ObserveBatch records the outcome of one processed batch.
func (m *Metrics) ObserveBatch(kind, status string, started time.Time) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(status).Inc()
	m.BatchDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
