package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "terrains"

// CollectionMetrics records collection pipeline health.
type CollectionMetrics struct {
	runs          *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	recordsDelete prometheus.Counter
	recordsWrite  prometheus.Counter
}

// NewCollectionMetrics registers the collection collectors against registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewCollectionMetrics(registerer prometheus.Registerer) (*CollectionMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &CollectionMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "runs_total",
			Help:      "Collection runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a collection run.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		recordsDelete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "records_deleted_total",
			Help:      "Stale contribution records removed before a fetch.",
		}),
		recordsWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "records_written_total",
			Help:      "Contribution records committed by collection runs.",
		}),
	}
	collectors := []prometheus.Collector{m.runs, m.duration, m.recordsDelete, m.recordsWrite}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCollection records one finished run.
func (m *CollectionMetrics) ObserveCollection(outcome string, deleted, written int, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(duration.Seconds())
	if deleted > 0 {
		m.recordsDelete.Add(float64(deleted))
	}
	if written > 0 {
		m.recordsWrite.Add(float64(written))
	}
}
