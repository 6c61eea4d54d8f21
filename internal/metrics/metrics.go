// Package metrics exposes Prometheus collectors for dump sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "db_dump"

// Metrics groups the dump collectors. A nil *Metrics is valid and records
// nothing, so components can treat metrics as optional.
type Metrics struct {
	stepsTotal      *prometheus.CounterVec
	stepDuration    prometheus.Histogram
	chunksTotal     prometheus.Counter
	rowsTotal       *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	completedTotal  prometheus.Counter
	tablesRemaining prometheus.Gauge
	lockHeld        prometheus.Gauge
	publishedTotal  *prometheus.CounterVec
	publishedBytes  prometheus.Histogram
}

// New creates the collectors and registers them with reg. Registration panics
// on duplicates, like prometheus.MustRegister.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Dump steps by outcome (progress, ready, error).",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of a single dump step.",
			Buckets:   prometheus.DefBuckets,
		}),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Row chunks appended to dump artifacts.",
		}),
		rowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_exported_total",
			Help:      "Rows written to dump artifacts by table.",
		}, []string{"table"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Dump failures by error kind.",
		}, []string{"kind"}),
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_total",
			Help:      "Dump sessions that reached completion.",
		}),
		tablesRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tables_remaining",
			Help:      "Tables still to export in the current session.",
		}),
		lockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_held",
			Help:      "1 while this process holds the table locks.",
		}),
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Artifact uploads by status.",
		}, []string{"status"}),
		publishedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "published_bytes",
			Help:      "Size of uploaded artifacts.",
			Buckets:   prometheus.ExponentialBuckets(1024, 10, 7),
		}),
	}

	reg.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.chunksTotal,
		m.rowsTotal,
		m.errorsTotal,
		m.completedTotal,
		m.tablesRemaining,
		m.lockHeld,
		m.publishedTotal,
		m.publishedBytes,
	)
	return m
}

func (m *Metrics) ObserveStep(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(outcome).Inc()
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveChunk(table string, rows int) {
	if m == nil {
		return
	}
	m.chunksTotal.Inc()
	m.rowsTotal.WithLabelValues(table).Add(float64(rows))
}

func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveCompleted() {
	if m == nil {
		return
	}
	m.completedTotal.Inc()
}

func (m *Metrics) SetTablesRemaining(n int) {
	if m == nil {
		return
	}
	m.tablesRemaining.Set(float64(n))
}

func (m *Metrics) SetLockHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.lockHeld.Set(1)
	} else {
		m.lockHeld.Set(0)
	}
}

func (m *Metrics) ObservePublish(success bool, size int64) {
	if m == nil {
		return
	}
	if !success {
		m.publishedTotal.WithLabelValues("error").Inc()
		return
	}
	m.publishedTotal.WithLabelValues("success").Inc()
	m.publishedBytes.Observe(float64(size))
}
