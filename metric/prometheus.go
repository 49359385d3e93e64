// Package metric exports worker metrics to Prometheus.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vecworker"

var durationBuckets = []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5}

// Prometheus implements vecworker.MetricsCollector with Prometheus counters,
// histograms and a gauge.
type Prometheus struct {
	calls         *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	insertRetries prometheus.Counter
	deletedRows   prometheus.Counter
	searchK       prometheus.Histogram
	indexes       prometheus.Gauge
}

// NewPrometheus creates the collector and registers its metrics with reg.
// A nil reg registers nothing.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Worker calls by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Worker call latency by operation.",
			Buckets:   durationBuckets,
		}, []string{"op"}),
		insertRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insert_retries_total",
			Help:      "Inserts retried after a concurrent rebuild outdated their view.",
		}),
		deletedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_rows_total",
			Help:      "Rows marked deleted.",
		}),
		searchK: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_k",
			Help:      "Number of neighbors requested per search.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
		}),
		indexes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexes",
			Help:      "Number of hosted indexes.",
		}),
	}
	if reg == nil {
		return p, nil
	}
	for _, c := range []prometheus.Collector{p.calls, p.duration, p.insertRetries, p.deletedRows, p.searchK, p.indexes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) observe(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.calls.WithLabelValues(op, result).Inc()
	p.duration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordSearch implements vecworker.MetricsCollector.
func (p *Prometheus) RecordSearch(k int, d time.Duration, err error) {
	p.observe("search", d, err)
	p.searchK.Observe(float64(k))
}

// RecordInsert implements vecworker.MetricsCollector.
func (p *Prometheus) RecordInsert(retries int, d time.Duration, err error) {
	p.observe("insert", d, err)
	p.insertRetries.Add(float64(retries))
}

// RecordDelete implements vecworker.MetricsCollector.
func (p *Prometheus) RecordDelete(deleted int, d time.Duration, err error) {
	p.observe("delete", d, err)
	p.deletedRows.Add(float64(deleted))
}

// RecordFlush implements vecworker.MetricsCollector.
func (p *Prometheus) RecordFlush(d time.Duration, err error) {
	p.observe("flush", d, err)
}

// RecordStructural implements vecworker.MetricsCollector.
func (p *Prometheus) RecordStructural(op string, d time.Duration, err error) {
	p.observe(op, d, err)
}

// RecordIndexes implements vecworker.MetricsCollector.
func (p *Prometheus) RecordIndexes(n int) {
	p.indexes.Set(float64(n))
}
