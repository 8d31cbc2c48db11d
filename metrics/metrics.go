// Package metrics defines the instrumentation surface for the write queue
// and sync engine. Callers hold the Collector interface; the Prometheus
// implementation is opt-in so embedded and test builds pay nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes recorded per write.
const (
	OutcomeDirect   = "direct"
	OutcomeQueued   = "queued"
	OutcomeRejected = "rejected"
)

// Collector receives instrumentation events from the gateway and engine.
type Collector interface {
	RecordEnqueue(collection string)
	RecordDispatch(collection, outcome string)
	RecordDrainDuration(collection string, d time.Duration)
	RecordItemSynced(collection string)
	RecordItemFailed(collection string, permanent bool)
	SetQueueDepth(collection string, depth int)
}

type noopCollector struct{}

func (noopCollector) RecordEnqueue(string)                      {}
func (noopCollector) RecordDispatch(string, string)             {}
func (noopCollector) RecordDrainDuration(string, time.Duration) {}
func (noopCollector) RecordItemSynced(string)                   {}
func (noopCollector) RecordItemFailed(string, bool)             {}
func (noopCollector) SetQueueDepth(string, int)                 {}

// NoOp returns a collector that discards everything.
func NoOp() Collector { return noopCollector{} }

// PrometheusCollector exports queue and sync metrics via prometheus.
type PrometheusCollector struct {
	enqueues      *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	drainDuration *prometheus.HistogramVec
	itemsSynced   *prometheus.CounterVec
	itemsFailed   *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// NewPrometheusCollector creates and registers the metric set on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		enqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmsync",
			Name:      "queue_enqueues_total",
			Help:      "Writes saved to the offline queue.",
		}, []string{"collection"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmsync",
			Name:      "dispatches_total",
			Help:      "Write dispatches by outcome.",
		}, []string{"collection", "outcome"}),
		drainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pharmsync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of per-collection queue drains.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection"}),
		itemsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmsync",
			Name:      "items_synced_total",
			Help:      "Queued mutations replayed successfully.",
		}, []string{"collection"}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmsync",
			Name:      "items_failed_total",
			Help:      "Queued mutation replay failures.",
		}, []string{"collection", "permanent"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pharmsync",
			Name:      "queue_depth",
			Help:      "Current pending mutations per collection.",
		}, []string{"collection"}),
	}
	reg.MustRegister(c.enqueues, c.dispatches, c.drainDuration, c.itemsSynced, c.itemsFailed, c.queueDepth)
	return c
}

func (c *PrometheusCollector) RecordEnqueue(collection string) {
	c.enqueues.WithLabelValues(collection).Inc()
}

func (c *PrometheusCollector) RecordDispatch(collection, outcome string) {
	c.dispatches.WithLabelValues(collection, outcome).Inc()
}

func (c *PrometheusCollector) RecordDrainDuration(collection string, d time.Duration) {
	c.drainDuration.WithLabelValues(collection).Observe(d.Seconds())
}

func (c *PrometheusCollector) RecordItemSynced(collection string) {
	c.itemsSynced.WithLabelValues(collection).Inc()
}

func (c *PrometheusCollector) RecordItemFailed(collection string, permanent bool) {
	label := "false"
	if permanent {
		label = "true"
	}
	c.itemsFailed.WithLabelValues(collection, label).Inc()
}

func (c *PrometheusCollector) SetQueueDepth(collection string, depth int) {
	c.queueDepth.WithLabelValues(collection).Set(float64(depth))
}
