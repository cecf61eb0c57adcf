// Package metrics exports queue and listing activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records queue and listing metrics. It implements queue.Recorder
// and listing.Observer.
type Collector struct {
	tasksEnqueued  *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	taskLatency    *prometheus.HistogramVec

	listingDuration *prometheus.HistogramVec
	listingErrors   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates a Collector and registers its metrics with reg. A nil
// reg uses a fresh registry, which keeps tests independent.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		}, []string{"queue"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}, []string{"queue"}),
		tasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_tasks_retried_total",
			Help: "Total number of task runs that failed and were rescheduled",
		}, []string{"queue"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_tasks_failed_total",
			Help: "Total number of tasks that exhausted their attempts",
		}, []string{"queue"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "servicehub_task_latency_seconds",
			Help:    "Task handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		listingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "servicehub_listing_duration_seconds",
			Help:    "Listing query duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		listingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_listing_errors_total",
			Help: "Total number of failed listing queries",
		}, []string{"kind"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.tasksEnqueued,
		c.tasksCompleted,
		c.tasksRetried,
		c.tasksFailed,
		c.taskLatency,
		c.listingDuration,
		c.listingErrors,
	)
	return c
}

// TaskEnqueued counts an enqueued task.
func (c *Collector) TaskEnqueued(queue string) {
	c.tasksEnqueued.WithLabelValues(queue).Inc()
}

// TaskCompleted counts a successful run and records its latency.
func (c *Collector) TaskCompleted(queue string, latency time.Duration) {
	c.tasksCompleted.WithLabelValues(queue).Inc()
	c.taskLatency.WithLabelValues(queue).Observe(latency.Seconds())
}

// TaskRetried counts a failed run that will be retried.
func (c *Collector) TaskRetried(queue string) {
	c.tasksRetried.WithLabelValues(queue).Inc()
}

// TaskFailed counts a task whose attempts are exhausted.
func (c *Collector) TaskFailed(queue string) {
	c.tasksFailed.WithLabelValues(queue).Inc()
}

// ObserveListing records one listing query.
func (c *Collector) ObserveListing(kind string, took time.Duration, err error) {
	c.listingDuration.WithLabelValues(kind).Observe(took.Seconds())
	if err != nil {
		c.listingErrors.WithLabelValues(kind).Inc()
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
