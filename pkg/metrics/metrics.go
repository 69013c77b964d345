// Package metrics exposes Prometheus collectors for the job queue, the
// orchestrator and the processing jobs.
//
// All Record* methods are safe to call on a nil *Collector, so libraries can
// take an optional collector without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lakeconnector"

// Collector holds the process-wide metrics.
type Collector struct {
	jobsEnqueued       *prometheus.CounterVec
	jobsDequeued       *prometheus.CounterVec
	jobsFinished       *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	identifierDegraded prometheus.Counter
	leasesLost         *prometheus.CounterVec
	resourcesProcessed *prometheus.CounterVec
	bytesProcessed     prometheus.Counter
	runningJobs        *prometheus.GaugeVec
	triggerSequence    *prometheus.GaugeVec
}

// NewCollector creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the queue, including idempotent re-enqueues.",
		}, []string{"queue_type", "job_type"}),
		jobsDequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dequeued_total",
			Help:      "Jobs leased by a worker.",
		}, []string{"queue_type", "job_type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reported by workers, by final status.",
		}, []string{"job_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job execution.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"job_type"}),
		identifierDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_identifier_degraded_total",
			Help:      "Definitions whose identifier fell back to hashing the raw text.",
		}),
		leasesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_lost_total",
			Help:      "Leases that could not be renewed.",
		}, []string{"kind"}),
		resourcesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_processed_total",
			Help:      "Converted records written to staging, by schema type.",
		}, []string{"schema_type"}),
		bytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_bytes_read_total",
			Help:      "Bytes of raw records read from the data source.",
		}),
		runningJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestrator_running_processing_jobs",
			Help:      "Processing jobs currently tracked as running by an orchestrator.",
		}, []string{"queue_type"}),
		triggerSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trigger_sequence_id",
			Help:      "Sequence id of the current trigger.",
		}, []string{"queue_type"}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDequeued,
		c.jobsFinished,
		c.jobDuration,
		c.identifierDegraded,
		c.leasesLost,
		c.resourcesProcessed,
		c.bytesProcessed,
		c.runningJobs,
		c.triggerSequence,
	)
	return c
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueue(queueType, jobType string) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(queueType, jobType).Inc()
}

func (c *Collector) RecordDequeue(queueType, jobType string) {
	if c == nil {
		return
	}
	c.jobsDequeued.WithLabelValues(queueType, jobType).Inc()
}

// RecordFinished records a job outcome and how long the execution took.
func (c *Collector) RecordFinished(jobType, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(jobType, status).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func (c *Collector) RecordIdentifierDegraded() {
	if c == nil {
		return
	}
	c.identifierDegraded.Inc()
}

// RecordLeaseLost counts a lost lease; kind is "job", "orchestrator",
// "scheduler" or "commit".
func (c *Collector) RecordLeaseLost(kind string) {
	if c == nil {
		return
	}
	c.leasesLost.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordProcessed(schemaType string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.resourcesProcessed.WithLabelValues(schemaType).Add(float64(n))
}

func (c *Collector) RecordSourceBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesProcessed.Add(float64(n))
}

func (c *Collector) SetRunningJobs(queueType string, n int64) {
	if c == nil {
		return
	}
	c.runningJobs.WithLabelValues(queueType).Set(float64(n))
}

func (c *Collector) SetTriggerSequence(queueType string, seq int64) {
	if c == nil {
		return
	}
	c.triggerSequence.WithLabelValues(queueType).Set(float64(seq))
}
