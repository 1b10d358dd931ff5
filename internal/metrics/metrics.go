// Package metrics exposes prometheus collectors for the job queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	subsystem = "formpilot"

	jobsFinishedTotal      = "jobs_finished_total"
	jobsInFlight           = "jobs_in_flight"
	jobDurationSeconds     = "job_duration_seconds"
	discoveryAttempts      = "discovery_attempts"
	reportsTotal           = "reports_total"
	queueDepth             = "queue_jobs"
	agentDispatchesTotal   = "agent_dispatches_total"
	leasesExpiredTotal     = "leases_expired_total"
	schedulerLaunchesTotal = "scheduler_launches_total"

	// Labels
	statusLabel = "status"
	kindLabel   = "kind"
	resultLabel = "result"
	actionLabel = "action"
)

// Metrics holds the collectors for one process. Each instance owns its own registry
// so tests can create several without colliding on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	jobsFinished  *prometheus.CounterVec
	inFlight      prometheus.Gauge
	jobDuration   *prometheus.HistogramVec
	attempts      prometheus.Histogram
	reports       *prometheus.CounterVec
	queueJobs     *prometheus.GaugeVec
	dispatches    *prometheus.CounterVec
	leasesExpired prometheus.Counter
	launches      prometheus.Counter
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      jobsFinishedTotal,
			Help:      "number of jobs that reached a terminal status",
		}, []string{statusLabel, kindLabel}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      jobsInFlight,
			Help:      "number of job pipelines currently running",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      jobDurationSeconds,
			Help:      "wall time of a job pipeline from claim to terminal write",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300},
		}, []string{statusLabel}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      discoveryAttempts,
			Help:      "number of attempt records produced by one form discovery run",
			Buckets:   prometheus.LinearBuckets(0, 1, 12),
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      reportsTotal,
			Help:      "outcome reports sent to the system of record",
		}, []string{resultLabel}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      queueDepth,
			Help:      "number of stored jobs in each status",
		}, []string{statusLabel}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      agentDispatchesTotal,
			Help:      "agent requests dispatched, by action and result",
		}, []string{actionLabel, resultLabel}),
		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      leasesExpiredTotal,
			Help:      "processing jobs failed by the lease reaper",
		}),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      schedulerLaunchesTotal,
			Help:      "job pipelines launched by the scheduler",
		}),
	}

	m.registry.MustRegister(
		m.jobsFinished,
		m.inFlight,
		m.jobDuration,
		m.attempts,
		m.reports,
		m.queueJobs,
		m.dispatches,
		m.leasesExpired,
		m.launches,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Launched counts a pipeline started by the scheduler, whether or not it finds a job
func (m *Metrics) Launched() {
	if m == nil {
		return
	}
	m.launches.Inc()
}

// JobStarted marks a claimed job as in flight
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// JobFinished records a terminal write. kind is empty for completed jobs.
func (m *Metrics) JobFinished(status, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.jobsFinished.With(prometheus.Labels{statusLabel: status, kindLabel: kind}).Inc()
	m.jobDuration.With(prometheus.Labels{statusLabel: status}).Observe(elapsed.Seconds())
}

func (m *Metrics) DiscoveryAttempts(n int) {
	if m == nil {
		return
	}
	m.attempts.Observe(float64(n))
}

func (m *Metrics) Reported(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reports.With(prometheus.Labels{resultLabel: result}).Inc()
}

func (m *Metrics) Dispatched(action string, communicationFailure bool) {
	if m == nil {
		return
	}
	result := "ok"
	if communicationFailure {
		result = "communication_failure"
	}
	m.dispatches.With(prometheus.Labels{actionLabel: action, resultLabel: result}).Inc()
}

func (m *Metrics) LeaseExpired() {
	if m == nil {
		return
	}
	m.leasesExpired.Inc()
}

// SetQueueDepth publishes the per-status job counts
func (m *Metrics) SetQueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.queueJobs.With(prometheus.Labels{statusLabel: status}).Set(float64(n))
	}
}
