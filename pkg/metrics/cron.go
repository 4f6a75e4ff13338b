package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cron run outcomes used as the "result" label.
const (
	CronResultSuccess = "success"
	CronResultFailure = "failure"
)

// Reasons a scheduled cycle did not run to completion.
const (
	CronSkipLockHeld = "lock_held"
	CronSkipLockLost = "lock_lost"
)

// CronJobMetrics is safe to use as a nil pointer.
type CronJobMetrics struct {
	duration    *prometheus.HistogramVec
	success     *prometheus.CounterVec
	failure     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	skipped     *prometheus.CounterVec
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	m := &CronJobMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cron_job_duration_seconds",
			Help:      "Duration of cron jobs in seconds by result.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 240},
		}, []string{"job", "result"}),
		success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_job_success_total",
			Help:      "Successful cron job executions.",
		}, []string{"job"}),
		failure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_job_failure_total",
			Help:      "Failed cron job executions, panics included.",
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cron_job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per job.",
		}, []string{"job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_cycles_skipped_total",
			Help:      "Cron cycles that did not run or were cut short, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.duration, m.success, m.failure, m.lastSuccess, m.skipped)
	return m
}

// Observe records one finished job run. A nil err counts as success.
func (c *CronJobMetrics) Observe(job string, took time.Duration, err error) {
	if c == nil || c.duration == nil {
		return
	}
	job = labelOrUnknown(job)
	if err != nil {
		c.duration.WithLabelValues(job, CronResultFailure).Observe(took.Seconds())
		c.failure.WithLabelValues(job).Inc()
		return
	}
	c.duration.WithLabelValues(job, CronResultSuccess).Observe(took.Seconds())
	c.success.WithLabelValues(job).Inc()
	c.lastSuccess.WithLabelValues(job).SetToCurrentTime()
}

// IncSkipped counts a cycle that was skipped or aborted for reason.
func (c *CronJobMetrics) IncSkipped(reason string) {
	if c == nil || c.skipped == nil {
		return
	}
	c.skipped.WithLabelValues(reason).Inc()
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
