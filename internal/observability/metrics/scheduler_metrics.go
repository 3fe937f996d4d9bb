package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smallbiznis/carebill/internal/billingerr"
	"github.com/smallbiznis/carebill/pkg/db"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeDelivery         = "delivery"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonConflict             = "conflict"
	SchedulerJobReasonDeliveryFailed       = "delivery_failed"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	LeaseOutcomeAcquired = "acquired"
	LeaseOutcomeHeld     = "held_elsewhere"
	LeaseOutcomeError    = "error"
)

// SchedulerMetrics captures sweep and repair job health.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	leaseOutcomes  *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton using cfg for the const labels.
// Only the first call's config takes effect.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": orDefault(cfg.ServiceName, "carebill"),
		"env":     orDefault(cfg.Environment, "unknown"),
	}
	counter := func(name, help string, dims ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebill", Subsystem: "scheduler", Name: name, Help: help, ConstLabels: labels,
		}, dims)
	}
	seconds := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

	m := &SchedulerMetrics{
		jobRuns:        counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:    counter("job_timeouts_total", "Scheduler jobs cut short by their deadline.", "job"),
		jobErrors:      counter("job_errors_total", "Scheduler job errors by low-cardinality reason.", "job", "reason"),
		batchProcessed: counter("batch_processed_total", "Items processed by scheduler jobs.", "job", "resource"),
		leaseOutcomes:  counter("lease_total", "Distributed job lease attempts by outcome.", "job", "outcome"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carebill", Subsystem: "scheduler", Name: "job_duration_seconds",
			Help: "Scheduler job latency.", Buckets: seconds, ConstLabels: labels,
		}, []string{"job"}),
	}
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "carebill", Subsystem: "scheduler", Name: "runloop_lag_seconds",
		Help: "Scheduler run loop lag beyond the configured interval.", Buckets: seconds[:len(seconds)-1], ConstLabels: labels,
	})
	m.runLoopLag = lag

	registerer.MustRegister(m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors, m.batchProcessed, m.leaseOutcomes, lag)
	return m
}

func orDefault(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError counts a failed job run under its classified reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncLease(job, outcome string) {
	if m == nil {
		return
	}
	m.leaseOutcomes.WithLabelValues(job, outcome).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	case billingerr.Classify(err) == billingerr.KindDeliveryFailed:
		return SchedulerErrorTypeDelivery
	case db.IsDBError(err):
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the next run may succeed without
// intervention.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return billingerr.IsTransient(err) || db.IsRetryable(err)
}

// ClassifySchedulerJobReason maps job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case db.IsLockTimeout(err):
		return SchedulerJobReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return SchedulerJobReasonSerializationFailure
	}
	switch billingerr.Classify(err) {
	case billingerr.KindConflict:
		return SchedulerJobReasonConflict
	case billingerr.KindDeliveryFailed:
		return SchedulerJobReasonDeliveryFailed
	}
	return SchedulerJobReasonUnknown
}
