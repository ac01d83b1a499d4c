package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweepJobRequeueStuck    = "requeue_stuck"
	SweepJobExpireCoupons   = "expire_coupons"
	SweepJobValidatePending = "validate_pending"
)

const (
	SweepErrorReasonDeadlineExceeded     = "deadline_exceeded"
	SweepErrorReasonDBLockTimeout        = "db_lock_timeout"
	SweepErrorReasonSerializationFailure = "serialization_failure"
	SweepErrorReasonUniqueViolation      = "unique_violation"
	SweepErrorReasonLockHeld             = "lock_held"
	SweepErrorReasonUnknown              = "unknown"
)

// SweepMetrics captures background sweep health signals.
type SweepMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobErrors   *prometheus.CounterVec
	processed   *prometheus.CounterVec
	runLoopLag  prometheus.Observer
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// Sweep returns the singleton sweep metrics registry.
func Sweep() *SweepMetrics {
	return SweepWithConfig(Config{})
}

// SweepWithConfig returns the singleton sweep metrics registry using config labels.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = newSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// ResetSweepMetricsForTest resets the sweep metrics singleton for tests. The
// collectors are unregistered so the next Sweep call can register fresh ones.
func ResetSweepMetricsForTest() {
	if sweepMetrics != nil {
		prometheus.DefaultRegisterer.Unregister(sweepMetrics.jobRuns)
		prometheus.DefaultRegisterer.Unregister(sweepMetrics.jobDuration)
		prometheus.DefaultRegisterer.Unregister(sweepMetrics.jobErrors)
		prometheus.DefaultRegisterer.Unregister(sweepMetrics.processed)
		if collector, ok := sweepMetrics.runLoopLag.(prometheus.Collector); ok {
			prometheus.DefaultRegisterer.Unregister(collector)
		}
	}
	sweepMetricsOnce = sync.Once{}
	sweepMetrics = nil
}

func newSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "habitloop"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "habitloop_sweep_job_runs_total",
		Help:        "Sweep job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "habitloop_sweep_job_duration_seconds",
		Help:        "Sweep job latency to keep stuck events and expired coupons fresh.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "habitloop_sweep_job_errors_total",
		Help:        "Sweep job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "habitloop_sweep_processed_total",
		Help:        "Rows touched per sweep job to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"job"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "habitloop_sweep_runloop_lag_seconds",
		Help:        "Sweep run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(jobRuns, jobDuration, jobErrors, processed, runLoopLag)

	return &SweepMetrics{
		jobRuns:     jobRuns,
		jobDuration: jobDuration,
		jobErrors:   jobErrors,
		processed:   processed,
		runLoopLag:  runLoopLag,
	}
}

// IncJobRun increments the run counter for a sweep job.
func (m *SweepMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records sweep job latency in seconds.
func (m *SweepMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobError increments the sweep job error counter with classification.
func (m *SweepMetrics) IncJobError(job string, err error) {
	if m == nil || m.jobErrors == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, classifySweepError(err)).Inc()
}

// AddProcessed increments the processed counter for a job by count.
func (m *SweepMetrics) AddProcessed(job string, count int) {
	if m == nil || m.processed == nil || count <= 0 {
		return
	}
	m.processed.WithLabelValues(job).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SweepMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

func classifySweepError(err error) string {
	if err == nil {
		return SweepErrorReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SweepErrorReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return SweepErrorReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SweepErrorReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SweepErrorReasonUniqueViolation
	}
	return SweepErrorReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
