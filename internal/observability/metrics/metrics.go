// Package metrics exposes prometheus instrumentation for the billing engine.
package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	JobReasonDeadlineExceeded = "deadline_exceeded"
	JobReasonBusinessRule     = "business_rule"
	JobReasonDB               = "db"
	JobReasonUnknown          = "unknown"
)

const (
	AllocationTargetInvoice = "invoice"
	AllocationTargetCredit  = "credit"
)

const (
	RefundOutcomeProcessed        = "processed"
	RefundOutcomeRequiresApproval = "requires_approval"
	RefundOutcomeRejected         = "rejected"
)

// BillingMetrics captures billing engine health signals.
type BillingMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Observer

	invoicesIssued  *prometheus.CounterVec
	paymentAttempts *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	staleRates      prometheus.Counter
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "revara"
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
		Name:        "revara_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "revara_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency to protect billing sweep freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revara_scheduler_job_timeouts_total",
		Help:        "Scheduler job timeouts that threaten billing SLAs.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revara_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revara_scheduler_batch_processed_total",
		Help:        "Scheduler batch items processed to gauge billing throughput.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "revara_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	invoicesIssued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revara_invoices_issued_total",
		Help:        "Invoices issued by display currency.",
		ConstLabels: constLabels,
	}, []string{"currency"})
	paymentAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revara_payment_attempts_total",
		Help:        "Gateway charge attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revara_payment_allocations_total",
		Help:        "Payment allocation ledger rows by target.",
		ConstLabels: constLabels,
	}, []string{"target"})
	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revara_refunds_total",
		Help:        "Refund requests by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	staleRates := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "revara_exchange_rate_stale_total",
		Help:        "Exchange rate resolutions that matched a stale rate.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		runLoopLag,
		invoicesIssued,
		paymentAttempts,
		allocations,
		refunds,
		staleRates,
	)

	return &BillingMetrics{
		jobRuns:         jobRuns,
		jobDuration:     jobDuration,
		jobTimeouts:     jobTimeouts,
		jobErrors:       jobErrors,
		batchProcessed:  batchProcessed,
		runLoopLag:      runLoopLag,
		invoicesIssued:  invoicesIssued,
		paymentAttempts: paymentAttempts,
		allocations:     allocations,
		refunds:         refunds,
		staleRates:      staleRates,
	}
}

func (m *BillingMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *BillingMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *BillingMetrics) AddBatchProcessed(job, resource string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(n))
}

func (m *BillingMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(d.Seconds())
}

func (m *BillingMetrics) IncInvoiceIssued(currency string) {
	if m == nil {
		return
	}
	m.invoicesIssued.WithLabelValues(currency).Inc()
}

func (m *BillingMetrics) IncPaymentAttempt(outcome string) {
	if m == nil {
		return
	}
	m.paymentAttempts.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) IncAllocation(target string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(target).Inc()
}

func (m *BillingMetrics) IncRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) IncStaleRate() {
	if m == nil {
		return
	}
	m.staleRates.Inc()
}

// ClassifyJobReason maps an error to a low-cardinality reason label.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case strings.Contains(err.Error(), "SQLSTATE"), strings.Contains(err.Error(), "database"):
		return JobReasonDB
	default:
		return JobReasonBusinessRule
	}
}
