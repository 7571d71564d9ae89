// Package metrics exposes the prometheus instruments shared by the billing
// services. Everything registers on the default registry, which is what
// the /metrics endpoint serves.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Module provides the shared metrics instance.
var Module = fx.Provide(New)

type Metrics struct {
	invoicesIssued   prometheus.Counter
	invoicesSettled  prometheus.Counter
	invoicesReversed prometheus.Counter

	webhookEvents   *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobItems    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		invoicesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "billing_invoices_issued_total",
			Help: "Invoices issued.",
		}),
		invoicesSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "billing_invoices_settled_total",
			Help: "Settlements applied to invoices.",
		}),
		invoicesReversed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "billing_invoices_reversed_total",
			Help: "Reversals applied to invoices.",
		}),
		webhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Gateway webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		gatewayRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_gateway_requests_total",
			Help: "Outbound gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_scheduler_job_runs_total",
			Help: "Scheduler job executions.",
		}, []string{"job"}),
		jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_scheduler_job_errors_total",
			Help: "Scheduler job executions that returned an error.",
		}, []string{"job"}),
		jobItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_scheduler_job_items_total",
			Help: "Items processed per scheduler job.",
		}, []string{"job"}),
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_scheduler_job_duration_seconds",
			Help:    "Scheduler job wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) IncInvoiceIssued() {
	if m == nil {
		return
	}
	m.invoicesIssued.Inc()
}

func (m *Metrics) IncInvoiceSettled() {
	if m == nil {
		return
	}
	m.invoicesSettled.Inc()
}

func (m *Metrics) IncInvoiceReversed() {
	if m == nil {
		return
	}
	m.invoicesReversed.Inc()
}

func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncGatewayRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) AddJobItems(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobItems.WithLabelValues(job).Add(float64(n))
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
