// Package prommetrics provides a Prometheus implementation of the
// credit.Metrics interface.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// Metrics implements credit.Metrics using Prometheus.
type Metrics struct {
	checksTotal          *prometheus.CounterVec
	checkDuration        *prometheus.HistogramVec
	consumptionTotal     *prometheus.CounterVec
	consumptionCredits   *prometheus.HistogramVec
	freeUseDeniedTotal   *prometheus.CounterVec
	costTableReloads     *prometheus.CounterVec
	ledgerOpsDuration    *prometheus.HistogramVec
	ledgerOpsErrors      *prometheus.CounterVec
	webhookEventsTotal   *prometheus.CounterVec
	webhookEventDuration *prometheus.HistogramVec
	webhookErrorsTotal   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_checks_total",
			Help:      "Total number of credit checks by outcome.",
		}, []string{"feature", "outcome"}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_check_duration_seconds",
			Help:      "Latency of credit checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feature"}),

		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_consumption_total",
			Help:      "Total number of credit consumption attempts.",
		}, []string{"feature", "tier", "success"}),

		consumptionCredits: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_consumption_credits",
			Help:      "Distribution of credits debited per consumption.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		}, []string{"feature", "tier"}),

		freeUseDeniedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "free_use_denied_total",
			Help:      "Total number of free-use rate limit denials.",
		}, []string{"feature"}),

		costTableReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_table_reloads_total",
			Help:      "Total number of cost table cache reloads.",
		}, []string{"source"}),

		ledgerOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		ledgerOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operation_errors_total",
			Help:      "Total number of ledger operation errors.",
		}, []string{"operation"}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of billing webhook events by outcome.",
		}, []string{"provider", "event_type", "outcome"}),

		webhookEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_event_duration_seconds",
			Help:      "Latency of billing webhook event processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_errors_total",
			Help:      "Total number of billing webhook processing errors.",
		}, []string{"provider", "error_type"}),
	}
}

func (m *Metrics) RecordCheck(featureType, outcome string, duration time.Duration) {
	m.checksTotal.WithLabelValues(featureType, outcome).Inc()
	m.checkDuration.WithLabelValues(featureType).Observe(duration.Seconds())
}

func (m *Metrics) RecordConsumption(featureType string, tier credit.PlanTier, credits int, success bool) {
	m.consumptionTotal.WithLabelValues(featureType, string(tier), strconv.FormatBool(success)).Inc()
	if success {
		m.consumptionCredits.WithLabelValues(featureType, string(tier)).Observe(float64(credits))
	}
}

func (m *Metrics) RecordFreeUseDenied(featureType string) {
	m.freeUseDeniedTotal.WithLabelValues(featureType).Inc()
}

func (m *Metrics) RecordCostTableReload(fromDefaults bool) {
	source := "store"
	if fromDefaults {
		source = "defaults"
	}
	m.costTableReloads.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordLedgerOperation(operation string, duration time.Duration, err error) {
	m.ledgerOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.ledgerOpsErrors.WithLabelValues(operation).Inc()
	}
}

// RecordWebhookEvent records a billing webhook event outcome. It satisfies
// billing.Metrics alongside the core interface so one collector serves both.
func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
}

// RecordWebhookProcessingDuration records webhook processing latency.
func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookEventDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

// RecordWebhookError records a webhook delivery that failed before dispatch.
func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}
