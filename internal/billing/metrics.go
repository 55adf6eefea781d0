package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the billing Prometheus collectors.
type Metrics struct {
	WebhookEventsTotal     *prometheus.CounterVec
	WebhookDuration        *prometheus.HistogramVec
	StaleWritesTotal       *prometheus.CounterVec
	ProviderCallsTotal     *prometheus.CounterVec
	ProviderCallDuration   *prometheus.HistogramVec
	OrphanedCustomersTotal prometheus.Counter
}

// NewMetrics creates the billing metrics and registers them with registry.
// A nil registry leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billsync_webhook_events_total",
				Help: "Webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billsync_webhook_duration_seconds",
				Help:    "Webhook processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		StaleWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billsync_stale_writes_total",
				Help: "Subscription writes skipped because the stored state was newer",
			},
			[]string{"source"},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billsync_provider_calls_total",
				Help: "Stripe API calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billsync_provider_call_duration_seconds",
				Help:    "Stripe API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		OrphanedCustomersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billsync_orphaned_customers_total",
				Help: "Stripe customers created by a caller that lost the insert race",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.WebhookEventsTotal,
			m.WebhookDuration,
			m.StaleWritesTotal,
			m.ProviderCallsTotal,
			m.ProviderCallDuration,
			m.OrphanedCustomersTotal,
		)
	}
	return m
}

func (m *Metrics) observeProviderCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderCallsTotal.WithLabelValues(op, result).Inc()
	m.ProviderCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
