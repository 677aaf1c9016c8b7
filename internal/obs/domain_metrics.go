package obs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// ProviderRequestsTotal counts outbound NOWPayments API calls by operation and outcome.
	ProviderRequestsTotal *prometheus.CounterVec
	// ProviderRequestLatency records outbound NOWPayments API latency in milliseconds.
	ProviderRequestLatency *prometheus.HistogramVec
	// WebhookIngestTotal counts inbound provider webhooks by outcome.
	WebhookIngestTotal *prometheus.CounterVec
	// ReconcileTotal counts payment and refund reconciliation outcomes.
	ReconcileTotal *prometheus.CounterVec
	// WebhookDeliveriesTotal tracks outbound webhook dispatch outcomes.
	WebhookDeliveriesTotal *prometheus.CounterVec
	// WebhookAttemptLatency records delivery attempt latency in milliseconds.
	WebhookAttemptLatency *prometheus.HistogramVec
	// WebhookDispatchAttempts counts dispatcher attempts regardless of outcome.
	WebhookDispatchAttempts prometheus.Counter
	// WebhookDispatchDLQ counts deliveries moved to dead-letter queue.
	WebhookDispatchDLQ prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers billing Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Count of payment provider API calls by outcome.",
		}, []string{"provider", "operation", "result"})
		ProviderRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_ms",
			Help:      "Latency of payment provider API calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation"})
		WebhookIngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_webhook_total",
			Help:      "Count of inbound provider webhooks by outcome.",
		}, []string{"provider", "result"})
		ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Count of payment and refund reconciliation outcomes.",
		}, []string{"kind", "result"})
		WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Count of webhook delivery outcomes.",
		}, []string{"result"})
		WebhookAttemptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_attempt_duration_ms",
			Help:      "Latency for webhook delivery attempts in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"result"})
		WebhookDispatchAttempts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dispatch_attempts_total",
			Help:      "Total number of webhook dispatch attempts.",
		})
		WebhookDispatchDLQ = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dispatch_dlq_total",
			Help:      "Number of webhook deliveries moved to the dead-letter queue.",
		})

		mustRegisterCollector(reg, ProviderRequestsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ProviderRequestsTotal = v
			}
		})
		mustRegisterCollector(reg, ProviderRequestLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				ProviderRequestLatency = v
			}
		})
		mustRegisterCollector(reg, WebhookIngestTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookIngestTotal = v
			}
		})
		mustRegisterCollector(reg, ReconcileTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReconcileTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookDeliveriesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookDeliveriesTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookAttemptLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				WebhookAttemptLatency = v
			}
		})
		mustRegisterCollector(reg, WebhookDispatchAttempts, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				WebhookDispatchAttempts = v
			}
		})
		mustRegisterCollector(reg, WebhookDispatchDLQ, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				WebhookDispatchDLQ = v
			}
		})
	})
}

// ObserveProviderRequest records an outbound provider call. Safe before registration.
func ObserveProviderRequest(provider, operation, result string, elapsed time.Duration) {
	if ProviderRequestsTotal != nil {
		ProviderRequestsTotal.WithLabelValues(provider, operation, result).Inc()
	}
	if ProviderRequestLatency != nil {
		ProviderRequestLatency.WithLabelValues(provider, operation).Observe(DurationMillis(elapsed))
	}
}

// IncWebhookIngest records the outcome of an inbound provider webhook.
func IncWebhookIngest(provider, result string) {
	if WebhookIngestTotal != nil {
		WebhookIngestTotal.WithLabelValues(provider, result).Inc()
	}
}

// IncReconcile records a reconciliation outcome for kind "payment" or "refund".
func IncReconcile(kind, result string) {
	if ReconcileTotal != nil {
		ReconcileTotal.WithLabelValues(kind, result).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

// IncWebhookDispatchAttempt counts one outbound delivery attempt.
func IncWebhookDispatchAttempt() {
	if WebhookDispatchAttempts != nil {
		WebhookDispatchAttempts.Inc()
	}
}

// ObserveWebhookDelivery records a delivery outcome ("delivered", "failed" or "dlq").
func ObserveWebhookDelivery(result string, elapsed time.Duration) {
	if WebhookDeliveriesTotal != nil {
		WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
	if WebhookAttemptLatency != nil {
		WebhookAttemptLatency.WithLabelValues(result).Observe(DurationMillis(elapsed))
	}
	if result == "dlq" && WebhookDispatchDLQ != nil {
		WebhookDispatchDLQ.Inc()
	}
}
