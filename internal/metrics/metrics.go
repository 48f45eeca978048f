package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook events by type and outcome (applied, skipped, failed, rejected).
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Inbound gateway webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Milestone lifecycle transitions by target status and trigger
	// (api, webhook, recon).
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_milestone_transitions_total",
			Help: "Milestone status transitions by target status and trigger",
		},
		[]string{"to_status", "trigger"},
	)

	// Gateway call latency by operation and status.
	GatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_gateway_call_duration_seconds",
			Help:    "Payment gateway call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"operation", "status"},
	)

	// Reconciliation pass duration per project.
	ReconDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_recon_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"result"},
	)

	// Unresolved drift found by reconciliation.
	ReconDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_recon_drift_total",
			Help: "Reconciliation drifts surfaced for manual review",
		},
	)
)

func RecordWebhookEvent(eventType, outcome string) {
	WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func RecordTransition(toStatus, trigger string) {
	Transitions.WithLabelValues(toStatus, trigger).Inc()
}

func RecordGatewayCall(operation, status string, duration time.Duration) {
	GatewayCallDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

func RecordReconPass(result string, duration time.Duration) {
	ReconDuration.WithLabelValues(result).Observe(duration.Seconds())
}
