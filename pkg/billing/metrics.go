package billing

import "time"

// Metrics defines the interface for tracking billing webhook operations.
type Metrics interface {
	// RecordWebhookEvent records a webhook event outcome
	// ("success", "error", "duplicate", "ignored").
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long an event took to process.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a delivery rejected before dispatch
	// (e.g. "auth_failed", "invalid_payload", "payload_too_large").
	RecordWebhookError(provider, errorType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
