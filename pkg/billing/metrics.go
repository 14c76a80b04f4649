package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success", "error", "duplicate" or "ignored"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "signature_invalid", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordSubscriptionSync records a reconciliation of one subscription from the provider API.
	RecordSubscriptionSync(provider, status string)

	// RecordSubscriptionSyncDuration records how long a reconciliation took.
	RecordSubscriptionSyncDuration(provider string, duration time.Duration)

	// RecordStatusChange records a subscription status transition.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordPayment records a payment outcome written for an invoice.
	RecordPayment(provider, status string)

	// RecordAPICall records an API call to the billing provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordSubscriptionSync(_, _ string)                           {}
func (n *NoopMetrics) RecordSubscriptionSyncDuration(_ string, _ time.Duration)     {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordPayment(_, _ string)                                    {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
