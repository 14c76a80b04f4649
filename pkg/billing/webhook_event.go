package billing

import "time"

// WebhookEvent contains information about a webhook that changed local state.
// It is passed to the WebhookCallback after the store write has committed.
type WebhookEvent struct {
	// EventID is the provider's event identifier.
	EventID string

	// EventType is the provider-specific event type, e.g. "invoice.payment_failed".
	EventType string

	// Provider is the billing provider name.
	Provider string

	// UserID is the internal user identifier the event resolved to.
	UserID string

	// SubscriptionID is the provider subscription identifier, when known.
	SubscriptionID string

	// PreviousStatus is the subscription status before the update (empty for new rows).
	PreviousStatus string

	// NewStatus is the subscription status after the update.
	NewStatus string

	// Payment is set for invoice events.
	Payment *Payment

	// EventTimestamp is when the event occurred (from provider).
	EventTimestamp time.Time
}
