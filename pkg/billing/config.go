package billing

import "context"

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store persists subscriptions, payments and the profile projection (required).
	Store Store

	// PlanMapping maps provider price IDs to plan labels.
	// For example: map[string]string{"price_pro_monthly": "pro"}
	// Reserved keys:
	//   - "*" or "default": Maps unknown prices to the default plan
	PlanMapping map[string]string

	// WebhookSecret is the signing secret used to verify incoming webhooks.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// Ledger optionally records processed event ids so redeliveries are
	// acknowledged without reprocessing. If nil, every delivery is processed.
	Ledger EventLedger

	// WebhookCallback is invoked after a webhook changed local state.
	// A callback error fails the delivery so the provider retries it.
	WebhookCallback func(context.Context, WebhookEvent) error

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger Logger
}
