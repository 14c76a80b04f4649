package billing

import (
	"context"
	"net/http"
)

// Provider is the interface the HTTP layer depends on.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing and store updates internally.
	WebhookHandler() http.Handler

	// SyncSubscription re-reads a subscription from the provider and applies
	// it to the local store. Used by admin tooling and reconciliation jobs.
	SyncSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// SubscriptionManager is implemented by providers that can change a
// subscription on the provider side.
type SubscriptionManager interface {
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// SessionCreator is implemented by providers with hosted checkout and
// self-service portal pages.
type SessionCreator interface {
	CheckoutURL(ctx context.Context, userID, plan, successURL, cancelURL string) (string, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
}
