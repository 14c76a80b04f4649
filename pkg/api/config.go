package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

// Billing is the provider surface the API drives.
type Billing interface {
	billing.Provider
	billing.SubscriptionManager
	billing.SessionCreator
}

// Config holds configuration for the billing API handler
type Config struct {
	// Provider performs Stripe-side operations (required)
	Provider Billing

	// Store is read for subscription and payment views (required)
	Store billing.Store

	// GetUserID extracts the authenticated user ID from the request (required
	// for the end-user routes). Admin routes identify subscriptions by path.
	GetUserID func(*http.Request) string

	// PaymentsLimit caps the payments included in subscription views (default 20)
	PaymentsLimit int

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.PaymentsLimit <= 0 {
		config.PaymentsLimit = defaultPaymentsLimit
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/auth
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
