package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProfileNotFound is returned when no profile matches a user or customer id
	ErrProfileNotFound = errors.New("profile not found")

	// ErrSubscriptionNotFound is returned when no local subscription record exists
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPaymentNotFound is returned when no payment exists for an invoice
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrCustomerNotFound is returned when a user has no linked Stripe customer
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a plan has no price in the plan mapping
	ErrPlanNotConfigured = errors.New("plan not configured in plan mapping")
)
