package api

import "time"

// SubscriptionView is the JSON form of a subscription record
type SubscriptionView struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	Status               string     `json:"status"`
	Plan                 string     `json:"plan"`
	PriceID              string     `json:"price_id,omitempty"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// PaymentView is the JSON form of a payment record
type PaymentView struct {
	StripeInvoiceID string     `json:"stripe_invoice_id"`
	Amount          int64      `json:"amount"` // Minor currency units
	Currency        string     `json:"currency"`
	Status          string     `json:"status"` // "succeeded", "failed", "requires_action"
	FailureReason   *string    `json:"failure_reason,omitempty"`
	PeriodStart     *time.Time `json:"period_start,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SubscriptionResponse is returned by the admin subscription routes
type SubscriptionResponse struct {
	Subscription SubscriptionView `json:"subscription"`
	Payments     []PaymentView    `json:"payments"`
}

// AccountResponse is the caller's own billing state
type AccountResponse struct {
	UserID            string            `json:"user_id"`
	Plan              string            `json:"plan,omitempty"`
	Status            string            `json:"status,omitempty"` // Empty when never subscribed
	TrialWillEnd      bool              `json:"trial_will_end"`
	HasBillingAccount bool              `json:"has_billing_account"`
	Subscription      *SubscriptionView `json:"subscription,omitempty"`
	Payments          []PaymentView     `json:"payments"`
}

// CheckoutRequest starts a hosted checkout for a plan
type CheckoutRequest struct {
	Plan       string `json:"plan"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// PortalRequest opens the self-service billing portal
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// URLResponse carries a redirect target
type URLResponse struct {
	URL string `json:"url"`
}
