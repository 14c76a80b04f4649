package billing

import "time"

// Subscription statuses referenced by the processor. Any other status string
// reported by Stripe (incomplete, unpaid, paused, ...) is stored verbatim.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// PaymentStatus is the outcome recorded for an invoice.
type PaymentStatus string

const (
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentFailed         PaymentStatus = "failed"
	PaymentRequiresAction PaymentStatus = "requires_action"
)

// DefaultFailureReason is recorded when a failed invoice carries no error message.
const DefaultFailureReason = "Payment failed"

// Subscription is the local mirror of a Stripe subscription, one row per
// StripeSubscriptionID.
type Subscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	Status               string     `json:"status"`
	CurrentPeriodStart   time.Time  `json:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	Plan                 string     `json:"plan"`
	PriceID              string     `json:"price_id"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Payment records the outcome of one invoice, one row per StripeInvoiceID.
// Amount is in the currency's minor unit.
type Payment struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	SubscriptionID  string        `json:"subscription_id"`
	StripeInvoiceID string        `json:"stripe_invoice_id"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
	Status          PaymentStatus `json:"status"`
	FailureReason   *string       `json:"failure_reason,omitempty"`
	PeriodStart     time.Time     `json:"period_start"`
	PeriodEnd       time.Time     `json:"period_end"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Profile holds the subscription fields denormalized onto the user's profile
// for fast authorization checks elsewhere in the product.
type Profile struct {
	ID                   string `json:"id"`
	StripeCustomerID     string `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string `json:"stripe_subscription_id,omitempty"`
	SubscriptionStatus   string `json:"subscription_status,omitempty"`
	PlanID               string `json:"plan_id,omitempty"`
	TrialWillEndNotified bool   `json:"trial_will_end_notified"`
}

// Transition describes a subscription status change applied by the store.
// From is empty when the subscription row was just created.
type Transition struct {
	UserID string
	From   string
	To     string
}

// Changed reports whether the status actually moved.
func (t *Transition) Changed() bool {
	return t != nil && t.From != t.To
}
