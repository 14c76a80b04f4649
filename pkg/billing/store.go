package billing

import (
	"context"
	"time"
)

// Store persists subscription and payment records and keeps the profile
// projection in step with them. Implementations must make each method
// atomic: a subscription write and its profile projection either both land
// or neither does.
type Store interface {
	// GetProfile returns ErrProfileNotFound when no profile has the given id.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// FindProfileByCustomerID returns ErrProfileNotFound when no profile is
	// linked to the Stripe customer.
	FindProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error)

	// LinkCustomer stores the Stripe customer id on the profile.
	LinkCustomer(ctx context.Context, userID, customerID string) error

	// CreateSubscription inserts the record if no row with the same
	// StripeSubscriptionID exists and projects it onto the owner's profile.
	// created is false when the row already existed; nothing is written then.
	CreateSubscription(ctx context.Context, sub *Subscription) (created bool, err error)

	// UpdateSubscription overwrites status, period, plan, price and
	// cancellation fields of the matching row and re-projects the profile.
	// It returns a nil Transition when no row matched.
	UpdateSubscription(ctx context.Context, sub *Subscription) (*Transition, error)

	// CancelSubscription marks the matching row canceled at canceledAt and
	// projects the canceled status. It returns a nil Transition when no row matched.
	CancelSubscription(ctx context.Context, stripeSubscriptionID string, canceledAt time.Time) (*Transition, error)

	// GetSubscription returns ErrSubscriptionNotFound on a miss.
	GetSubscription(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)

	// UpsertPayment inserts the payment or, when a row for the same invoice
	// exists, overwrites its status, amount, failure reason and period.
	UpsertPayment(ctx context.Context, p *Payment) (created bool, err error)

	// GetPayment returns ErrPaymentNotFound on a miss.
	GetPayment(ctx context.Context, stripeInvoiceID string) (*Payment, error)

	// ListPayments returns the newest payments of a subscription first.
	ListPayments(ctx context.Context, stripeSubscriptionID string, limit int) ([]*Payment, error)

	// SetTrialWillEnd sets the advisory trial-ending flag on the profile.
	SetTrialWillEnd(ctx context.Context, userID string, notified bool) error

	// Ping checks connectivity with the backing database.
	Ping(ctx context.Context) error
}

// EventLedger remembers which webhook deliveries were fully processed so
// redeliveries can be acknowledged without touching the store again.
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

// ProcessedAtLedger is an EventLedger that also reports when an event was
// marked. ok is false when the event is unknown or has expired.
type ProcessedAtLedger interface {
	EventLedger
	ProcessedAt(ctx context.Context, eventID string) (at time.Time, ok bool, err error)
}
