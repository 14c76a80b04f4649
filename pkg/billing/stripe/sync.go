package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

const (
	endpointSubscriptions  = "/subscriptions"
	endpointCheckout       = "/checkout/sessions"
	endpointBillingPortal  = "/billing_portal/sessions"
	syncStatusSuccess      = "success"
	syncStatusError        = "error"
	syncStatusUnattributed = "unattributed"
)

// SyncSubscription re-reads a subscription from Stripe and applies it to
// the local store, inserting it when it was never recorded.
func (p *Provider) SyncSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	startTime := time.Now()
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}

	sub, err := p.retrieveSubscription(ctx, subscriptionID)
	if err != nil {
		p.finishSync(syncStatusError, startTime)
		return nil, apiError("fetch subscription", subscriptionID, err)
	}

	rec, err := p.applySubscription(ctx, sub)
	if err != nil {
		status := syncStatusError
		if errors.Is(err, billing.ErrProfileNotFound) {
			status = syncStatusUnattributed
		}
		p.finishSync(status, startTime)
		return nil, err
	}

	p.finishSync(syncStatusSuccess, startTime)
	return rec, nil
}

// CancelSubscription cancels the subscription in Stripe, either immediately
// or at the end of the current period, and applies the result locally
// without waiting for the webhook.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*billing.Subscription, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	startTime := time.Now()
	if atPeriodEnd {
		sub, err = p.gateway.UpdateSubscription(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
		p.trackAPICall(endpointSubscriptions+"/update", startTime, err)
	} else {
		sub, err = p.gateway.CancelSubscription(ctx, subscriptionID)
		p.trackAPICall(endpointSubscriptions+"/cancel", startTime, err)
	}
	if err != nil {
		return nil, apiError("cancel subscription", subscriptionID, err)
	}

	p.logger.Info("subscription cancel requested",
		billing.Field{Key: "subscription_id", Value: subscriptionID},
		billing.Field{Key: "at_period_end", Value: atPeriodEnd},
	)
	return p.applySubscription(ctx, sub)
}

// ResumeSubscription withdraws a pending end-of-period cancellation.
func (p *Provider) ResumeSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	startTime := time.Now()
	sub, err := p.gateway.UpdateSubscription(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	p.trackAPICall(endpointSubscriptions+"/update", startTime, err)
	if err != nil {
		return nil, apiError("resume subscription", subscriptionID, err)
	}

	p.logger.Info("subscription resumed", billing.Field{Key: "subscription_id", Value: subscriptionID})
	return p.applySubscription(ctx, sub)
}

// applySubscription writes a Stripe subscription object to the store with
// the same semantics as the subscription webhooks and returns the stored row.
func (p *Provider) applySubscription(ctx context.Context, sub *stripe.Subscription) (*billing.Subscription, error) {
	rec := p.subscriptionRecord(sub, "")

	transition, err := p.store.UpdateSubscription(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}

	if transition == nil {
		profile, err := p.resolveProfile(ctx, rec.StripeCustomerID, sub.Metadata[metadataUserID])
		if err != nil {
			return nil, fmt.Errorf("cannot attribute subscription %s: %w", sub.ID, err)
		}
		rec.UserID = profile.ID
		if _, err := p.store.CreateSubscription(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to create subscription %s: %w", sub.ID, err)
		}
		p.metrics.RecordStatusChange(providerName, "", rec.Status)
	} else if transition.Changed() {
		p.metrics.RecordStatusChange(providerName, transition.From, transition.To)
	}

	stored, err := p.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload subscription %s: %w", sub.ID, err)
	}
	return stored, nil
}

// retrieveSubscription fetches a subscription and records API metrics.
func (p *Provider) retrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	startTime := time.Now()
	sub, err := p.gateway.RetrieveSubscription(ctx, subscriptionID)
	p.trackAPICall(endpointSubscriptions, startTime, err)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// apiError classifies a Stripe API failure. A 404 means the subscription
// does not exist on Stripe's side.
func apiError(action, subscriptionID string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s: %v", billing.ErrSubscriptionNotFound, action, subscriptionID, err)
	}
	return fmt.Errorf("%w: %s %s: %v", billing.ErrProviderAPIError, action, subscriptionID, err)
}

func (p *Provider) trackAPICall(endpoint string, startTime time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
}

func (p *Provider) finishSync(status string, startTime time.Time) {
	p.metrics.RecordSubscriptionSync(providerName, status)
	p.metrics.RecordSubscriptionSyncDuration(providerName, time.Since(startTime))
}
