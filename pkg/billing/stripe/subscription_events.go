package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

const metadataUserID = "user_id"

// handleCheckoutSessionCompleted records the subscription created by a
// completed subscription-mode checkout. The session only references the
// subscription, so the full object is fetched from Stripe.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := decodeEventObject(event, &session); err != nil {
		return err
	}

	if session.Mode != stripe.CheckoutSessionModeSubscription || session.Subscription == nil || session.Subscription.ID == "" {
		p.logger.Debug("checkout session has no subscription",
			billing.Field{Key: "session_id", Value: session.ID},
			billing.Field{Key: "mode", Value: string(session.Mode)},
		)
		return nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	fallbackUserID := session.ClientReferenceID
	if fallbackUserID == "" {
		fallbackUserID = session.Metadata[metadataUserID]
	}

	profile, err := p.resolveProfile(ctx, customerID, fallbackUserID)
	if err != nil {
		if errors.Is(err, billing.ErrProfileNotFound) {
			p.logger.Warn("no profile for checkout customer",
				billing.Field{Key: "event_id", Value: event.ID},
				billing.Field{Key: "customer_id", Value: customerID},
			)
			return nil
		}
		return err
	}

	sub, err := p.retrieveSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s: %w", session.Subscription.ID, err)
	}

	rec := p.subscriptionRecord(sub, profile.ID)
	if rec.StripeCustomerID == "" {
		rec.StripeCustomerID = customerID
	}
	return p.createSubscription(ctx, event, rec)
}

// handleSubscriptionCreated inserts the subscription unless it is already recorded
func (p *Provider) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeEventObject(event, &sub); err != nil {
		return err
	}

	customerID := customerIDOf(&sub)
	profile, err := p.resolveProfile(ctx, customerID, sub.Metadata[metadataUserID])
	if err != nil {
		if errors.Is(err, billing.ErrProfileNotFound) {
			p.logger.Warn("no profile for subscription customer",
				billing.Field{Key: "event_id", Value: event.ID},
				billing.Field{Key: "subscription_id", Value: sub.ID},
				billing.Field{Key: "customer_id", Value: customerID},
			)
			return nil
		}
		return err
	}

	return p.createSubscription(ctx, event, p.subscriptionRecord(&sub, profile.ID))
}

// handleSubscriptionUpdated mirrors status, period and plan onto the
// existing record. Updates for subscriptions never recorded are a no-op.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeEventObject(event, &sub); err != nil {
		return err
	}

	rec := p.subscriptionRecord(&sub, "")
	transition, err := p.store.UpdateSubscription(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}
	if transition == nil {
		p.logger.Debug("subscription update for unknown subscription",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "subscription_id", Value: sub.ID},
		)
		return nil
	}

	p.recordTransition(event, sub.ID, transition)
	return p.notify(ctx, event, billing.WebhookEvent{
		UserID:         transition.UserID,
		SubscriptionID: sub.ID,
		PreviousStatus: transition.From,
		NewStatus:      transition.To,
	})
}

// handleSubscriptionDeleted marks the record canceled. The cancellation time
// comes from the payload so canceled records never lack one.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeEventObject(event, &sub); err != nil {
		return err
	}

	canceledAt := p.cancellationTime(event, &sub)
	transition, err := p.store.CancelSubscription(ctx, sub.ID, canceledAt)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription %s: %w", sub.ID, err)
	}
	if transition == nil {
		p.logger.Debug("deletion for unknown subscription",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "subscription_id", Value: sub.ID},
		)
		return nil
	}

	p.recordTransition(event, sub.ID, transition)
	return p.notify(ctx, event, billing.WebhookEvent{
		UserID:         transition.UserID,
		SubscriptionID: sub.ID,
		PreviousStatus: transition.From,
		NewStatus:      transition.To,
	})
}

// handleTrialWillEnd raises the advisory trial-ending flag on the profile
func (p *Provider) handleTrialWillEnd(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeEventObject(event, &sub); err != nil {
		return err
	}

	customerID := customerIDOf(&sub)
	profile, err := p.resolveProfile(ctx, customerID, sub.Metadata[metadataUserID])
	if err != nil {
		if errors.Is(err, billing.ErrProfileNotFound) {
			p.logger.Warn("no profile for trial ending customer",
				billing.Field{Key: "event_id", Value: event.ID},
				billing.Field{Key: "customer_id", Value: customerID},
			)
			return nil
		}
		return err
	}

	if err := p.store.SetTrialWillEnd(ctx, profile.ID, true); err != nil {
		return fmt.Errorf("failed to flag trial end for user %s: %w", profile.ID, err)
	}

	p.logger.Info("trial ending notice recorded",
		billing.Field{Key: "user_id", Value: profile.ID},
		billing.Field{Key: "subscription_id", Value: sub.ID},
	)
	return p.notify(ctx, event, billing.WebhookEvent{
		UserID:         profile.ID,
		SubscriptionID: sub.ID,
		PreviousStatus: string(sub.Status),
		NewStatus:      string(sub.Status),
	})
}

// createSubscription writes rec with insert-if-absent semantics and reports
// the new row to metrics and the callback.
func (p *Provider) createSubscription(ctx context.Context, event *stripe.Event, rec *billing.Subscription) error {
	created, err := p.store.CreateSubscription(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to create subscription %s: %w", rec.StripeSubscriptionID, err)
	}
	if !created {
		p.logger.Debug("subscription already recorded",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "subscription_id", Value: rec.StripeSubscriptionID},
		)
		// a redelivery after a failed callback must reach the callback again
		stored, err := p.store.GetSubscription(ctx, rec.StripeSubscriptionID)
		if err != nil {
			return fmt.Errorf("failed to load subscription %s: %w", rec.StripeSubscriptionID, err)
		}
		return p.notify(ctx, event, billing.WebhookEvent{
			UserID:         stored.UserID,
			SubscriptionID: stored.StripeSubscriptionID,
			NewStatus:      stored.Status,
		})
	}

	p.logger.Info("subscription recorded",
		billing.Field{Key: "event_type", Value: string(event.Type)},
		billing.Field{Key: "user_id", Value: rec.UserID},
		billing.Field{Key: "subscription_id", Value: rec.StripeSubscriptionID},
		billing.Field{Key: "status", Value: rec.Status},
		billing.Field{Key: "plan", Value: rec.Plan},
	)
	p.metrics.RecordStatusChange(providerName, "", rec.Status)
	return p.notify(ctx, event, billing.WebhookEvent{
		UserID:         rec.UserID,
		SubscriptionID: rec.StripeSubscriptionID,
		NewStatus:      rec.Status,
	})
}

func (p *Provider) recordTransition(event *stripe.Event, subscriptionID string, t *billing.Transition) {
	if !t.Changed() {
		return
	}
	p.logger.Info("subscription status changed",
		billing.Field{Key: "event_type", Value: string(event.Type)},
		billing.Field{Key: "user_id", Value: t.UserID},
		billing.Field{Key: "subscription_id", Value: subscriptionID},
		billing.Field{Key: "from", Value: t.From},
		billing.Field{Key: "to", Value: t.To},
	)
	p.metrics.RecordStatusChange(providerName, t.From, t.To)
}

// resolveProfile finds the profile linked to customerID. When none is linked
// yet and fallbackUserID names an existing profile, the customer is linked
// to it first. This covers checkouts that complete before the customer id
// was written back to the profile.
func (p *Provider) resolveProfile(ctx context.Context, customerID, fallbackUserID string) (*billing.Profile, error) {
	if customerID != "" {
		profile, err := p.store.FindProfileByCustomerID(ctx, customerID)
		if err == nil {
			return profile, nil
		}
		if !errors.Is(err, billing.ErrProfileNotFound) {
			return nil, fmt.Errorf("failed to look up profile for customer %s: %w", customerID, err)
		}
	}

	if fallbackUserID == "" || customerID == "" {
		return nil, billing.ErrProfileNotFound
	}

	profile, err := p.store.GetProfile(ctx, fallbackUserID)
	if err != nil {
		if errors.Is(err, billing.ErrProfileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load profile %s: %w", fallbackUserID, err)
	}
	if profile.StripeCustomerID != "" && profile.StripeCustomerID != customerID {
		// the user is already bound to another customer; do not steal it
		return nil, billing.ErrProfileNotFound
	}
	if err := p.store.LinkCustomer(ctx, profile.ID, customerID); err != nil {
		return nil, fmt.Errorf("failed to link customer %s to user %s: %w", customerID, profile.ID, err)
	}
	profile.StripeCustomerID = customerID
	return profile, nil
}

// subscriptionRecord converts a Stripe subscription into a local record.
// Period and plan come from the primary (first) item.
func (p *Provider) subscriptionRecord(sub *stripe.Subscription, userID string) *billing.Subscription {
	rec := &billing.Subscription{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     customerIDOf(sub),
		Status:               string(sub.Status),
		Plan:                 p.defaultPlan,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			rec.CurrentPeriodStart = unixUTC(item.CurrentPeriodStart)
		}
		if item.CurrentPeriodEnd > 0 {
			rec.CurrentPeriodEnd = unixUTC(item.CurrentPeriodEnd)
		}
		if item.Price != nil {
			rec.PriceID = item.Price.ID
			rec.Plan = p.planForPrice(item.Price)
		}
	}

	if sub.CanceledAt > 0 {
		canceledAt := unixUTC(sub.CanceledAt)
		rec.CanceledAt = &canceledAt
	}
	return rec
}

func (p *Provider) cancellationTime(event *stripe.Event, sub *stripe.Subscription) time.Time {
	switch {
	case sub.CanceledAt > 0:
		return unixUTC(sub.CanceledAt)
	case sub.EndedAt > 0:
		return unixUTC(sub.EndedAt)
	case event.Created > 0:
		return unixUTC(event.Created)
	default:
		return p.now().UTC().Truncate(time.Second)
	}
}

func customerIDOf(sub *stripe.Subscription) string {
	if sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}
