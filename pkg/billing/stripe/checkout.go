package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

// CheckoutURL creates a subscription-mode Checkout Session for the user and
// returns its URL. The plan is resolved to a price through PlanMapping.
func (p *Provider) CheckoutURL(ctx context.Context, userID, plan, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	priceID := p.priceIDForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, endpointCheckout, "plan_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	profile, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load profile %s: %w", userID, err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.Metadata = map[string]string{metadataUserID: userID}

	// subscription.created arrives before checkout.session.completed, so the
	// subscription itself carries the owner as well
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)

	// subscription mode creates a customer when none is attached
	if profile.StripeCustomerID != "" {
		params.Customer = stripe.String(profile.StripeCustomerID)
	}

	session, err := p.gateway.CreateCheckoutSession(ctx, params)
	p.trackAPICall(endpointCheckout, startTime, err)
	if err != nil {
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	return session.URL, nil
}

// PortalURL creates a Billing Portal session so the user can manage payment
// methods and cancel or resume their subscription.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	startTime := time.Now()

	profile, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load profile %s: %w", userID, err)
	}
	if profile.StripeCustomerID == "" {
		p.metrics.RecordAPICall(providerName, endpointBillingPortal, "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	session, err := p.gateway.CreatePortalSession(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(profile.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	})
	p.trackAPICall(endpointBillingPortal, startTime, err)
	if err != nil {
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}
	return session.URL, nil
}
