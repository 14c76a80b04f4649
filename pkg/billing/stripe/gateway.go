package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// Gateway is the subset of the Stripe API the provider calls.
type Gateway interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// clientGateway builds a fresh stripe.Client for every call so no client
// state is shared between concurrent requests.
type clientGateway struct {
	apiKey string
}

// NewGateway returns a Gateway backed by the Stripe API.
func NewGateway(apiKey string) Gateway {
	return &clientGateway{apiKey: apiKey}
}

func (g *clientGateway) client() *stripe.Client {
	return stripe.NewClient(g.apiKey)
}

func (g *clientGateway) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return g.client().V1Subscriptions.Retrieve(ctx, id, nil)
}

func (g *clientGateway) UpdateSubscription(
	ctx context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	return g.client().V1Subscriptions.Update(ctx, id, params)
}

func (g *clientGateway) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return g.client().V1Subscriptions.Cancel(ctx, id, &stripe.SubscriptionCancelParams{})
}

func (g *clientGateway) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return g.client().V1CheckoutSessions.Create(ctx, params)
}

func (g *clientGateway) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	return g.client().V1BillingPortalSessions.Create(ctx, params)
}
