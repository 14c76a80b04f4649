package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywebhook/pkg/billing"
	"github.com/mihaimyh/paywebhook/pkg/billing/signature"
	"github.com/mihaimyh/paywebhook/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testInvoiceID           = "in_test_123"
	testPriceIDBasic        = "price_basic_monthly"
	testPriceIDPro          = "price_pro_monthly"
	testPlanBasic           = "basic"
	testPlanPro             = "pro"
)

var (
	testPeriodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	testPeriodEnd   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	errStoreDown    = errors.New("store unavailable")
)

// fakeGateway serves subscriptions from memory and records outbound calls.
type fakeGateway struct {
	mu             sync.Mutex
	subscriptions  map[string]*stripe.Subscription
	err            error
	calls          []string
	updateParams   []*stripe.SubscriptionUpdateParams
	checkoutParams *stripe.CheckoutSessionCreateParams
	portalParams   *stripe.BillingPortalSessionCreateParams
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subscriptions: make(map[string]*stripe.Subscription)}
}

func (g *fakeGateway) put(sub *stripe.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[sub.ID] = sub
}

func (g *fakeGateway) record(call string) error {
	g.calls = append(g.calls, call)
	return g.err
}

func (g *fakeGateway) lookup(id string) (*stripe.Subscription, error) {
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "No such subscription: " + id}
	}
	subCopy := *sub
	return &subCopy, nil
}

func (g *fakeGateway) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("retrieve:" + id); err != nil {
		return nil, err
	}
	return g.lookup(id)
}

func (g *fakeGateway) UpdateSubscription(
	_ context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("update:" + id); err != nil {
		return nil, err
	}
	g.updateParams = append(g.updateParams, params)
	sub, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	if params.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
	}
	g.subscriptions[id] = sub
	return sub, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("cancel:" + id); err != nil {
		return nil, err
	}
	sub, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	sub.Status = stripe.SubscriptionStatusCanceled
	sub.CanceledAt = testPeriodStart.Add(24 * time.Hour).Unix()
	g.subscriptions[id] = sub
	return sub, nil
}

func (g *fakeGateway) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("checkout"); err != nil {
		return nil, err
	}
	g.checkoutParams = params
	return &stripe.CheckoutSession{ID: "cs_test_123", URL: "https://checkout.stripe.com/c/pay/cs_test_123"}, nil
}

func (g *fakeGateway) CreatePortalSession(
	_ context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("portal"); err != nil {
		return nil, err
	}
	g.portalParams = params
	return &stripe.BillingPortalSession{ID: "bps_test_123", URL: "https://billing.stripe.com/p/session/test"}, nil
}

// failingStore fails every write while reads pass through.
type failingStore struct {
	*memory.Storage
}

func (f *failingStore) CreateSubscription(context.Context, *billing.Subscription) (bool, error) {
	return false, errStoreDown
}

func (f *failingStore) UpdateSubscription(context.Context, *billing.Subscription) (*billing.Transition, error) {
	return nil, errStoreDown
}

func (f *failingStore) CancelSubscription(context.Context, string, time.Time) (*billing.Transition, error) {
	return nil, errStoreDown
}

func (f *failingStore) UpsertPayment(context.Context, *billing.Payment) (bool, error) {
	return false, errStoreDown
}

type testEnv struct {
	provider *Provider
	store    *memory.Storage
	gateway  *fakeGateway
	events   []billing.WebhookEvent
}

type envOption func(*Config)

func withStore(store billing.Store) envOption {
	return func(c *Config) { c.Store = store }
}

func withCallback(cb func(context.Context, billing.WebhookEvent) error) envOption {
	return func(c *Config) { c.WebhookCallback = cb }
}

// newTestEnv builds a provider over a memory store holding one profile
// linked to testCustomerID.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   memory.New(),
		gateway: newFakeGateway(),
	}
	env.store.PutProfile(&billing.Profile{ID: testUserID, StripeCustomerID: testCustomerID})

	config := Config{
		Config: billing.Config{
			Store:  env.store,
			Ledger: env.store,
			PlanMapping: map[string]string{
				testPriceIDBasic: testPlanBasic,
				testPriceIDPro:   testPlanPro,
			},
			WebhookCallback: func(_ context.Context, e billing.WebhookEvent) error {
				env.events = append(env.events, e)
				return nil
			},
		},
		StripeWebhookSecret: testStripeWebhookSecret,
		Gateway:             env.gateway,
		WebhookRateLimit:    -1,
	}
	for _, opt := range opts {
		opt(&config)
	}

	provider, err := NewProvider(config)
	require.NoError(t, err)
	env.provider = provider
	return env
}

// deliver signs payload and posts it to the webhook handler.
func (env *testEnv) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	header := signature.NewVerifier(testStripeWebhookSecret).Header(payload, time.Now())
	return env.post(payload, header)
}

func (env *testEnv) post(payload []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/stripe-webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) subscription(t *testing.T, id string) *billing.Subscription {
	t.Helper()
	sub, err := env.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (env *testEnv) profile(t *testing.T) *billing.Profile {
	t.Helper()
	p, err := env.store.GetProfile(context.Background(), testUserID)
	require.NoError(t, err)
	return p
}

// seedSubscription records an active subscription through the created webhook.
func (env *testEnv) seedSubscription(t *testing.T, subID string) {
	t.Helper()
	rec := env.deliver(t, eventJSON(t, "evt_seed_"+subID, EventSubscriptionCreated,
		subscriptionObject(subID, "active", testPriceIDPro)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// eventJSON wraps object in a Stripe event envelope.
func eventJSON(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     testPeriodStart.Add(time.Hour).Unix(),
		"api_version": "2025-03-31.basil",
		"livemode":    false,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return data
}

func subscriptionObject(id, status, priceID string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"object":               "subscription",
		"customer":             testCustomerID,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             map[string]string{},
		"items": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{
					"id":                   "si_" + id,
					"object":               "subscription_item",
					"current_period_start": testPeriodStart.Unix(),
					"current_period_end":   testPeriodEnd.Unix(),
					"price": map[string]interface{}{
						"id":     priceID,
						"object": "price",
					},
				},
			},
		},
	}
}

func invoiceObject(id, subID string) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"object":       "invoice",
		"customer":     testCustomerID,
		"amount_paid":  2900,
		"amount_due":   2900,
		"currency":     "usd",
		"period_start": testPeriodStart.Unix(),
		"period_end":   testPeriodEnd.Unix(),
		"parent": map[string]interface{}{
			"type": "subscription_details",
			"subscription_details": map[string]interface{}{
				"subscription": subID,
			},
		},
	}
}

// stripeSubscription builds the API object the fake gateway returns.
func stripeSubscription(id, status, priceID string) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Customer: &stripe.Customer{ID: testCustomerID},
		Status:   stripe.SubscriptionStatus(status),
		Metadata: map[string]string{},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					ID:                 "si_" + id,
					CurrentPeriodStart: testPeriodStart.Unix(),
					CurrentPeriodEnd:   testPeriodEnd.Unix(),
					Price:              &stripe.Price{ID: priceID},
				},
			},
		},
	}
}
