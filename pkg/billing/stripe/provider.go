package stripe

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywebhook/pkg/billing"
	"github.com/mihaimyh/paywebhook/pkg/billing/internal"
	"github.com/mihaimyh/paywebhook/pkg/billing/signature"
)

const (
	providerName             = "stripe"
	maxWebhookBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultPlanName          = "basic"
	defaultPlanKeyWildcard   = "*"
	defaultPlanKeyDefault    = "default"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, PlanMapping, Ledger, ...)

	// StripeAPIKey is the secret key for outbound API calls.
	// Falls back to billing.Config.APIKey when empty.
	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret.
	// Falls back to billing.Config.WebhookSecret when empty.
	StripeWebhookSecret string

	// SignatureScheme is the header scheme carrying the digest (default "v0").
	SignatureScheme string

	// SignatureTolerance is the maximum accepted age of a signed delivery.
	// Zero means the 30 minute default, negative disables the check.
	SignatureTolerance time.Duration

	// DefaultPlan labels subscriptions whose price has no mapping or lookup key.
	// A "*" or "default" entry in PlanMapping takes precedence.
	DefaultPlan string

	// WebhookRateLimit is the number of webhook requests accepted per client
	// IP per minute. Zero means 100, negative disables limiting.
	WebhookRateLimit int

	// Gateway overrides the Stripe API client (used by tests and tooling).
	Gateway Gateway

	// Clock overrides the time source used for signature tolerance.
	Clock func() time.Time
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	store         billing.Store
	ledger        billing.EventLedger
	gateway       Gateway
	verifier      *signature.Verifier
	rateLimiter   *internal.RateLimiter
	planMapping   map[string]string // lowercased price ID -> plan
	planPrices    map[string]string // plan -> price ID
	defaultPlan   string
	webhookSecret string
	callback      func(context.Context, billing.WebhookEvent) error
	metrics       billing.Metrics
	logger        billing.Logger
	now           func() time.Time
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	gateway := config.Gateway
	if gateway == nil {
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		gateway = NewGateway(apiKey)
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	now := config.Clock
	if now == nil {
		now = time.Now
	}

	verifierOpts := []signature.Option{signature.WithClock(now), signature.WithScheme(config.SignatureScheme)}
	switch {
	case config.SignatureTolerance > 0:
		verifierOpts = append(verifierOpts, signature.WithTolerance(config.SignatureTolerance))
	case config.SignatureTolerance < 0:
		verifierOpts = append(verifierOpts, signature.WithTolerance(0))
	}

	defaultPlan := strings.TrimSpace(config.DefaultPlan)
	if defaultPlan == "" {
		defaultPlan = defaultPlanName
	}

	planMapping := make(map[string]string, len(config.PlanMapping))
	planPrices := make(map[string]string, len(config.PlanMapping))
	priceIDs := make([]string, 0, len(config.PlanMapping))
	for priceID := range config.PlanMapping {
		priceIDs = append(priceIDs, priceID)
	}
	sort.Strings(priceIDs)
	for _, priceID := range priceIDs {
		plan := config.PlanMapping[priceID]
		key := strings.ToLower(strings.TrimSpace(priceID))
		planMapping[key] = plan
		if key == defaultPlanKeyWildcard || key == defaultPlanKeyDefault {
			continue
		}
		if _, exists := planPrices[plan]; !exists {
			planPrices[plan] = strings.TrimSpace(priceID)
		}
	}
	if plan, ok := planMapping[defaultPlanKeyWildcard]; ok {
		defaultPlan = plan
	} else if plan, ok := planMapping[defaultPlanKeyDefault]; ok {
		defaultPlan = plan
	}

	rateLimit := config.WebhookRateLimit
	if rateLimit == 0 {
		rateLimit = defaultRateLimitRequests
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Provider{
		store:         config.Store,
		ledger:        config.Ledger,
		gateway:       gateway,
		verifier:      signature.NewVerifier(webhookSecret, verifierOpts...),
		rateLimiter:   internal.NewRateLimiter(rateLimit, defaultRateLimitWindow),
		planMapping:   planMapping,
		planPrices:    planPrices,
		defaultPlan:   defaultPlan,
		webhookSecret: webhookSecret,
		callback:      config.WebhookCallback,
		metrics:       metrics,
		logger:        logger,
		now:           now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// DefaultPlan returns the plan label used for unmapped prices
func (p *Provider) DefaultPlan() string {
	return p.defaultPlan
}

// MapPriceToPlan maps a Stripe Price ID to a plan label (case-insensitive),
// falling back to the default plan.
func (p *Provider) MapPriceToPlan(priceID string) string {
	if plan, ok := p.lookupPlan(priceID); ok {
		return plan
	}
	return p.defaultPlan
}

func (p *Provider) lookupPlan(priceID string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(priceID))
	if key == "" {
		return "", false
	}
	plan, ok := p.planMapping[key]
	return plan, ok
}

// planForPrice resolves the plan label of a price: explicit mapping first,
// then the price's lookup key, then the default plan.
func (p *Provider) planForPrice(price *stripe.Price) string {
	if price == nil {
		return p.defaultPlan
	}
	if plan, ok := p.lookupPlan(price.ID); ok {
		return plan
	}
	if price.LookupKey != "" {
		return price.LookupKey
	}
	return p.defaultPlan
}

// priceIDForPlan is the reverse of MapPriceToPlan. When several prices map
// to the same plan the lexically first price ID wins.
func (p *Provider) priceIDForPlan(plan string) string {
	return p.planPrices[plan]
}
