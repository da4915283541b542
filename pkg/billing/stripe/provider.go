// Package stripe implements the billing.Provider interface for Stripe.
// It owns the webhook event processor: the asynchronous half of the credit
// subsystem that mutates the same balance ledger the metering service reads.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/lotworks/dealercredit/pkg/billing"
	"github.com/lotworks/dealercredit/pkg/billing/internal"
	"github.com/lotworks/dealercredit/pkg/credit"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	metadataDealerID     = "dealer_id"
	metadataPlanTier     = "plan_tier"
	metadataPurchaseType = "purchase_type"
	metadataCreditCount  = "credits"

	purchaseTypeCreditPack = "credit_pack"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	StripeAPIKey        string
	StripeWebhookSecret string

	// PlanPrices maps plan tiers to Stripe price IDs. Used when creating
	// checkout sessions and, in reverse, when a subscription event
	// carries no tier metadata.
	PlanPrices map[credit.PlanTier]string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	service       *credit.Service
	ledger        credit.Ledger
	config        Config
	stripeClient  *stripe.Client
	webhookSecret []byte
	rateLimiter   *internal.RateLimiter
	priceTiers    map[string]credit.PlanTier
	callback      billing.EventCallback
	logger        credit.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Service == nil || config.Ledger == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: httpClient,
	})

	priceTiers := make(map[string]credit.PlanTier, len(config.PlanPrices))
	for tier, priceID := range config.PlanPrices {
		priceTiers[priceID] = tier
	}

	logger := config.Logger
	if logger == nil {
		logger = &credit.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		service: config.Service,
		ledger:  config.Ledger,
		config:  config,
		stripeClient: stripe.NewClient(apiKey, stripe.WithBackends(&stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		})),
		webhookSecret: []byte(webhookSecret),
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		priceTiers:    priceTiers,
		callback:      config.EventCallback,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, wrapped with
// per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
