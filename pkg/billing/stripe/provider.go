// Package stripe implements the billing.Provider contract against Stripe:
// hosted checkout and billing-portal sessions on the synchronous paths, and
// webhook event processing feeding the subsync.Manager on the asynchronous
// path.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/coachforge/subsync/pkg/billing"
	"github.com/coachforge/subsync/pkg/billing/internal"
	"github.com/coachforge/subsync/pkg/subsync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	webhookBodyLimit         = 256 * 1024

	metadataUserIDKey = "user_id"
	metadataTierKey   = "tier"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Manager, TierMapping, etc.)

	// StripeAPIKey is the secret key for outbound API calls (sk_test_/sk_live_)
	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret (whsec_)
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	manager       *subsync.Manager
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	tierMapping   map[string]string // Price/Product ID -> Tier
	webhookSecret []byte
	apiKey        string
	stripeClient  *stripe.Client
	metrics       billing.Metrics
	logger        subsync.Logger
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	tierMapping := make(map[string]string)
	for k, v := range config.TierMapping {
		tierMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	return &Provider{
		manager:       config.Manager,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		tierMapping:   tierMapping,
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		apiKey:        apiKey,
		stripeClient:  stripe.NewClient(apiKey),
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// MapPriceToTier maps a Stripe Price or Product ID to a plan tier.
// Returns the empty string when the id has no mapping.
func (p *Provider) MapPriceToTier(priceID string) string {
	if priceID == "" {
		return ""
	}
	return p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]
}

// priceIDForTier returns the Stripe Price ID for a tier name.
// This is the reverse of MapPriceToTier.
func (p *Provider) priceIDForTier(tier string) string {
	for priceID, mapped := range p.tierMapping {
		if mapped == tier {
			return priceID
		}
	}
	return ""
}

var _ billing.Provider = (*Provider)(nil)
