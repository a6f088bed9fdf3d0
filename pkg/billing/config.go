package billing

import (
	"net/http"

	"github.com/coachforge/subsync/pkg/subsync"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Manager is the subscription sync manager updated by webhook processing (required)
	Manager *subsync.Manager

	// TierMapping maps provider price/product IDs to plan tiers.
	// For example: map[string]string{"price_training_30d": "TRAINING_30DAY"}
	TierMapping map[string]string

	// WebhookSecret verifies incoming webhook deliveries
	WebhookSecret string

	// APIKey authenticates outbound calls to the provider (sessions, SyncUser)
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with a bounded timeout is used.
	HTTPClient *http.Client

	// Metrics is an optional collector for provider operations.
	// If nil, metrics are silently ignored (no-op).
	Metrics Metrics

	// Logger is an optional structured logger.
	// If nil, logging is silently ignored (no-op).
	Logger subsync.Logger
}
