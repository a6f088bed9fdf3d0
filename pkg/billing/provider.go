// Package billing defines the boundary contract with the hosted billing
// provider: session creation, webhook processing and user re-sync. The
// concrete provider lives in a subpackage (pkg/billing/stripe) so the
// platform can swap providers without touching the synchronization core.
package billing

import (
	"context"
	"net/http"

	"github.com/coachforge/subsync/pkg/subsync"
)

// CheckoutIntent describes one resolved checkout request. The user id is
// already resolved (authenticated principal or profile lookup) before the
// intent reaches the provider.
type CheckoutIntent struct {
	// UserID is the resolved local user the session is scoped to
	UserID string

	// Tier is the plan tier being purchased
	Tier string

	// SuccessURL is where the provider redirects after payment
	SuccessURL string

	// CancelURL is where the provider redirects on abandonment
	CancelURL string
}

// Provider is the billing gateway capability. Implementations never write
// the subscription store from the synchronous paths; all persistent state
// changes flow through the webhook handler into the subsync.Manager, so there
// is exactly one writer path and no race between "session created" and
// "webhook applied".
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler for the provider's event
	// deliveries. The handler verifies authenticity, then feeds the
	// subsync.Manager; it acknowledges every verified payload.
	WebhookHandler() http.Handler

	// CheckoutURL opens a hosted checkout session for the intent and returns
	// the redirect URL. The local user id is embedded in session metadata so
	// the completion event resolves it without a second lookup.
	CheckoutURL(ctx context.Context, intent CheckoutIntent) (string, error)

	// PortalURL opens a hosted self-service management session for an
	// existing customer reference and returns the redirect URL.
	PortalURL(ctx context.Context, customerRef, returnURL string) (string, error)

	// SyncUser re-reads the user's subscription state from the provider API
	// and writes it through the Manager's guarded path. Used for "restore
	// purchases" flows and nightly reconciliation jobs.
	SyncUser(ctx context.Context, userID string) (*subsync.Subscription, error)
}
