package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/coachforge/subsync/pkg/billing"
	"github.com/coachforge/subsync/pkg/subsync"
)

// SyncUser re-reads the user's subscription state from the Stripe API and
// writes it through the Manager's guarded apply path. The webhook stream is
// the primary source of truth; this is the manual "restore purchases" and
// nightly-reconciliation fallback for deliveries that never arrived.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	startTime := time.Now()

	local, err := p.manager.GetSubscription(ctx, userID)
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}

	// FAST PATH: the stored row already carries the customer reference
	customerRef := ""
	if local != nil {
		customerRef = local.CustomerRef
	}

	// SLOW PATH: Stripe Search API over customer metadata (~500ms, eventually consistent)
	if customerRef == "" {
		customerRef, err = p.searchCustomerByMetadata(ctx, userID)
		if err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return nil, err
		}
	}

	remote, err := p.latestSubscription(ctx, customerRef, local)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return nil, err
	}
	if remote == nil {
		p.metrics.RecordUserSync(providerName, "success")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return local, nil
	}

	var t subsync.Transition
	if local == nil {
		t = subsync.CheckoutCompleted{
			UserID:          userID,
			Tier:            p.tierFromItems(remote),
			Status:          mapStatus(remote.Status),
			CustomerRef:     customerRef,
			SubscriptionRef: remote.ID,
		}
	} else {
		t = subsync.SubscriptionUpdated{
			SubscriptionRef: remote.ID,
			Status:          mapStatus(remote.Status),
			Tier:            p.tierFromItems(remote),
		}
	}

	// Sync writes carry the current time as their stamp, so a concurrently
	// delivered newer webhook event still wins the CAS
	if err := p.manager.Apply(ctx, t, time.Now().UTC()); err != nil && !errors.Is(err, subsync.ErrStaleTransition) {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return nil, fmt.Errorf("failed to apply synced state: %w", err)
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))

	return p.manager.GetSubscription(ctx, userID)
}

// searchCustomerByMetadata finds the customer carrying the user id in its
// metadata via the Stripe Search API.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", "error")
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches; verify exactly
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			return cust.ID, nil
		}
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", "not_found")
	return "", billing.ErrUserNotFound
}

// latestSubscription picks the customer's subscription to mirror locally:
// the one matching the locally stored reference when present, otherwise the
// most recently created.
func (p *Provider) latestSubscription(
	ctx context.Context, customerRef string, local *subsync.Subscription,
) (*stripe.Subscription, error) {
	startTime := time.Now()

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerRef)
	params.Status = stripe.String("all")

	var newest *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if local != nil && sub.ID == local.SubscriptionRef {
			newest = sub
			break
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))
	return newest, nil
}
