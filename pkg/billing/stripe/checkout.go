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

// CheckoutURL creates a Stripe Checkout Session for the intent and returns
// its URL. The local user id and tier ride along in session metadata so the
// eventual checkout.session.completed event resolves them without a second
// lookup. This path never writes the subscription store; the webhook is the
// only writer.
func (p *Provider) CheckoutURL(ctx context.Context, intent billing.CheckoutIntent) (string, error) {
	startTime := time.Now()

	priceID := p.priceIDForTier(intent.Tier)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "tier_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, intent.Tier)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(intent.SuccessURL),
		CancelURL:  stripe.String(intent.CancelURL),
	}

	// The completion event resolves the user and tier from this metadata
	params.AddMetadata(metadataUserIDKey, intent.UserID)
	params.AddMetadata(metadataTierKey, intent.Tier)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserIDKey, intent.UserID)

	// Reuse the stored customer reference when the user already checked out
	// once, so Stripe doesn't create duplicate customers
	if ref := p.knownCustomerRef(ctx, intent.UserID); ref != "" {
		params.Customer = stripe.String(ref)
	} else {
		params.ClientReferenceID = stripe.String(intent.UserID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session for an existing customer
// reference and returns its URL. Pure read plus remote call; no local mutation.
func (p *Provider) PortalURL(ctx context.Context, customerRef, returnURL string) (string, error) {
	startTime := time.Now()

	if customerRef == "" {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", billing.ErrCustomerNotFound
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))

	return session.URL, nil
}

// knownCustomerRef returns the customer reference already stored for a user,
// or empty when the user has never completed a checkout.
func (p *Provider) knownCustomerRef(ctx context.Context, userID string) string {
	sub, err := p.manager.GetSubscription(ctx, userID)
	if err != nil {
		if !errors.Is(err, subsync.ErrSubscriptionNotFound) {
			p.logger.Warn("customer lookup failed, proceeding without customer ref",
				subsync.Field{Key: "user_id", Value: userID},
				subsync.Field{Key: "error", Value: err.Error()})
		}
		return ""
	}
	return sub.CustomerRef
}
