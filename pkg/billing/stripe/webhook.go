package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/coachforge/subsync/pkg/billing/internal"
	"github.com/coachforge/subsync/pkg/subsync"
)

// handleWebhook processes one inbound Stripe event delivery.
//
// Response contract: 400 only when signature verification fails (or the
// header is absent); once the payload is cryptographically verified the
// endpoint acknowledges with 200 regardless of downstream outcome, so the
// provider's retry loop stops. Apply failures land in the event ledger as
// "failed" for reconciliation instead. The single exception is a ledger
// insert failure, which returns 500: nothing was applied, so a redelivery is
// safe and is the only way not to lose the event.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// The raw bytes must reach signature verification unmodified
	body, err := internal.ReadRawBody(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		return
	}

	// ConstructEvent verifies the HMAC and enforces the bounded timestamp
	// tolerance that defeats replay of stale captures
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_signature")
		return
	}

	eventType := string(event.Type)
	ev := p.parseEvent(&event)

	result, err := p.manager.Process(r.Context(), ev)
	if err != nil {
		http.Error(w, "failed to record event", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"status":   string(result),
	})

	p.metrics.RecordWebhookEvent(providerName, eventType, string(result))
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// parseEvent maps a verified Stripe event to a subscription transition.
// Event types outside the handled set yield a nil transition (ledgered as
// ignored); authentic but undecodable payloads set ParseErr (ledgered as
// failed).
func (p *Provider) parseEvent(event *stripe.Event) subsync.Event {
	ev := subsync.Event{
		ID:         event.ID,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed":
		ev.Transition, ev.ParseErr = p.parseCheckoutCompleted(event.Data.Raw)

	case "customer.subscription.updated":
		ev.Transition, ev.ParseErr = p.parseSubscriptionUpdated(event.Data.Raw)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			ev.ParseErr = fmt.Errorf("failed to unmarshal subscription: %w", err)
			return ev
		}
		ev.Transition = subsync.SubscriptionDeleted{SubscriptionRef: sub.ID}

	case "invoice.payment_failed":
		ref, err := subscriptionRefFromInvoice(event.Data.Raw)
		if err != nil {
			ev.ParseErr = err
			return ev
		}
		if ref == "" {
			return ev // not a subscription invoice
		}
		ev.Transition = subsync.PaymentFailed{SubscriptionRef: ref}

	case "invoice.payment_succeeded":
		ref, err := subscriptionRefFromInvoice(event.Data.Raw)
		if err != nil {
			ev.ParseErr = err
			return ev
		}
		if ref == "" {
			return ev
		}
		ev.Transition = subsync.PaymentRecovered{SubscriptionRef: ref}
	}

	return ev
}

func (p *Provider) parseCheckoutCompleted(raw json.RawMessage) (subsync.Transition, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	subscriptionRef := ""
	if session.Subscription != nil {
		subscriptionRef = session.Subscription.ID
	}
	if subscriptionRef == "" {
		// One-time payment checkout - nothing to synchronize
		return nil, nil
	}

	userID := session.Metadata[metadataUserIDKey]
	if userID == "" {
		return nil, fmt.Errorf("metadata.%s missing on checkout session %s", metadataUserIDKey, session.ID)
	}
	tier := session.Metadata[metadataTierKey]
	if tier == "" {
		return nil, fmt.Errorf("metadata.%s missing on checkout session %s", metadataTierKey, session.ID)
	}

	customerRef := ""
	if session.Customer != nil {
		customerRef = session.Customer.ID
	}

	// Asynchronous payment methods complete the session before funds clear
	status := subsync.StatusActive
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		status = subsync.StatusIncomplete
	}

	return subsync.CheckoutCompleted{
		UserID:          userID,
		Tier:            tier,
		Status:          status,
		CustomerRef:     customerRef,
		SubscriptionRef: subscriptionRef,
	}, nil
}

func (p *Provider) parseSubscriptionUpdated(raw json.RawMessage) (subsync.Transition, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	return subsync.SubscriptionUpdated{
		SubscriptionRef: sub.ID,
		Status:          mapStatus(sub.Status),
		Tier:            p.tierFromItems(&sub),
		PeriodEnd:       periodEndFromRaw(raw),
	}, nil
}

// tierFromItems maps the subscription's first mapped item price to a tier.
// Returns empty when no item price is in the tier mapping, which the Manager
// treats as "tier unchanged".
func (p *Provider) tierFromItems(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if tier := p.MapPriceToTier(item.Price.ID); tier != "" {
			return tier
		}
	}
	return ""
}

// mapStatus translates Stripe's subscription status vocabulary to the local
// status enum.
func mapStatus(s stripe.SubscriptionStatus) subsync.Status {
	switch s {
	case stripe.SubscriptionStatusIncomplete:
		return subsync.StatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return subsync.StatusCanceled
	case stripe.SubscriptionStatusTrialing:
		return subsync.StatusTrialing
	case stripe.SubscriptionStatusActive:
		return subsync.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return subsync.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return subsync.StatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return subsync.StatusUnpaid
	default:
		return subsync.StatusUnpaid
	}
}

// periodEndFromRaw extracts current_period_end from the event payload JSON.
// Newer API versions carry the period on subscription items rather than the
// subscription object, so both locations are checked.
func periodEndFromRaw(raw json.RawMessage) *time.Time {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}

	if ts, ok := asUnix(data["current_period_end"]); ok {
		return &ts
	}

	items, ok := data["items"].(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := items["data"].([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}
	first, ok := list[0].(map[string]interface{})
	if !ok {
		return nil
	}
	if ts, ok := asUnix(first["current_period_end"]); ok {
		return &ts
	}
	return nil
}

func asUnix(v interface{}) (time.Time, bool) {
	f, ok := v.(float64)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(f), 0).UTC(), true
}

// subscriptionRefFromInvoice extracts the subscription id from an invoice
// payload. The field is sometimes a bare id string and sometimes an expanded
// object; an empty result means the invoice is not tied to a subscription.
func subscriptionRefFromInvoice(raw json.RawMessage) (string, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	switch v := data["subscription"].(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id, nil
		}
	}

	// Newer API versions nest the subscription under parent.subscription_details
	if parent, ok := data["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			switch v := details["subscription"].(type) {
			case string:
				return v, nil
			case map[string]interface{}:
				if id, ok := v["id"].(string); ok {
					return id, nil
				}
			}
		}
	}

	return "", nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
