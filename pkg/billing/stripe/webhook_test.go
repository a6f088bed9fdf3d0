package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/coachforge/subsync/pkg/billing"
	"github.com/coachforge/subsync/pkg/subsync"
	"github.com/coachforge/subsync/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testAPIKey        = "sk_test_123"
)

func newTestProvider(t *testing.T) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	manager, err := subsync.NewManager(store, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	provider, err := NewProvider(Config{
		Config: billing.Config{
			Manager: manager,
			TierMapping: map[string]string{
				"price_training": "TRAINING_30DAY",
				"price_pro":      "PRO_ANNUAL",
			},
		},
		StripeAPIKey:        testAPIKey,
		StripeWebhookSecret: testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider, store
}

// signPayload builds a Stripe-Signature header the way Stripe's CLI does:
// t=<ts>,v1=hex(hmac_sha256(secret, "<ts>.<payload>"))
func signPayload(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return payload
}

func deliverSigned(provider *Provider, payload []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signPayload(testWebhookSecret, payload, time.Now()))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)
	return w
}

func TestWebhook_RejectsTamperedPayload(t *testing.T) {
	provider, store := newTestProvider(t)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":           "cs_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"user_id": "user1", "tier": "TRAINING_30DAY"},
	})
	sig := signPayload(testWebhookSecret, payload, time.Now())

	// Flip a byte after signing
	tampered := strings.Replace(string(payload), "user1", "user2", 1)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(tampered))
	req.Header.Set("Stripe-Signature", sig)
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for tampered payload, got %d", w.Code)
	}

	// Nothing reached the ledger
	if _, err := store.GetSubscription(req.Context(), "user1"); err != subsync.ErrSubscriptionNotFound {
		t.Errorf("Tampered payload must not create state, got %v", err)
	}
}

func TestWebhook_RejectsMissingSignature(t *testing.T) {
	provider, _ := newTestProvider(t)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(), map[string]interface{}{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing signature, got %d", w.Code)
	}
}

func TestWebhook_RejectsStaleTimestamp(t *testing.T) {
	provider, _ := newTestProvider(t)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(), map[string]interface{}{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	// Validly signed but captured an hour ago, outside the tolerance window
	req.Header.Set("Stripe-Signature", signPayload(testWebhookSecret, payload, time.Now().Add(-time.Hour)))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for stale timestamp, got %d", w.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	provider, _ := newTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestWebhook_CheckoutCompletedApplies(t *testing.T) {
	provider, _ := newTestProvider(t)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":             "cs_1",
		"subscription":   "sub_1",
		"customer":       "cus_1",
		"payment_status": "paid",
		"metadata":       map[string]string{"user_id": "user1", "tier": "TRAINING_30DAY"},
	})
	w := deliverSigned(provider, payload)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "applied" {
		t.Errorf("Expected status applied, got %v", resp["status"])
	}

	sub, err := provider.manager.GetSubscription(httptest.NewRequest("GET", "/", nil).Context(), "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Tier != "TRAINING_30DAY" {
		t.Errorf("Tier mismatch: got %s", sub.Tier)
	}
	if sub.Status != subsync.StatusActive {
		t.Errorf("Status mismatch: got %s", sub.Status)
	}
	if sub.CustomerRef != "cus_1" || sub.SubscriptionRef != "sub_1" {
		t.Errorf("Refs mismatch: got %s / %s", sub.CustomerRef, sub.SubscriptionRef)
	}
}

func TestWebhook_AsyncPaymentStartsIncomplete(t *testing.T) {
	provider, _ := newTestProvider(t)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":             "cs_1",
		"subscription":   "sub_1",
		"customer":       "cus_1",
		"payment_status": "unpaid",
		"metadata":       map[string]string{"user_id": "user1", "tier": "TRAINING_30DAY"},
	})
	if w := deliverSigned(provider, payload); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	sub, err := provider.manager.GetSubscription(httptest.NewRequest("GET", "/", nil).Context(), "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != subsync.StatusIncomplete {
		t.Errorf("Expected incomplete status for unpaid session, got %s", sub.Status)
	}
}

func TestWebhook_DuplicateDeliveryAcknowledged(t *testing.T) {
	provider, _ := newTestProvider(t)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":           "cs_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"user_id": "user1", "tier": "TRAINING_30DAY"},
	})

	if w := deliverSigned(provider, payload); w.Code != http.StatusOK {
		t.Fatalf("First delivery failed: %d", w.Code)
	}
	w := deliverSigned(provider, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("Redelivery must be acknowledged, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Errorf("Expected status duplicate, got %v", resp["status"])
	}
}

func TestWebhook_UnknownEventTypeIgnored(t *testing.T) {
	provider, _ := newTestProvider(t)

	payload := eventPayload(t, "evt_1", "customer.created", time.Now(), map[string]interface{}{
		"id": "cus_1",
	})
	w := deliverSigned(provider, payload)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unknown event type, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Errorf("Expected status ignored, got %v", resp["status"])
	}
}

func TestWebhook_MissingMetadataRecordedFailed(t *testing.T) {
	provider, store := newTestProvider(t)

	// Authentic payload with no user_id metadata; must be acknowledged and
	// parked in the ledger, not bounced back for redelivery
	payload := eventPayload(t, "evt_1", "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":           "cs_1",
		"subscription": "sub_1",
	})
	w := deliverSigned(provider, payload)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "failed" {
		t.Errorf("Expected status failed, got %v", resp["status"])
	}

	failed, err := store.ListFailedEvents(httptest.NewRequest("GET", "/", nil).Context(), "", 10)
	if err != nil {
		t.Fatalf("ListFailedEvents failed: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("Expected 1 failed ledger entry, got %d", len(failed))
	}
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()
	base := time.Now().Add(-time.Minute)

	checkout := eventPayload(t, "evt_1", "checkout.session.completed", base, map[string]interface{}{
		"id":           "cs_1",
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]string{"user_id": "user1", "tier": "TRAINING_30DAY"},
	})
	if w := deliverSigned(provider, checkout); w.Code != http.StatusOK {
		t.Fatalf("Checkout delivery failed: %d", w.Code)
	}

	failedPayment := eventPayload(t, "evt_2", "invoice.payment_failed", base.Add(10*time.Second), map[string]interface{}{
		"id":           "in_1",
		"subscription": "sub_1",
	})
	if w := deliverSigned(provider, failedPayment); w.Code != http.StatusOK {
		t.Fatalf("Payment-failed delivery failed: %d", w.Code)
	}
	sub, err := provider.manager.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != subsync.StatusPastDue {
		t.Errorf("Expected past_due after failed payment, got %s", sub.Status)
	}

	recovered := eventPayload(t, "evt_3", "invoice.payment_succeeded", base.Add(20*time.Second), map[string]interface{}{
		"id": "in_2",
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{"subscription": "sub_1"},
		},
	})
	if w := deliverSigned(provider, recovered); w.Code != http.StatusOK {
		t.Fatalf("Payment-succeeded delivery failed: %d", w.Code)
	}
	sub, err = provider.manager.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != subsync.StatusActive {
		t.Errorf("Expected active after recovery, got %s", sub.Status)
	}

	deleted := eventPayload(t, "evt_4", "customer.subscription.deleted", base.Add(30*time.Second), map[string]interface{}{
		"id": "sub_1",
	})
	if w := deliverSigned(provider, deleted); w.Code != http.StatusOK {
		t.Fatalf("Deleted delivery failed: %d", w.Code)
	}
	sub, err = provider.manager.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != subsync.StatusCanceled {
		t.Errorf("Expected canceled, got %s", sub.Status)
	}
	if sub.Tier != "TRAINING_30DAY" {
		t.Errorf("Tier should survive cancellation, got %s", sub.Tier)
	}
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		in   string
		want subsync.Status
	}{
		{"incomplete", subsync.StatusIncomplete},
		{"incomplete_expired", subsync.StatusCanceled},
		{"trialing", subsync.StatusTrialing},
		{"active", subsync.StatusActive},
		{"past_due", subsync.StatusPastDue},
		{"canceled", subsync.StatusCanceled},
		{"unpaid", subsync.StatusUnpaid},
		{"paused", subsync.StatusUnpaid}, // unknown statuses map conservatively
	}
	for _, tc := range cases {
		got := mapStatus(stripe.SubscriptionStatus(tc.in))
		if got != tc.want {
			t.Errorf("mapStatus(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestPeriodEndFromRaw(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	topLevel := json.RawMessage(fmt.Sprintf(`{"current_period_end": %d}`, ts.Unix()))
	if got := periodEndFromRaw(topLevel); got == nil || !got.Equal(ts) {
		t.Errorf("Top-level period end not extracted: %v", got)
	}

	nested := json.RawMessage(fmt.Sprintf(`{"items":{"data":[{"current_period_end": %d}]}}`, ts.Unix()))
	if got := periodEndFromRaw(nested); got == nil || !got.Equal(ts) {
		t.Errorf("Item-level period end not extracted: %v", got)
	}

	if got := periodEndFromRaw(json.RawMessage(`{}`)); got != nil {
		t.Errorf("Expected nil for absent period end, got %v", got)
	}
}

func TestSubscriptionRefFromInvoice(t *testing.T) {
	ref, err := subscriptionRefFromInvoice(json.RawMessage(`{"subscription":"sub_1"}`))
	if err != nil || ref != "sub_1" {
		t.Errorf("String form: got %q, %v", ref, err)
	}

	ref, err = subscriptionRefFromInvoice(json.RawMessage(`{"subscription":{"id":"sub_2"}}`))
	if err != nil || ref != "sub_2" {
		t.Errorf("Object form: got %q, %v", ref, err)
	}

	ref, err = subscriptionRefFromInvoice(json.RawMessage(`{"parent":{"subscription_details":{"subscription":"sub_3"}}}`))
	if err != nil || ref != "sub_3" {
		t.Errorf("Nested form: got %q, %v", ref, err)
	}

	ref, err = subscriptionRefFromInvoice(json.RawMessage(`{"id":"in_1"}`))
	if err != nil || ref != "" {
		t.Errorf("Non-subscription invoice: got %q, %v", ref, err)
	}
}

func TestMapPriceToTier(t *testing.T) {
	provider, _ := newTestProvider(t)

	if got := provider.MapPriceToTier("price_training"); got != "TRAINING_30DAY" {
		t.Errorf("Expected TRAINING_30DAY, got %q", got)
	}
	if got := provider.MapPriceToTier("PRICE_TRAINING"); got != "TRAINING_30DAY" {
		t.Errorf("Mapping should be case-insensitive, got %q", got)
	}
	if got := provider.MapPriceToTier("price_unknown"); got != "" {
		t.Errorf("Expected empty for unmapped price, got %q", got)
	}
	if got := provider.priceIDForTier("PRO_ANNUAL"); got != "price_pro" {
		t.Errorf("Expected price_pro, got %q", got)
	}
}
