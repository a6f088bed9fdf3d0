package subsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransitionKind identifies a transition variant.
type TransitionKind string

const (
	// KindCheckoutCompleted creates or upserts the row for a user
	KindCheckoutCompleted TransitionKind = "checkout_completed"
	// KindSubscriptionUpdated overwrites status, tier and period end
	KindSubscriptionUpdated TransitionKind = "subscription_updated"
	// KindSubscriptionDeleted marks the row canceled, retaining tier and period end
	KindSubscriptionDeleted TransitionKind = "subscription_deleted"
	// KindPaymentFailed marks the row past_due
	KindPaymentFailed TransitionKind = "payment_failed"
	// KindPaymentRecovered restores a past_due row to active
	KindPaymentRecovered TransitionKind = "payment_recovered"
)

// Transition is a closed set of subscription state transitions. New event
// kinds are added as new variants with exhaustive handling, never through a
// silent default branch.
type Transition interface {
	Kind() TransitionKind

	// Ref returns the external subscription reference the transition targets
	Ref() string
}

// CheckoutCompleted is emitted when a hosted checkout session finishes.
// It is the only transition keyed by user id rather than subscription ref,
// because it creates the row.
type CheckoutCompleted struct {
	UserID          string     `json:"user_id"`
	Tier            string     `json:"tier"`
	Status          Status     `json:"status"`
	CustomerRef     string     `json:"customer_ref"`
	SubscriptionRef string     `json:"subscription_ref"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}

func (CheckoutCompleted) Kind() TransitionKind { return KindCheckoutCompleted }
func (t CheckoutCompleted) Ref() string        { return t.SubscriptionRef }

// SubscriptionUpdated carries the provider's current view of status, tier and
// period end. Tier may change on upgrade/downgrade.
type SubscriptionUpdated struct {
	SubscriptionRef string     `json:"subscription_ref"`
	Status          Status     `json:"status"`
	Tier            string     `json:"tier"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}

func (SubscriptionUpdated) Kind() TransitionKind { return KindSubscriptionUpdated }
func (t SubscriptionUpdated) Ref() string        { return t.SubscriptionRef }

// SubscriptionDeleted ends the subscription. Tier and period end are retained
// as of cancellation for historical display.
type SubscriptionDeleted struct {
	SubscriptionRef string `json:"subscription_ref"`
}

func (SubscriptionDeleted) Kind() TransitionKind { return KindSubscriptionDeleted }
func (t SubscriptionDeleted) Ref() string        { return t.SubscriptionRef }

// PaymentFailed marks the subscription past_due after a failed invoice payment.
type PaymentFailed struct {
	SubscriptionRef string `json:"subscription_ref"`
}

func (PaymentFailed) Kind() TransitionKind { return KindPaymentFailed }
func (t PaymentFailed) Ref() string        { return t.SubscriptionRef }

// PaymentRecovered restores a past_due subscription to active after a
// successful invoice payment. A no-op for rows in any other status.
type PaymentRecovered struct {
	SubscriptionRef string `json:"subscription_ref"`
}

func (PaymentRecovered) Kind() TransitionKind { return KindPaymentRecovered }
func (t PaymentRecovered) Ref() string        { return t.SubscriptionRef }

type transitionEnvelope struct {
	Kind TransitionKind  `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeTransition serializes a transition for ledger storage so failed
// entries can be replayed by reconciliation.
func EncodeTransition(t Transition) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transition: %w", err)
	}
	return json.Marshal(transitionEnvelope{Kind: t.Kind(), Data: data})
}

// DecodeTransition deserializes a transition previously written by
// EncodeTransition. The kind switch is exhaustive over the closed set.
func DecodeTransition(b []byte) (Transition, error) {
	var env transitionEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode transition envelope: %w", err)
	}

	var t Transition
	switch env.Kind {
	case KindCheckoutCompleted:
		var v CheckoutCompleted
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
		}
		t = v
	case KindSubscriptionUpdated:
		var v SubscriptionUpdated
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
		}
		t = v
	case KindSubscriptionDeleted:
		var v SubscriptionDeleted
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
		}
		t = v
	case KindPaymentFailed:
		var v PaymentFailed
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
		}
		t = v
	case KindPaymentRecovered:
		var v PaymentRecovered
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
		}
		t = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransition, env.Kind)
	}

	return t, nil
}
