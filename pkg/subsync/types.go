// Package subsync reconciles a billing provider's asynchronous event stream
// with the authoritative local subscription record. It provides the event
// ledger that deduplicates at-least-once deliveries, the subscription store
// contract with a per-row monotonic timestamp guard, and the Manager that
// applies lifecycle transitions convergently regardless of delivery order.
package subsync

import "time"

// Status is the lifecycle status of a subscription, mirroring the billing
// provider's status vocabulary.
type Status string

const (
	// StatusIncomplete means checkout completed but payment is still processing
	StatusIncomplete Status = "incomplete"
	// StatusActive means the subscription is paid up and entitling
	StatusActive Status = "active"
	// StatusPastDue means the latest invoice payment failed
	StatusPastDue Status = "past_due"
	// StatusCanceled means the subscription ended; the row is retained for history
	StatusCanceled Status = "canceled"
	// StatusUnpaid means the provider gave up collecting payment
	StatusUnpaid Status = "unpaid"
	// StatusTrialing means the subscription is in a trial period
	StatusTrialing Status = "trialing"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid, StatusTrialing:
		return true
	}
	return false
}

// Entitled reports whether the status grants access to paid features.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is the authoritative local record of one user's subscription.
// One row per user; cancellation is a status value, never a row removal.
type Subscription struct {
	// UserID is the owning user (unique key)
	UserID string

	// Tier is the plan tier purchased (opaque catalog value, e.g. "TRAINING_30DAY")
	Tier string

	// Status is the current lifecycle status
	Status Status

	// CurrentPeriodEnd is the end of the current billing period (nil if unknown)
	CurrentPeriodEnd *time.Time

	// CustomerRef is the billing provider's customer identifier
	CustomerRef string

	// SubscriptionRef is the billing provider's subscription identifier
	SubscriptionRef string

	// LastEventAt is the generation timestamp of the newest event reflected in
	// this row. Writes carrying an older timestamp are rejected as stale.
	LastEventAt time.Time

	// UpdatedAt is when this row was last written locally
	UpdatedAt time.Time
}

// EventOutcome is the processing outcome recorded for a ledger entry.
type EventOutcome string

const (
	// OutcomePending means the event is being processed by its first receiver
	OutcomePending EventOutcome = "pending"
	// OutcomeApplied means the transition was persisted exactly once
	OutcomeApplied EventOutcome = "applied"
	// OutcomeIgnored means the event was a duplicate, stale, or irrelevant
	OutcomeIgnored EventOutcome = "ignored"
	// OutcomeFailed means the transition could not be applied; the entry is
	// retained for reconciliation instead of being retried by the source
	OutcomeFailed EventOutcome = "failed"
)

// EventRecord is one entry in the event ledger, keyed by the provider's
// globally unique event id.
type EventRecord struct {
	// EventID is the provider-assigned event identifier (dedup key)
	EventID string

	// EventType is the provider's event type string
	EventType string

	// SubscriptionRef links the entry to a provider subscription, when known.
	// Used to scope reconciliation passes.
	SubscriptionRef string

	// Outcome is the current processing outcome
	Outcome EventOutcome

	// Reason explains ignored/failed outcomes
	Reason string

	// Payload is the encoded transition, retained so failed entries can be
	// replayed by reconciliation
	Payload []byte

	// OccurredAt is the event's own generation timestamp at the provider
	OccurredAt time.Time

	// ReceivedAt is when this process first saw the event
	ReceivedAt time.Time
}
