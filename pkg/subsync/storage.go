package subsync

import "context"

// Store is the persistence contract combining the subscription store and the
// event ledger. Implementations must be safe under arbitrary concurrent
// access from multiple process instances; contention is scoped to the single
// row or event id involved, never a global lock.
type Store interface {
	// GetSubscription returns the subscription row for a user, or
	// ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByRef returns the row holding the given external
	// subscription reference, or ErrSubscriptionNotFound. Implementations
	// must index this lookup.
	GetSubscriptionByRef(ctx context.Context, subscriptionRef string) (*Subscription, error)

	// UpsertSubscription writes next atomically, but only if next.LastEventAt
	// is strictly newer than the stored row's LastEventAt (or no row exists).
	// Returns ErrStaleTransition otherwise. This compare-and-set is the only
	// write path for tier and status.
	UpsertSubscription(ctx context.Context, next *Subscription) error

	// RecordEvent inserts a ledger entry for a first-seen event id. The insert
	// must be atomic per id: a concurrent insert for the same id returns
	// ErrEventAlreadyRecorded to exactly one of the callers, so no two callers
	// both believe they are the first processor.
	RecordEvent(ctx context.Context, rec *EventRecord) error

	// FinishEvent moves a ledger entry to a terminal outcome with an optional
	// reason. Returns ErrEventNotFound for unknown ids.
	FinishEvent(ctx context.Context, eventID string, outcome EventOutcome, reason string) error

	// ListFailedEvents returns failed ledger entries, oldest occurrence first,
	// optionally scoped to one subscription reference. Used by the
	// reconciliation pass that retries events which arrived before the row
	// they target existed.
	ListFailedEvents(ctx context.Context, subscriptionRef string, limit int) ([]*EventRecord, error)
}
