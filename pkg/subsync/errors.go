package subsync

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription row exists for
	// the given user id or external subscription reference
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrStaleTransition is returned by the store when a write carries an event
	// timestamp older than the one already reflected in the row
	ErrStaleTransition = errors.New("transition older than stored state")

	// ErrEventAlreadyRecorded is returned by the ledger when an event id has
	// already been inserted; the second caller must not proceed
	ErrEventAlreadyRecorded = errors.New("event already recorded")

	// ErrEventNotFound is returned when finishing a ledger entry that was never recorded
	ErrEventNotFound = errors.New("event not found")

	// ErrUnknownTransition is returned when decoding a ledger payload with an
	// unrecognized transition kind
	ErrUnknownTransition = errors.New("unknown transition kind")

	// ErrInvalidSubscription is returned for writes missing a user id
	ErrInvalidSubscription = errors.New("invalid subscription")
)
