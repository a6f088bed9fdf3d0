package api

import "errors"

var (
	// ErrAuthenticationMissing is returned when a request carries neither a
	// credential nor a profile id fallback
	ErrAuthenticationMissing = errors.New("no credential and no profile id")

	// ErrProfileNotFound is returned when a profile id does not resolve to an
	// owning user. Config.ResolveProfileOwner implementations must return it.
	ErrProfileNotFound = errors.New("profile not found")
)
