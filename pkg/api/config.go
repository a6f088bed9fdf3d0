// Package api provides the HTTP endpoints for subscription checkout, status
// and portal sessions. Handlers are framework-neutral net/http so they mount
// unchanged under chi, echo, gin, fiber or gorilla routers.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coachforge/subsync/pkg/billing"
	"github.com/coachforge/subsync/pkg/subsync"
)

// Config holds configuration for the subscription API handler.
type Config struct {
	// Manager is the subscription sync manager (required)
	Manager *subsync.Manager

	// Billing is the billing gateway for session creation (required)
	Billing billing.Provider

	// GetUserID extracts the authenticated user id from a request, returning
	// empty when the request carries no credential. Authentication itself is
	// an external collaborator.
	GetUserID func(*http.Request) string

	// ResolveProfileOwner maps a profile id to its owning user id, for
	// anonymous signups that checked in via a profile before registering.
	// Must return ErrProfileNotFound when the profile does not exist.
	ResolveProfileOwner func(ctx context.Context, profileID string) (string, error)

	// Logger is an optional structured logger (default: no-op)
	Logger subsync.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.Billing == nil {
		return fmt.Errorf("billing provider is required")
	}
	return nil
}

// Handler provides the subscription HTTP endpoints.
type Handler struct {
	config Config
	logger subsync.Logger
}

// NewHandler creates a new subscription API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	return &Handler{config: config, logger: logger}, nil
}

// Helper constructors for common GetUserID extraction patterns

// FromHeader returns a GetUserID function that reads a header set by an
// authenticating proxy.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that reads the request context
// under the given key.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
