// Package http provides HTTP middleware gating routes on an entitled
// subscription
package http

import (
	"errors"
	"net/http"

	"github.com/coachforge/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription sync manager
	Manager *subsync.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// RequiredTiers restricts access to specific tiers. Empty means any
	// entitled subscription passes.
	RequiredTiers []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNotEntitled is called when the user has no entitling subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, sub *subsync.Subscription)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that requires an entitled
// subscription. Canceled rows are retained by the store, so the status check
// is what actually revokes access.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			sub, err := config.Manager.GetSubscription(r.Context(), userID)
			if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !entitled(sub, config.RequiredTiers) {
				if config.OnNotEntitled != nil {
					config.OnNotEntitled(w, r, sub)
				} else {
					http.Error(w, "Subscription required", http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that requires an entitled
// subscription (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func entitled(sub *subsync.Subscription, requiredTiers []string) bool {
	if sub == nil || !sub.Status.Entitled() {
		return false
	}
	if len(requiredTiers) == 0 {
		return true
	}
	for _, tier := range requiredTiers {
		if sub.Tier == tier {
			return true
		}
	}
	return false
}
