// Package gin provides Gin middleware gating routes on an entitled
// subscription
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/coachforge/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription sync manager
	Manager *subsync.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// RequiredTiers restricts access to specific tiers. Empty means any
	// entitled subscription passes.
	RequiredTiers []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnNotEntitled is called when the user has no entitling subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *gongin.Context, sub *subsync.Subscription)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires an entitled subscription
func Middleware(config Config) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		userID := config.GetUserID(c)
		if userID == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		sub, err := config.Manager.GetSubscription(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
			if config.OnError != nil {
				config.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
			}
			return
		}

		if !entitled(sub, config.RequiredTiers) {
			if config.OnNotEntitled != nil {
				config.OnNotEntitled(c, sub)
			} else {
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gongin.H{"error": "subscription required"})
			}
			return
		}

		c.Next()
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
