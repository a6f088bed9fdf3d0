// Package echo provides Echo middleware gating routes on an entitled
// subscription
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/coachforge/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnNotEntitled is called when the user has no entitling subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c echo.Context, sub *subsync.Subscription) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires an entitled subscription
func Middleware(config Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := config.GetUserID(c)
			if userID == "" {
				if config.OnUnauthorized != nil {
					return config.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			sub, err := config.Manager.GetSubscription(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
				if config.OnError != nil {
					return config.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}

			if !entitled(sub, config.RequiredTiers) {
				if config.OnNotEntitled != nil {
					return config.OnNotEntitled(c, sub)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "subscription required"})
			}

			return next(c)
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
