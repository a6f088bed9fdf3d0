// Package fiber provides Fiber middleware gating routes on an entitled
// subscription
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/coachforge/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotEntitled is called when the user has no entitling subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *fiber.Ctx, sub *subsync.Subscription) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires an entitled subscription
func Middleware(config Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := config.GetUserID(c)
		if userID == "" {
			if config.OnUnauthorized != nil {
				return config.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		sub, err := config.Manager.GetSubscription(c.UserContext(), userID)
		if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
			if config.OnError != nil {
				return config.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}

		if !entitled(sub, config.RequiredTiers) {
			if config.OnNotEntitled != nil {
				return config.OnNotEntitled(c, sub)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "subscription required"})
		}

		return c.Next()
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
