package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a verified webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrTierNotConfigured is returned when a tier has no configured price mapping
	ErrTierNotConfigured = errors.New("tier not configured in tier mapping")

	// ErrCustomerNotFound is returned when a customer cannot be found at the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrUserNotFound is returned when a user cannot be resolved at the provider
	ErrUserNotFound = errors.New("user not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)
