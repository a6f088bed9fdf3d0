package api

import "time"

// CheckoutRequest is the body of POST /subscription/checkout.
type CheckoutRequest struct {
	Tier       string `json:"tier"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
	ProfileID  string `json:"profile_id,omitempty"`
}

// PortalRequest is the body of POST /subscription/portal.
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// SessionResponse carries a hosted-session redirect URL.
type SessionResponse struct {
	URL string `json:"url"`
}

// SubscriptionView is the client-facing subscription projection.
type SubscriptionView struct {
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// StatusResponse wraps the projection; Subscription is null when none exists.
type StatusResponse struct {
	Subscription *SubscriptionView `json:"subscription"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
