package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coachforge/subsync/pkg/billing"
	"github.com/coachforge/subsync/pkg/subsync"
)

const maxRequestBody = 64 * 1024

// CreateCheckoutSession handles POST requests opening a hosted checkout
// session. The acting user comes from the credential when present, otherwise
// from the profile_id fallback; 400 when neither is supplied, 404 when the
// profile does not resolve. Never writes the subscription store.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CheckoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tier == "" || req.SuccessURL == "" || req.CancelURL == "" {
		h.writeError(w, http.StatusBadRequest, "tier, success_url and cancel_url are required")
		return
	}

	actor, err := h.resolveActor(r, req.ProfileID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAuthenticationMissing):
			h.writeError(w, http.StatusBadRequest, "credential or profile_id required")
		case errors.Is(err, ErrProfileNotFound):
			h.writeError(w, http.StatusNotFound, "profile not found")
		default:
			h.logger.Error("actor resolution failed",
				subsync.Field{Key: "error", Value: err.Error()})
			h.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), billing.CheckoutIntent{
		UserID:     actor.UserID,
		Tier:       req.Tier,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		if errors.Is(err, billing.ErrTierNotConfigured) {
			h.writeError(w, http.StatusBadRequest, "unknown tier")
			return
		}
		h.logger.Error("checkout session creation failed",
			subsync.Field{Key: "user_id", Value: actor.UserID},
			subsync.Field{Key: "tier", Value: req.Tier},
			subsync.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusBadGateway, "billing provider unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// GetSubscriptionStatus handles GET requests for the caller's subscription
// projection. Returns an explicit null when no subscription exists.
func (h *Handler) GetSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := h.requireUser(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	sub, err := h.config.Manager.GetSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			h.writeJSON(w, http.StatusOK, StatusResponse{Subscription: nil})
			return
		}
		h.logger.Error("subscription lookup failed",
			subsync.Field{Key: "user_id", Value: userID},
			subsync.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		Subscription: &SubscriptionView{
			Tier:             sub.Tier,
			Status:           string(sub.Status),
			CurrentPeriodEnd: sub.CurrentPeriodEnd,
		},
	})
}

// CreatePortalSession handles POST requests opening a hosted self-service
// management session. Requires an existing subscription with a customer
// reference; 404 otherwise.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, err := h.requireUser(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req PortalRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		h.writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	sub, err := h.config.Manager.GetSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			h.writeError(w, http.StatusNotFound, "no subscription")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sub.CustomerRef == "" {
		h.writeError(w, http.StatusNotFound, "no billing customer")
		return
	}

	url, err := h.config.Billing.PortalURL(r.Context(), sub.CustomerRef, req.ReturnURL)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			h.writeError(w, http.StatusNotFound, "no billing customer")
			return
		}
		h.logger.Error("portal session creation failed",
			subsync.Field{Key: "user_id", Value: userID},
			subsync.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusBadGateway, "billing provider unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("response encoding failed",
			subsync.Field{Key: "error", Value: err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}
