package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

const (
	defaultPaymentsLimit = 20
	maxUserIDLen         = 255
	maxRequestBodyBytes  = 64 * 1024
	subscriptionIDParam  = "id"
)

// Handler provides HTTP endpoints for subscription administration and
// end-user billing sessions
type Handler struct {
	config Config
}

// AdminRoutes returns the subscription administration routes. Callers
// mount them behind service-role authentication.
func (h *Handler) AdminRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/subscriptions/{id}", h.GetSubscription)
	r.Post("/subscriptions/{id}/sync", h.SyncSubscription)
	r.Post("/subscriptions/{id}/cancel", h.CancelSubscription)
	r.Post("/subscriptions/{id}/resume", h.ResumeSubscription)
	return r
}

// UserRoutes returns the routes acting on the authenticated user's own account
func (h *Handler) UserRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/account", h.GetAccount)
	r.Post("/checkout", h.CreateCheckout)
	r.Post("/portal", h.CreatePortal)
	return r
}

// GetSubscription returns a subscription record with its recent payments
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, subscriptionIDParam)

	sub, err := h.config.Store.GetSubscription(ctx, id)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), statusFor(err))
		return
	}

	payments, err := h.config.Store.ListPayments(ctx, id, h.config.PaymentsLimit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list payments: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, SubscriptionResponse{
		Subscription: subscriptionView(sub),
		Payments:     paymentViews(payments),
	})
}

// SyncSubscription reconciles one subscription from Stripe
func (h *Handler) SyncSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, subscriptionIDParam)

	sub, err := h.config.Provider.SyncSubscription(r.Context(), id)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to sync subscription: %w", err), statusFor(err))
		return
	}

	h.config.Logger.Info("subscription synced",
		billing.Field{Key: "subscription_id", Value: id},
		billing.Field{Key: "status", Value: sub.Status},
	)
	h.writeSubscription(w, r, sub)
}

// CancelSubscription cancels immediately, or at period end when the
// at_period_end query parameter is true
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, subscriptionIDParam)

	atPeriodEnd := false
	if raw := r.URL.Query().Get("at_period_end"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid at_period_end: %q", raw), http.StatusBadRequest)
			return
		}
		atPeriodEnd = v
	}

	sub, err := h.config.Provider.CancelSubscription(r.Context(), id, atPeriodEnd)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to cancel subscription: %w", err), statusFor(err))
		return
	}
	h.writeSubscription(w, r, sub)
}

// ResumeSubscription withdraws a pending end-of-period cancellation
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, subscriptionIDParam)

	sub, err := h.config.Provider.ResumeSubscription(r.Context(), id)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resume subscription: %w", err), statusFor(err))
		return
	}
	h.writeSubscription(w, r, sub)
}

// GetAccount returns the caller's plan, status and current subscription
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	profile, err := h.config.Store.GetProfile(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get profile: %w", err), statusFor(err))
		return
	}

	response := AccountResponse{
		UserID:            userID,
		Plan:              profile.PlanID,
		Status:            profile.SubscriptionStatus,
		TrialWillEnd:      profile.TrialWillEndNotified,
		HasBillingAccount: profile.StripeCustomerID != "",
		Payments:          []PaymentView{},
	}

	if profile.StripeSubscriptionID != "" {
		sub, err := h.config.Store.GetSubscription(ctx, profile.StripeSubscriptionID)
		switch {
		case err == nil:
			view := subscriptionView(sub)
			response.Subscription = &view
			payments, err := h.config.Store.ListPayments(ctx, sub.StripeSubscriptionID, h.config.PaymentsLimit)
			if err != nil {
				h.handleError(w, r, fmt.Errorf("failed to list payments: %w", err), http.StatusInternalServerError)
				return
			}
			response.Payments = paymentViews(payments)
		case !errors.Is(err, billing.ErrSubscriptionNotFound):
			h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
			return
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// CreateCheckout starts a hosted Stripe Checkout for the caller
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.Plan = strings.TrimSpace(req.Plan)
	if req.Plan == "" {
		h.handleError(w, r, fmt.Errorf("plan is required"), http.StatusBadRequest)
		return
	}
	if err := validateRedirectURL("success_url", req.SuccessURL); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := validateRedirectURL("cancel_url", req.CancelURL); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	checkoutURL, err := h.config.Provider.CheckoutURL(r.Context(), userID, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to create checkout: %w", err), statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, URLResponse{URL: checkoutURL})
}

// CreatePortal opens a billing portal session for the caller
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req PortalRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := validateRedirectURL("return_url", req.ReturnURL); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	portalURL, err := h.config.Provider.PortalURL(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to create portal session: %w", err), statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, URLResponse{URL: portalURL})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeSubscription(w http.ResponseWriter, r *http.Request, sub *billing.Subscription) {
	payments, err := h.config.Store.ListPayments(r.Context(), sub.StripeSubscriptionID, h.config.PaymentsLimit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list payments: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{
		Subscription: subscriptionView(sub),
		Payments:     paymentViews(payments),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to encode response", billing.Field{Key: "error", Value: err.Error()})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("billing api request failed",
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "status", Value: statusCode},
			billing.Field{Key: "error", Value: err.Error()},
		)
	}

	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	h.writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}

// statusFor maps billing errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrProfileNotFound),
		errors.Is(err, billing.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrPlanNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusConflict
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func validateRedirectURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}

func subscriptionView(sub *billing.Subscription) SubscriptionView {
	return SubscriptionView{
		ID:                   sub.ID,
		UserID:               sub.UserID,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		StripeCustomerID:     sub.StripeCustomerID,
		Status:               sub.Status,
		Plan:                 sub.Plan,
		PriceID:              sub.PriceID,
		CurrentPeriodStart:   optionalTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     optionalTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CanceledAt:           sub.CanceledAt,
		CreatedAt:            sub.CreatedAt,
		UpdatedAt:            sub.UpdatedAt,
	}
}

func paymentViews(payments []*billing.Payment) []PaymentView {
	views := make([]PaymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, PaymentView{
			StripeInvoiceID: p.StripeInvoiceID,
			Amount:          p.Amount,
			Currency:        p.Currency,
			Status:          string(p.Status),
			FailureReason:   p.FailureReason,
			PeriodStart:     optionalTime(p.PeriodStart),
			PeriodEnd:       optionalTime(p.PeriodEnd),
			CreatedAt:       p.CreatedAt,
			UpdatedAt:       p.UpdatedAt,
		})
	}
	return views
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
