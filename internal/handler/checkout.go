// This file implements the public checkout endpoint.
//
// Route:
//   - POST /subscription/create-payment-intent -> HandleCreatePaymentIntent
//
// The route is PUBLIC: customers have no accounts, so the only identity is
// the contact details submitted with the cart.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/service"
)

// CheckoutHandler handles payment intent creation for the storefront.
type CheckoutHandler struct {
	checkout service.CheckoutService
	logger   *slog.Logger
}

// NewCheckoutHandler creates a new CheckoutHandler.
func NewCheckoutHandler(checkout service.CheckoutService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		logger:   logger,
	}
}

// RegisterRoutes registers checkout routes on the provided mux.
func (h *CheckoutHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /subscription/create-payment-intent", h.HandleCreatePaymentIntent)
}

// createPaymentIntentRequest is the checkout request body.
type createPaymentIntentRequest struct {
	Plans      []domain.PlanLine       `json:"plans"`
	Customer   domain.CustomerSnapshot `json:"customer"`
	TotalPrice float64                 `json:"totalPrice"`
}

// createPaymentIntentResponse is the payload the payment form needs to
// confirm the payment client-side.
type createPaymentIntentResponse struct {
	ClientSecret    string  `json:"clientSecret"`
	PaymentIntentID string  `json:"paymentIntentId"`
	SubscriptionID  string  `json:"subscriptionId,omitempty"`
	PlanType        string  `json:"planType"`
	Amount          float64 `json:"amount"`
}

// HandleCreatePaymentIntent classifies the submitted cart and returns a
// confirmable payment intent.
func (h *CheckoutHandler) HandleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req createPaymentIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("checkout.decode", "Request body is not valid JSON"))
		return
	}

	result, err := h.checkout.CreatePaymentIntent(r.Context(), service.CreatePaymentIntentParams{
		Plans:       req.Plans,
		Customer:    req.Customer,
		ClientTotal: req.TotalPrice,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, createPaymentIntentResponse{
		ClientSecret:    result.ClientSecret,
		PaymentIntentID: result.PaymentIntentID,
		SubscriptionID:  result.StripeSubscriptionID,
		PlanType:        string(result.PlanType),
		Amount:          result.Amount,
	})
}
