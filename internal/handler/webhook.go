// This file implements the Stripe webhook endpoint.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no auth middleware) because Stripe calls it
// directly. Authentication is via the Stripe webhook signature.
package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/castellan-sec/castellan/internal/billing"
	"github.com/castellan-sec/castellan/internal/service"
)

// maxWebhookBody caps the webhook payload read. Stripe events fit well
// inside 1 MiB.
const maxWebhookBody = 1 << 20

// WebhookHandler verifies and hands off incoming Stripe events.
type WebhookHandler struct {
	billing    billing.Service
	reconciler service.ReconcilerService
	logger     *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(billingService billing.Service, reconciler service.ReconcilerService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing:    billingService,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are PUBLIC — no auth middleware.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook verifies the event signature and runs reconciliation.
//
// Response contract: 400 for an unverifiable signature (Stripe will not
// retry), 500 when the reconciliation write failed (Stripe retries the
// delivery), 200 for everything else including duplicates and event types
// we do not handle.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := h.billing.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	outcome, err := h.reconciler.HandleEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("webhook reconciliation failed, requesting redelivery",
			"type", event.Type, "id", event.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.logger.Info("stripe webhook handled", "type", event.Type, "id", event.ID, "outcome", outcome)
	w.WriteHeader(http.StatusOK)
}
