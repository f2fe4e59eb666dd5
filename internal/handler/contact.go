// This file implements the public contact form endpoint.
//
// Route:
//   - POST /contact -> HandleCreateInquiry
package handler

import (
	"log/slog"
	"net/http"

	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/service"
)

// ContactHandler handles contact form submissions.
type ContactHandler struct {
	inquiries service.InquiryService
	logger    *slog.Logger
}

// NewContactHandler creates a new ContactHandler.
func NewContactHandler(inquiries service.InquiryService, logger *slog.Logger) *ContactHandler {
	return &ContactHandler{
		inquiries: inquiries,
		logger:    logger,
	}
}

// RegisterRoutes registers contact routes on the provided mux.
func (h *ContactHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /contact", h.HandleCreateInquiry)
}

// createInquiryRequest is the contact form body.
type createInquiryRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
	Message string `json:"message"`
}

// HandleCreateInquiry records a contact inquiry and notifies the ops inbox.
func (h *ContactHandler) HandleCreateInquiry(w http.ResponseWriter, r *http.Request) {
	var req createInquiryRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("contact.decode", "Request body is not valid JSON"))
		return
	}

	inquiry, err := h.inquiries.Create(r.Context(), service.CreateInquiryParams{
		Name:    req.Name,
		Email:   req.Email,
		Company: req.Company,
		Message: req.Message,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusCreated, toInquiryResponse(inquiry))
}
