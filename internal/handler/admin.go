// This file implements the admin API.
//
// Routes (all behind admin basic auth):
//   - GET    /admin/dashboard                     -> HandleDashboard
//   - GET    /admin/subscriptions                 -> HandleListSubscriptions
//   - GET    /admin/subscriptions/{id}            -> HandleGetSubscription
//   - PATCH  /admin/subscriptions/{id}            -> HandleUpdateSubscription
//   - POST   /admin/subscriptions/{id}/cancel     -> HandleCancelSubscription
//   - DELETE /admin/subscriptions/{id}            -> HandleDeleteSubscription
//   - GET    /admin/inquiries                     -> HandleListInquiries
//   - PATCH  /admin/inquiries/{id}                -> HandleUpdateInquiry
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/service"
)

// AdminHandler serves the admin query and mutation surface.
type AdminHandler struct {
	subscriptions service.SubscriptionService
	inquiries     service.InquiryService
	logger        *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	subscriptions service.SubscriptionService,
	inquiries service.InquiryService,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		subscriptions: subscriptions,
		inquiries:     inquiries,
		logger:        logger,
	}
}

// RegisterRoutes registers admin routes on the provided mux. The caller is
// responsible for wrapping the mux (or these paths) in auth middleware.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/dashboard", h.HandleDashboard)
	mux.HandleFunc("GET /admin/subscriptions", h.HandleListSubscriptions)
	mux.HandleFunc("GET /admin/subscriptions/{id}", h.HandleGetSubscription)
	mux.HandleFunc("PATCH /admin/subscriptions/{id}", h.HandleUpdateSubscription)
	mux.HandleFunc("POST /admin/subscriptions/{id}/cancel", h.HandleCancelSubscription)
	mux.HandleFunc("DELETE /admin/subscriptions/{id}", h.HandleDeleteSubscription)
	mux.HandleFunc("GET /admin/inquiries", h.HandleListInquiries)
	mux.HandleFunc("PATCH /admin/inquiries/{id}", h.HandleUpdateInquiry)
}

// =============================================================================
// Response shapes
// =============================================================================

// subscriptionResponse is the JSON shape of a subscription record.
type subscriptionResponse struct {
	ID                    uuid.UUID               `json:"id"`
	Plans                 []domain.PlanLine       `json:"plans"`
	TotalPrice            float64                 `json:"totalPrice"`
	Customer              domain.CustomerSnapshot `json:"customer"`
	PlanType              string                  `json:"planType"`
	PaymentIntentID       string                  `json:"paymentIntentId"`
	StripeSubscriptionID  string                  `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID      string                  `json:"stripeCustomerId,omitempty"`
	PaymentStatus         string                  `json:"paymentStatus"`
	Status                string                  `json:"status"`
	NextBillingDate       *time.Time              `json:"nextBillingDate,omitempty"`
	AutoRenew             bool                    `json:"autoRenew"`
	CancelledAt           *time.Time              `json:"cancelledAt,omitempty"`
	ConfirmationEmailSent bool                    `json:"confirmationEmailSent"`
	InvoiceEmailSent      bool                    `json:"invoiceEmailSent"`
	Metadata              json.RawMessage         `json:"metadata,omitempty"`
	PlanCount             int                     `json:"planCount"`
	TotalEmployees        int                     `json:"totalEmployees"`
	CreatedAt             time.Time               `json:"createdAt"`
	UpdatedAt             time.Time               `json:"updatedAt"`
}

func toSubscriptionResponse(sub *domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                    sub.ID,
		Plans:                 sub.Plans,
		TotalPrice:            sub.TotalPrice,
		Customer:              sub.Customer,
		PlanType:              string(sub.PlanType),
		PaymentIntentID:       sub.PaymentIntentID,
		StripeSubscriptionID:  sub.StripeSubscriptionID,
		StripeCustomerID:      sub.StripeCustomerID,
		PaymentStatus:         string(sub.PaymentStatus),
		Status:                string(sub.Status),
		NextBillingDate:       sub.NextBillingDate,
		AutoRenew:             sub.AutoRenew,
		CancelledAt:           sub.CancelledAt,
		ConfirmationEmailSent: sub.ConfirmationEmailSent,
		InvoiceEmailSent:      sub.InvoiceEmailSent,
		Metadata:              sub.Metadata,
		PlanCount:             sub.PlanCount(),
		TotalEmployees:        sub.TotalEmployees(),
		CreatedAt:             sub.CreatedAt,
		UpdatedAt:             sub.UpdatedAt,
	}
}

func toSubscriptionResponses(subs []domain.Subscription) []subscriptionResponse {
	out := make([]subscriptionResponse, 0, len(subs))
	for i := range subs {
		out = append(out, toSubscriptionResponse(&subs[i]))
	}
	return out
}

// inquiryResponse is the JSON shape of a contact inquiry.
type inquiryResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   string    `json:"company,omitempty"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toInquiryResponse(inq *domain.ContactInquiry) inquiryResponse {
	return inquiryResponse{
		ID:        inq.ID,
		Name:      inq.Name,
		Email:     inq.Email,
		Company:   inq.Company,
		Message:   inq.Message,
		Status:    string(inq.Status),
		CreatedAt: inq.CreatedAt,
		UpdatedAt: inq.UpdatedAt,
	}
}

// =============================================================================
// Dashboard
// =============================================================================

// HandleDashboard returns the aggregate stats backing the admin dashboard.
func (h *AdminHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.subscriptions.DashboardStats(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"totalSubscriptions":   stats.TotalSubscriptions,
		"activeSubscriptions":  stats.ActiveSubscriptions,
		"ongoingSubscriptions": stats.OngoingSubscriptions,
		"oneTimePurchases":     stats.OneTimePurchases,
		"totalRevenue":         stats.TotalRevenue,
		"revenueThisMonth":     stats.RevenueThisMonth,
		"revenueLastMonth":     stats.RevenueLastMonth,
		"growthPercent":        stats.GrowthPercent,
		"planDistribution":     stats.PlanDistribution,
		"recentSubscriptions":  toSubscriptionResponses(stats.RecentSubscriptions),
	})
}

// =============================================================================
// Subscriptions
// =============================================================================

// HandleListSubscriptions returns a filtered, paginated subscription list.
func (h *AdminHandler) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.subscriptions.List(r.Context(), filter)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"subscriptions": toSubscriptionResponses(result.Subscriptions),
		"total":         result.Total,
		"limit":         result.Limit,
		"offset":        result.Offset,
	})
}

// parseListFilter reads the list endpoint's query parameters.
func parseListFilter(r *http.Request) (domain.ListSubscriptionsFilter, error) {
	const op = "admin.list_subscriptions"
	q := r.URL.Query()

	var filter domain.ListSubscriptionsFilter

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, domain.SubscriptionStatus(strings.TrimSpace(s)))
		}
	}
	filter.PaymentStatus = domain.PaymentStatus(q.Get("paymentStatus"))
	filter.PlanType = domain.PlanType(q.Get("planType"))
	filter.PlanTitle = q.Get("planTitle")
	filter.EmailContains = q.Get("email")
	filter.Search = q.Get("search")
	filter.SortBy = q.Get("sortBy")
	filter.SortDesc = q.Get("sortDir") != "asc" // newest first by default

	for name, dst := range map[string]**time.Time{"from": &filter.CreatedAfter, "to": &filter.CreatedBefore} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filter, domain.Invalid(op, "Invalid "+name+" date; expected RFC 3339")
			}
			*dst = &t
		}
	}

	filter.Limit = parseInt32(q.Get("limit"), 0)
	filter.Offset = parseInt32(q.Get("offset"), 0)
	return filter, nil
}

func parseInt32(raw string, fallback int32) int32 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}

// HandleGetSubscription returns one subscription by id.
func (h *AdminHandler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "admin.get_subscription")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	sub, err := h.subscriptions.GetByID(r.Context(), id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, toSubscriptionResponse(sub))
}

// updateSubscriptionRequest is the admin edit body. Absent fields are left
// unchanged.
type updateSubscriptionRequest struct {
	Status   *string         `json:"status"`
	Metadata json.RawMessage `json:"metadata"`
}

// HandleUpdateSubscription applies an admin edit to status and metadata.
func (h *AdminHandler) HandleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "admin.update_subscription")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req updateSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("admin.update_subscription", "Request body is not valid JSON"))
		return
	}

	params := service.UpdateSubscriptionParams{ID: id, Metadata: req.Metadata}
	if req.Status != nil {
		status := domain.SubscriptionStatus(*req.Status)
		params.Status = &status
	}

	sub, err := h.subscriptions.Update(r.Context(), params)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, toSubscriptionResponse(sub))
}

// HandleCancelSubscription cancels a subscription, stopping processor
// billing for ongoing plans.
func (h *AdminHandler) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "admin.cancel_subscription")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	sub, err := h.subscriptions.Cancel(r.Context(), id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, toSubscriptionResponse(sub))
}

// HandleDeleteSubscription permanently removes a record.
func (h *AdminHandler) HandleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "admin.delete_subscription")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if err := h.subscriptions.Delete(r.Context(), id); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"id": id.String()})
}

// =============================================================================
// Inquiries
// =============================================================================

// HandleListInquiries returns a page of contact inquiries.
func (h *AdminHandler) HandleListInquiries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.InquiryStatus(q.Get("status"))
	limit := parseInt32(q.Get("limit"), 0)
	offset := parseInt32(q.Get("offset"), 0)

	inquiries, total, err := h.inquiries.List(r.Context(), status, limit, offset)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	out := make([]inquiryResponse, 0, len(inquiries))
	for i := range inquiries {
		out = append(out, toInquiryResponse(&inquiries[i]))
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"inquiries": out,
		"total":     total,
	})
}

// updateInquiryRequest is the inquiry triage body.
type updateInquiryRequest struct {
	Status string `json:"status"`
}

// HandleUpdateInquiry applies a triage status change to an inquiry.
func (h *AdminHandler) HandleUpdateInquiry(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "admin.update_inquiry")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req updateInquiryRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("admin.update_inquiry", "Request body is not valid JSON"))
		return
	}

	inquiry, err := h.inquiries.UpdateStatus(r.Context(), id, domain.InquiryStatus(req.Status))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, toInquiryResponse(inquiry))
}

// pathUUID parses the {id} path value as a UUID.
func pathUUID(r *http.Request, op string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, domain.Invalid(op, "Invalid id; expected a UUID")
	}
	return id, nil
}
