// Package service contains the business logic layer.
//
// Services orchestrate interactions between the repository, the payment
// processor, and domain logic. Collaborators are injected through
// constructors so each service is unit-testable without a live network or
// database.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/repository"
)

// SubscriptionStore is the persistence surface the services depend on.
// *repository.Queries is the production implementation; tests substitute
// an in-memory fake.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, arg repository.CreateSubscriptionParams) (repository.Subscription, error)
	GetSubscriptionByID(ctx context.Context, id uuid.UUID) (repository.Subscription, error)
	GetSubscriptionByPaymentKey(ctx context.Context, arg repository.GetSubscriptionByPaymentKeyParams) (repository.Subscription, error)
	GetSubscriptionBySubscriptionID(ctx context.Context, arg repository.GetSubscriptionBySubscriptionIDParams) (repository.Subscription, error)
	GetActiveOngoingSubscriptionByEmail(ctx context.Context, email string) (repository.Subscription, error)
	UpdateSubscriptionAdmin(ctx context.Context, arg repository.UpdateSubscriptionAdminParams) (repository.Subscription, error)
	UpdateSubscriptionNextBillingDate(ctx context.Context, arg repository.UpdateSubscriptionNextBillingDateParams) error
	CancelSubscription(ctx context.Context, arg repository.CancelSubscriptionParams) (repository.Subscription, error)
	MarkConfirmationEmailSent(ctx context.Context, id uuid.UUID) error
	MarkInvoiceEmailSent(ctx context.Context, id uuid.UUID) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	ListSubscriptions(ctx context.Context, arg repository.ListSubscriptionsParams) ([]repository.Subscription, error)
	CountSubscriptions(ctx context.Context, arg repository.ListSubscriptionsParams) (int64, error)
	GetSubscriptionStats(ctx context.Context) (repository.SubscriptionStatsRow, error)
	GetPlanDistribution(ctx context.Context) ([]repository.PlanDistributionRow, error)
	ListRecentSubscriptions(ctx context.Context, limit int32) ([]repository.Subscription, error)
}

// InquiryStore is the persistence surface for contact inquiries.
type InquiryStore interface {
	CreateContactInquiry(ctx context.Context, arg repository.CreateContactInquiryParams) (repository.ContactInquiry, error)
	GetContactInquiryByID(ctx context.Context, id uuid.UUID) (repository.ContactInquiry, error)
	ListContactInquiries(ctx context.Context, arg repository.ListContactInquiriesParams) ([]repository.ContactInquiry, error)
	CountContactInquiries(ctx context.Context, status string) (int64, error)
	UpdateContactInquiryStatus(ctx context.Context, arg repository.UpdateContactInquiryStatusParams) (repository.ContactInquiry, error)
}

var (
	_ SubscriptionStore = (*repository.Queries)(nil)
	_ InquiryStore      = (*repository.Queries)(nil)
)

// rowToSubscription converts a repository row to a domain Subscription.
func rowToSubscription(row repository.Subscription) (*domain.Subscription, error) {
	var plans []domain.PlanLine
	if err := json.Unmarshal(row.Plans, &plans); err != nil {
		return nil, fmt.Errorf("decode plan lines for subscription %s: %w", row.ID, err)
	}

	sub := &domain.Subscription{
		ID:         row.ID,
		Plans:      plans,
		TotalPrice: row.TotalPrice,
		Customer: domain.CustomerSnapshot{
			FirstName: row.CustomerFirstName,
			LastName:  row.CustomerLastName,
			Email:     row.CustomerEmail,
			Phone:     repository.NullStringValue(row.CustomerPhone),
			Company:   repository.NullStringValue(row.CustomerCompany),
		},
		PlanType:              domain.PlanType(row.PlanType),
		PaymentIntentID:       row.PaymentIntentID,
		StripeSubscriptionID:  repository.NullStringValue(row.StripeSubscriptionID),
		StripeCustomerID:      repository.NullStringValue(row.StripeCustomerID),
		PaymentStatus:         domain.PaymentStatus(row.PaymentStatus),
		Status:                domain.SubscriptionStatus(row.Status),
		NextBillingDate:       repository.NullTimeValue(row.NextBillingDate),
		AutoRenew:             row.AutoRenew,
		CancelledAt:           repository.NullTimeValue(row.CancelledAt),
		ConfirmationEmailSent: row.ConfirmationEmailSent,
		InvoiceEmailSent:      row.InvoiceEmailSent,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
	if row.Metadata.Valid {
		sub.Metadata = row.Metadata.RawMessage
	}
	return sub, nil
}

// rowToInquiry converts a repository row to a domain ContactInquiry.
func rowToInquiry(row repository.ContactInquiry) *domain.ContactInquiry {
	return &domain.ContactInquiry{
		ID:        row.ID,
		Name:      row.Name,
		Email:     row.Email,
		Company:   repository.NullStringValue(row.Company),
		Message:   row.Message,
		Status:    domain.InquiryStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
