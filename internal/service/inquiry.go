package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/email"
	"github.com/castellan-sec/castellan/internal/metrics"
	"github.com/castellan-sec/castellan/internal/repository"
)

// =============================================================================
// Interface Definition
// =============================================================================

// InquiryService handles contact form submissions and their admin triage.
type InquiryService interface {
	// Create records a new inquiry and notifies the ops inbox.
	// Returns domain.EINVALID for incomplete submissions.
	Create(ctx context.Context, params CreateInquiryParams) (*domain.ContactInquiry, error)

	// List retrieves a page of inquiries, optionally filtered by status.
	List(ctx context.Context, status domain.InquiryStatus, limit, offset int32) ([]domain.ContactInquiry, int64, error)

	// UpdateStatus applies a triage status change.
	// Returns domain.ENOTFOUND if the inquiry does not exist.
	// Returns domain.EINVALID for an unknown status.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InquiryStatus) (*domain.ContactInquiry, error)
}

// CreateInquiryParams is a contact form submission after JSON decoding.
type CreateInquiryParams struct {
	Name    string `validate:"required,max=200"`
	Email   string `validate:"required,email,max=254"`
	Company string `validate:"omitempty,max=200"`
	Message string `validate:"required,max=5000"`
}

// =============================================================================
// Implementation
// =============================================================================

// inquiryService implements the InquiryService interface.
type inquiryService struct {
	store    InquiryStore
	email    email.Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewInquiryService creates a new InquiryService.
func NewInquiryService(
	store InquiryStore,
	emailService email.Service,
	logger *slog.Logger,
) InquiryService {
	return &inquiryService{
		store:    store,
		email:    emailService,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func (s *inquiryService) Create(ctx context.Context, params CreateInquiryParams) (*domain.ContactInquiry, error) {
	const op = "inquiry.create"

	if err := s.validate.Struct(params); err != nil {
		return nil, domain.Invalid(op, "Name, email and message are required")
	}

	row, err := s.store.CreateContactInquiry(ctx, repository.CreateContactInquiryParams{
		Name:    params.Name,
		Email:   params.Email,
		Company: repository.ToNullString(params.Company),
		Message: params.Message,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to record inquiry")
	}

	inquiry := rowToInquiry(row)
	s.logger.Info("contact inquiry received", "inquiry_id", inquiry.ID, "email", inquiry.Email)

	// Notification is best-effort; the inquiry is already persisted.
	if err := s.email.SendInquiryNotification(ctx, inquiry); err != nil {
		metrics.EmailsSentTotal.WithLabelValues("inquiry", "failed").Inc()
		s.logger.Error("inquiry notification failed", "inquiry_id", inquiry.ID, "error", err)
	} else {
		metrics.EmailsSentTotal.WithLabelValues("inquiry", "sent").Inc()
	}

	return inquiry, nil
}

func (s *inquiryService) List(ctx context.Context, status domain.InquiryStatus, limit, offset int32) ([]domain.ContactInquiry, int64, error) {
	const op = "inquiry.list"

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.store.ListContactInquiries(ctx, repository.ListContactInquiriesParams{
		Status: string(status),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, 0, domain.Internal(err, op, "failed to list inquiries")
	}
	total, err := s.store.CountContactInquiries(ctx, string(status))
	if err != nil {
		return nil, 0, domain.Internal(err, op, "failed to count inquiries")
	}

	inquiries := make([]domain.ContactInquiry, 0, len(rows))
	for _, row := range rows {
		inquiries = append(inquiries, *rowToInquiry(row))
	}
	return inquiries, total, nil
}

func (s *inquiryService) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InquiryStatus) (*domain.ContactInquiry, error) {
	const op = "inquiry.update_status"

	switch status {
	case domain.InquiryStatusNew, domain.InquiryStatusResponded, domain.InquiryStatusArchived:
	default:
		return nil, domain.Invalid(op, "Unknown inquiry status")
	}

	row, err := s.store.UpdateContactInquiryStatus(ctx, repository.UpdateContactInquiryStatusParams{
		ID:     id,
		Status: string(status),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "inquiry", id.String())
		}
		return nil, domain.Internal(err, op, "failed to update inquiry")
	}

	return rowToInquiry(row), nil
}
