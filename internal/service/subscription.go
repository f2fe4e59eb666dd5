package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/castellan-sec/castellan/internal/billing"
	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/repository"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SubscriptionService is the admin-facing query and mutation surface over
// the subscription records the reconciler creates.
type SubscriptionService interface {
	// GetByID retrieves a subscription by ID.
	// Returns domain.ENOTFOUND if no such record exists.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	// List retrieves a filtered, paginated page of subscriptions plus the
	// unpaged total.
	List(ctx context.Context, filter domain.ListSubscriptionsFilter) (*domain.ListSubscriptionsResult, error)

	// Update applies an admin edit to a record's status and metadata.
	// Returns domain.ENOTFOUND if no such record exists.
	// Returns domain.EINVALID for an unknown status.
	Update(ctx context.Context, params UpdateSubscriptionParams) (*domain.Subscription, error)

	// Cancel marks a record cancelled and, for ongoing records, asks the
	// processor to stop billing at period end.
	// Returns domain.ENOTFOUND if no such record exists.
	// Returns domain.ECONFLICT if the record is already cancelled.
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	// Delete removes a record permanently.
	// Returns domain.ENOTFOUND if no such record exists.
	Delete(ctx context.Context, id uuid.UUID) error

	// DashboardStats aggregates the numbers behind the admin dashboard.
	DashboardStats(ctx context.Context) (*domain.DashboardStats, error)
}

// UpdateSubscriptionParams carries an admin edit. Nil fields are left
// unchanged.
type UpdateSubscriptionParams struct {
	ID       uuid.UUID
	Status   *domain.SubscriptionStatus
	Metadata json.RawMessage
}

// =============================================================================
// Implementation
// =============================================================================

const (
	defaultListLimit = 25
	maxListLimit     = 100
	recentLimit      = 5
)

// subscriptionService implements the SubscriptionService interface.
type subscriptionService struct {
	store   SubscriptionStore
	billing billing.Service
	logger  *slog.Logger
}

// NewSubscriptionService creates a new SubscriptionService.
func NewSubscriptionService(
	store SubscriptionStore,
	billingService billing.Service,
	logger *slog.Logger,
) SubscriptionService {
	return &subscriptionService{
		store:   store,
		billing: billingService,
		logger:  logger,
	}
}

func (s *subscriptionService) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.get"

	row, err := s.store.GetSubscriptionByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "subscription", id.String())
		}
		return nil, domain.Internal(err, op, "failed to load subscription")
	}
	sub, err := rowToSubscription(row)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to decode subscription")
	}
	return sub, nil
}

func (s *subscriptionService) List(ctx context.Context, filter domain.ListSubscriptionsFilter) (*domain.ListSubscriptionsResult, error) {
	const op = "subscription.list"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}

	params := repository.ListSubscriptionsParams{
		Statuses:      statuses,
		PaymentStatus: string(filter.PaymentStatus),
		PlanType:      string(filter.PlanType),
		PlanTitle:     filter.PlanTitle,
		EmailContains: filter.EmailContains,
		Search:        filter.Search,
		CreatedAfter:  repository.ToNullTime(filter.CreatedAfter),
		CreatedBefore: repository.ToNullTime(filter.CreatedBefore),
		SortBy:        filter.SortBy,
		SortDesc:      filter.SortDesc,
		Limit:         limit,
		Offset:        offset,
	}

	rows, err := s.store.ListSubscriptions(ctx, params)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list subscriptions")
	}
	total, err := s.store.CountSubscriptions(ctx, params)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to count subscriptions")
	}

	subs := make([]domain.Subscription, 0, len(rows))
	for _, row := range rows {
		sub, convErr := rowToSubscription(row)
		if convErr != nil {
			return nil, domain.Internal(convErr, op, "failed to decode subscription")
		}
		subs = append(subs, *sub)
	}

	return &domain.ListSubscriptionsResult{
		Subscriptions: subs,
		Total:         total,
		Limit:         limit,
		Offset:        offset,
	}, nil
}

func (s *subscriptionService) Update(ctx context.Context, params UpdateSubscriptionParams) (*domain.Subscription, error) {
	const op = "subscription.update"

	current, err := s.GetByID(ctx, params.ID)
	if err != nil {
		return nil, err
	}

	status := current.Status
	if params.Status != nil {
		switch *params.Status {
		case domain.SubscriptionStatusActive, domain.SubscriptionStatusInactive, domain.SubscriptionStatusCancelled:
			status = *params.Status
		default:
			return nil, domain.Invalid(op, "Unknown subscription status")
		}
	}

	metadata := pqtype.NullRawMessage{RawMessage: current.Metadata, Valid: len(current.Metadata) > 0}
	if params.Metadata != nil {
		if !json.Valid(params.Metadata) {
			return nil, domain.Invalid(op, "Metadata must be valid JSON")
		}
		metadata = pqtype.NullRawMessage{RawMessage: params.Metadata, Valid: true}
	}

	row, err := s.store.UpdateSubscriptionAdmin(ctx, repository.UpdateSubscriptionAdminParams{
		ID:       params.ID,
		Status:   string(status),
		Metadata: metadata,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "subscription", params.ID.String())
		}
		return nil, domain.Internal(err, op, "failed to update subscription")
	}

	sub, err := rowToSubscription(row)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to decode subscription")
	}

	s.logger.Info("subscription updated", "subscription_id", sub.ID, "status", sub.Status)
	return sub, nil
}

func (s *subscriptionService) Cancel(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.cancel"

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.SubscriptionStatusCancelled {
		return nil, domain.Conflict(op, "Subscription is already cancelled")
	}

	// Stop the processor from billing again before touching the local
	// record; if Stripe refuses, the record stays active and the admin can
	// retry.
	if current.PlanType == domain.PlanTypeOngoing && current.StripeSubscriptionID != "" {
		if err := s.billing.CancelSubscription(current.StripeSubscriptionID); err != nil {
			return nil, domain.Payment(err, op, "Payment processor refused the cancellation")
		}
	}

	row, err := s.store.CancelSubscription(ctx, repository.CancelSubscriptionParams{
		ID:          id,
		CancelledAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "subscription", id.String())
		}
		return nil, domain.Internal(err, op, "failed to cancel subscription")
	}

	sub, err := rowToSubscription(row)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to decode subscription")
	}

	s.logger.Info("subscription cancelled",
		"subscription_id", sub.ID,
		"stripe_subscription_id", sub.StripeSubscriptionID,
	)
	return sub, nil
}

func (s *subscriptionService) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "subscription.delete"

	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound(op, "subscription", id.String())
		}
		return domain.Internal(err, op, "failed to delete subscription")
	}

	s.logger.Info("subscription deleted", "subscription_id", id)
	return nil
}

func (s *subscriptionService) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	const op = "subscription.dashboard"

	statsRow, err := s.store.GetSubscriptionStats(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to aggregate stats")
	}

	distRows, err := s.store.GetPlanDistribution(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to aggregate plan distribution")
	}
	distribution := make(map[string]int64, len(distRows))
	for _, d := range distRows {
		distribution[d.Title] = d.Count
	}

	recentRows, err := s.store.ListRecentSubscriptions(ctx, recentLimit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load recent subscriptions")
	}
	recent := make([]domain.Subscription, 0, len(recentRows))
	for _, row := range recentRows {
		sub, convErr := rowToSubscription(row)
		if convErr != nil {
			return nil, domain.Internal(convErr, op, "failed to decode subscription")
		}
		recent = append(recent, *sub)
	}

	return &domain.DashboardStats{
		TotalSubscriptions:   statsRow.TotalSubscriptions,
		ActiveSubscriptions:  statsRow.ActiveSubscriptions,
		OngoingSubscriptions: statsRow.OngoingSubscriptions,
		OneTimePurchases:     statsRow.OneTimePurchases,
		TotalRevenue:         statsRow.TotalRevenue,
		RevenueThisMonth:     statsRow.RevenueThisMonth,
		RevenueLastMonth:     statsRow.RevenueLastMonth,
		GrowthPercent:        growthPercent(statsRow.RevenueThisMonth, statsRow.RevenueLastMonth),
		PlanDistribution:     distribution,
		RecentSubscriptions:  recent,
	}, nil
}

// growthPercent computes month-over-month revenue growth. A zero previous
// month yields 100% when there is any current revenue, 0% otherwise.
func growthPercent(current, previous float64) float64 {
	if previous == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return (current - previous) / previous * 100
}
