package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/castellan-sec/castellan/internal/billing"
	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/metrics"
)

// =============================================================================
// Interface Definition
// =============================================================================

// CheckoutService turns a requested cart into a payment the client can
// confirm. Nothing is persisted here: the subscription record is created
// later by the webhook reconciler, once the processor confirms payment.
type CheckoutService interface {
	// CreatePaymentIntent classifies the cart and creates either a direct
	// payment intent (one-time bundle) or an incomplete-payment subscription
	// (ongoing plan) at the processor.
	// Returns domain.EINVALID for unclassifiable carts or bad customer data.
	// Returns domain.ECONFLICT if the customer already holds an active
	// ongoing subscription.
	// Returns domain.EPAYMENT when the processor rejects the request.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntentResult, error)
}

// CreatePaymentIntentParams is the checkout request after JSON decoding.
type CreatePaymentIntentParams struct {
	Plans    []domain.PlanLine
	Customer domain.CustomerSnapshot

	// ClientTotal is the total the client displayed. It is never charged;
	// the server recomputes the amount and only logs a mismatch.
	ClientTotal float64
}

// PaymentIntentResult carries everything the client needs to confirm the
// payment, plus the processor ids for observability.
type PaymentIntentResult struct {
	PlanType             domain.PlanType
	ClientSecret         string
	Amount               float64
	AmountCents          int64
	PaymentIntentID      string
	StripeSubscriptionID string // ongoing only
	StripeCustomerID     string // ongoing only
}

// =============================================================================
// Implementation
// =============================================================================

// checkoutCustomer mirrors the customer snapshot with validation tags.
type checkoutCustomer struct {
	FirstName string `validate:"required,max=100"`
	LastName  string `validate:"required,max=100"`
	Email     string `validate:"required,email,max=254"`
	Phone     string `validate:"omitempty,max=40"`
	Company   string `validate:"omitempty,max=200"`
}

// checkoutService implements the CheckoutService interface.
type checkoutService struct {
	store    SubscriptionStore
	billing  billing.Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCheckoutService creates a new CheckoutService.
func NewCheckoutService(
	store SubscriptionStore,
	billingService billing.Service,
	logger *slog.Logger,
) CheckoutService {
	return &checkoutService{
		store:    store,
		billing:  billingService,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func (s *checkoutService) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntentResult, error) {
	const op = "checkout.create_payment_intent"

	if err := s.validate.Struct(checkoutCustomer(params.Customer)); err != nil {
		return nil, domain.Invalid(op, "Customer details are incomplete or invalid")
	}

	classified := domain.Classify(params.Plans)
	if classified.Kind == domain.KindInvalid {
		return nil, domain.Invalid(op, classified.Reason)
	}

	total := domain.ComputeTotal(params.Plans)
	if total <= 0 {
		return nil, domain.Invalid(op, "Order total must be greater than zero")
	}
	if params.ClientTotal != 0 && math.Abs(params.ClientTotal-total) >= 0.01 {
		s.logger.Warn("client total disagrees with computed total",
			"client_total", params.ClientTotal,
			"computed_total", total,
			"email", params.Customer.Email,
		)
	}
	amountCents := int64(math.Round(total * 100))

	meta, err := s.buildMetadata(classified.Kind, params)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to encode payment metadata")
	}

	var result *PaymentIntentResult
	switch classified.Kind {
	case domain.KindOneTime:
		result, err = s.createOneTimeIntent(params, amountCents, meta)
	case domain.KindOngoing:
		result, err = s.createOngoingSubscription(ctx, params, amountCents, meta)
	default:
		return nil, domain.Invalid(op, "Plans do not match supported request types")
	}
	if err != nil {
		return nil, err
	}

	result.Amount = total
	result.AmountCents = amountCents
	metrics.PaymentIntentsCreated.WithLabelValues(string(result.PlanType)).Inc()

	s.logger.Info("payment intent created",
		"plan_type", result.PlanType,
		"amount_cents", amountCents,
		"payment_intent_id", result.PaymentIntentID,
		"subscription_id", result.StripeSubscriptionID,
	)
	return result, nil
}

// buildMetadata encodes the plan lines and customer snapshot onto the
// processor object. The webhook reconciler reads this back: it is the only
// state that survives the round trip, since nothing is persisted locally
// until payment confirms.
func (s *checkoutService) buildMetadata(kind domain.RequestKind, params CreatePaymentIntentParams) (map[string]string, error) {
	plansJSON, err := json.Marshal(params.Plans)
	if err != nil {
		return nil, err
	}
	customerJSON, err := json.Marshal(params.Customer)
	if err != nil {
		return nil, err
	}

	planType := domain.PlanTypeOneTime
	if kind == domain.KindOngoing {
		planType = domain.PlanTypeOngoing
	}
	return map[string]string{
		billing.MetadataPlanType: string(planType),
		billing.MetadataPlans:    string(plansJSON),
		billing.MetadataCustomer: string(customerJSON),
	}, nil
}

// createOneTimeIntent handles the direct-charge flow for 1-3 one-time plans.
func (s *checkoutService) createOneTimeIntent(params CreatePaymentIntentParams, amountCents int64, meta map[string]string) (*PaymentIntentResult, error) {
	const op = "checkout.one_time"

	pi, err := s.billing.CreatePaymentIntent(amountCents, params.Customer.Email, meta)
	if err != nil {
		return nil, domain.Payment(err, op, "Could not start the payment. Please try again.")
	}

	return &PaymentIntentResult{
		PlanType:        domain.PlanTypeOneTime,
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
	}, nil
}

// createOngoingSubscription handles the recurring flow: find-or-create the
// customer and monthly price, then create an incomplete subscription whose
// first invoice carries the payment intent the client confirms.
func (s *checkoutService) createOngoingSubscription(ctx context.Context, params CreatePaymentIntentParams, amountCents int64, meta map[string]string) (*PaymentIntentResult, error) {
	const op = "checkout.ongoing"

	// One active ongoing subscription per customer email. Reject before any
	// processor object is created so the customer is never charged twice.
	_, err := s.store.GetActiveOngoingSubscriptionByEmail(ctx, params.Customer.Email)
	if err == nil {
		return nil, domain.Conflict(op, "You already have an active vCISO On-Demand subscription")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Internal(err, op, "failed to check existing subscriptions")
	}

	customerID, err := s.billing.FindOrCreateCustomer(
		params.Customer.Email,
		params.Customer.DisplayName(),
		params.Customer.Phone,
	)
	if err != nil {
		return nil, domain.Payment(err, op, "Could not register the customer with the payment processor")
	}

	priceID, err := s.billing.FindOrCreateRecurringPrice(domain.RecurringPlanTitle, amountCents)
	if err != nil {
		return nil, domain.Payment(err, op, "Could not prepare the subscription price")
	}

	sub, err := s.billing.CreateSubscription(customerID, priceID, meta)
	if err != nil {
		return nil, domain.Payment(err, op, "Could not start the subscription. Please try again.")
	}

	if sub.LatestInvoice == nil || sub.LatestInvoice.PaymentIntent == nil {
		return nil, domain.Payment(nil, op, "Subscription was created without a confirmable payment")
	}

	return &PaymentIntentResult{
		PlanType:             domain.PlanTypeOngoing,
		ClientSecret:         sub.LatestInvoice.PaymentIntent.ClientSecret,
		PaymentIntentID:      sub.LatestInvoice.PaymentIntent.ID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     customerID,
	}, nil
}
