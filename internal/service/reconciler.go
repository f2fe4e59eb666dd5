package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stripe/stripe-go/v79"

	"github.com/castellan-sec/castellan/internal/billing"
	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/email"
	"github.com/castellan-sec/castellan/internal/invoice"
	"github.com/castellan-sec/castellan/internal/metrics"
	"github.com/castellan-sec/castellan/internal/repository"
)

// emailTimeout bounds each side-effect email so a slow relay cannot hold a
// webhook delivery open past the processor's patience.
const emailTimeout = 30 * time.Second

// Webhook outcomes, used as metric labels and for handler logging.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

// InvoiceGenerator renders invoice documents for paid purchases.
type InvoiceGenerator interface {
	Generate(sub *domain.Subscription) (*invoice.Document, error)
}

var _ InvoiceGenerator = (*invoice.Generator)(nil)

// =============================================================================
// Interface Definition
// =============================================================================

// ReconcilerService converts verified processor events into durable
// subscription records. It is the ONLY writer of new subscription rows:
// checkout never persists anything, so an abandoned payment leaves no trace.
//
// Processing is idempotent. The unique (payment_intent_id, plan_type) index
// is the source of truth; a replayed event lands on the same key and is
// acknowledged without a second record or second email.
type ReconcilerService interface {
	// HandleEvent processes one verified webhook event and returns the
	// outcome label. A non-nil error means the reconciliation write failed
	// and the delivery should be retried by the processor; every other
	// problem (unknown event, malformed metadata, failed email) is logged
	// and acknowledged.
	HandleEvent(ctx context.Context, event stripe.Event) (string, error)
}

// =============================================================================
// Implementation
// =============================================================================

type reconcilerService struct {
	store    SubscriptionStore
	billing  billing.Service
	email    email.Service
	invoices InvoiceGenerator
	logger   *slog.Logger
}

// NewReconcilerService creates a new ReconcilerService.
func NewReconcilerService(
	store SubscriptionStore,
	billingService billing.Service,
	emailService email.Service,
	invoices InvoiceGenerator,
	logger *slog.Logger,
) ReconcilerService {
	return &reconcilerService{
		store:    store,
		billing:  billingService,
		email:    emailService,
		invoices: invoices,
		logger:   logger,
	}
}

func (s *reconcilerService) HandleEvent(ctx context.Context, event stripe.Event) (string, error) {
	outcome, err := s.dispatch(ctx, event)
	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), outcome).Inc()
	return outcome, err
}

// dispatch routes the event to its handler. The set of handled events is
// closed: anything else is acknowledged untouched so the processor does not
// retry events we will never act on.
func (s *reconcilerService) dispatch(ctx context.Context, event stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			s.logger.Error("unparseable payment_intent payload", "event_id", event.ID, "error", err)
			return OutcomeError, nil
		}
		// Subscription invoices raise this event too; their payment intents
		// carry no plan metadata and are handled via the invoice events.
		if pi.Metadata[billing.MetadataPlanType] != string(domain.PlanTypeOneTime) {
			return OutcomeIgnored, nil
		}
		return s.handleOneTimePayment(ctx, &pi)

	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			s.logger.Error("unparseable invoice payload", "event_id", event.ID, "error", err)
			return OutcomeError, nil
		}
		switch inv.BillingReason {
		case stripe.InvoiceBillingReasonSubscriptionCreate:
			return s.handleFirstInvoice(ctx, &inv)
		case stripe.InvoiceBillingReasonSubscriptionCycle:
			return s.handleRenewal(ctx, &inv)
		default:
			return OutcomeIgnored, nil
		}

	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypeInvoicePaymentFailed:
		s.handlePaymentFailed(event)
		return OutcomeProcessed, nil

	default:
		return OutcomeIgnored, nil
	}
}

// handleOneTimePayment records a paid one-time bundle. The plan lines and
// customer snapshot travel in the payment intent's metadata; this is the
// first moment anything about the purchase is persisted.
func (s *reconcilerService) handleOneTimePayment(ctx context.Context, pi *stripe.PaymentIntent) (string, error) {
	const op = "reconcile.one_time_payment"

	_, err := s.store.GetSubscriptionByPaymentKey(ctx, repository.GetSubscriptionByPaymentKeyParams{
		PaymentIntentID: pi.ID,
		PlanType:        string(domain.PlanTypeOneTime),
	})
	if err == nil {
		s.logger.Info("payment already reconciled", "payment_intent_id", pi.ID)
		return OutcomeDuplicate, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return OutcomeError, domain.Internal(err, op, "failed to check for existing record")
	}

	plans, customer, err := decodeIntentMetadata(pi.Metadata)
	if err != nil {
		// Retrying cannot fix missing metadata; acknowledge and alert via log.
		s.logger.Error("payment intent metadata unusable, purchase not recorded",
			"payment_intent_id", pi.ID, "error", err)
		return OutcomeError, nil
	}

	plansJSON, err := json.Marshal(plans)
	if err != nil {
		return OutcomeError, domain.Internal(err, op, "failed to encode plan lines")
	}

	var stripeCustomerID string
	if pi.Customer != nil {
		stripeCustomerID = pi.Customer.ID
	}

	row, err := s.store.CreateSubscription(ctx, repository.CreateSubscriptionParams{
		Plans:             plansJSON,
		TotalPrice:        domain.ComputeTotal(plans),
		CustomerFirstName: customer.FirstName,
		CustomerLastName:  customer.LastName,
		CustomerEmail:     customer.Email,
		CustomerPhone:     repository.ToNullString(customer.Phone),
		CustomerCompany:   repository.ToNullString(customer.Company),
		PlanType:          string(domain.PlanTypeOneTime),
		PaymentIntentID:   pi.ID,
		StripeCustomerID:  repository.ToNullString(stripeCustomerID),
		PaymentStatus:     string(domain.PaymentStatusSucceeded),
		Status:            string(domain.SubscriptionStatusActive),
		AutoRenew:         false,
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			// Concurrent delivery of the same event; the other write won.
			s.logger.Info("duplicate delivery raced creation", "payment_intent_id", pi.ID)
			return OutcomeDuplicate, nil
		}
		return OutcomeError, domain.Internal(err, op, "failed to record purchase")
	}

	metrics.PaymentsReconciled.WithLabelValues(string(domain.PlanTypeOneTime)).Inc()
	s.logger.Info("one-time purchase recorded",
		"subscription_id", row.ID,
		"payment_intent_id", pi.ID,
		"total", row.TotalPrice,
	)

	sub, convErr := rowToSubscription(row)
	if convErr != nil {
		s.logger.Error("recorded purchase could not be converted for emails", "error", convErr)
		return OutcomeProcessed, nil
	}

	if s.sendEmail(ctx, "confirmation", func(ctx context.Context) error {
		return s.email.SendConfirmation(ctx, sub, false)
	}) {
		s.markFlag("confirmation_email_sent", func() error {
			return s.store.MarkConfirmationEmailSent(ctx, sub.ID)
		})
	}
	s.sendInvoiceEmail(ctx, sub)

	return OutcomeProcessed, nil
}

// handleFirstInvoice records a newly paid recurring subscription. The plan
// context lives in the subscription's metadata, so the live subscription is
// fetched both for that and for the current period end.
func (s *reconcilerService) handleFirstInvoice(ctx context.Context, inv *stripe.Invoice) (string, error) {
	const op = "reconcile.subscription_create"

	if inv.Subscription == nil || inv.Subscription.ID == "" {
		s.logger.Warn("subscription_create invoice without subscription id", "invoice_id", inv.ID)
		return OutcomeIgnored, nil
	}
	subscriptionID := inv.Subscription.ID

	_, err := s.store.GetSubscriptionBySubscriptionID(ctx, repository.GetSubscriptionBySubscriptionIDParams{
		StripeSubscriptionID: subscriptionID,
		PlanType:             string(domain.PlanTypeOngoing),
	})
	if err == nil {
		s.logger.Info("subscription already reconciled", "stripe_subscription_id", subscriptionID)
		return OutcomeDuplicate, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return OutcomeError, domain.Internal(err, op, "failed to check for existing record")
	}

	live, err := s.billing.GetSubscription(subscriptionID)
	if err != nil {
		// Transient processor trouble; a retried delivery can succeed.
		return OutcomeError, domain.Internal(err, op, "failed to fetch live subscription")
	}

	plans, customer, err := decodeIntentMetadata(live.Metadata)
	if err != nil {
		s.logger.Error("subscription metadata unusable, subscription not recorded",
			"stripe_subscription_id", subscriptionID, "error", err)
		return OutcomeError, nil
	}

	var paymentIntentID string
	if inv.PaymentIntent != nil {
		paymentIntentID = inv.PaymentIntent.ID
	}
	if paymentIntentID == "" {
		s.logger.Error("paid first invoice carries no payment intent",
			"invoice_id", inv.ID, "stripe_subscription_id", subscriptionID)
		return OutcomeError, nil
	}

	plansJSON, err := json.Marshal(plans)
	if err != nil {
		return OutcomeError, domain.Internal(err, op, "failed to encode plan lines")
	}

	// The checkout conflict check can be raced by two near-simultaneous
	// payments. The payment already went through here, so the record is
	// written regardless; the customer just gets told about the overlap
	// instead of a welcome.
	var alreadyActive *domain.Subscription
	if prevRow, prevErr := s.store.GetActiveOngoingSubscriptionByEmail(ctx, customer.Email); prevErr == nil {
		if prev, convErr := rowToSubscription(prevRow); convErr == nil {
			alreadyActive = prev
		}
	}

	var stripeCustomerID string
	if live.Customer != nil {
		stripeCustomerID = live.Customer.ID
	}
	nextBilling := time.Unix(live.CurrentPeriodEnd, 0)

	row, err := s.store.CreateSubscription(ctx, repository.CreateSubscriptionParams{
		Plans:                plansJSON,
		TotalPrice:           domain.ComputeTotal(plans),
		CustomerFirstName:    customer.FirstName,
		CustomerLastName:     customer.LastName,
		CustomerEmail:        customer.Email,
		CustomerPhone:        repository.ToNullString(customer.Phone),
		CustomerCompany:      repository.ToNullString(customer.Company),
		PlanType:             string(domain.PlanTypeOngoing),
		PaymentIntentID:      paymentIntentID,
		StripeSubscriptionID: repository.ToNullString(subscriptionID),
		StripeCustomerID:     repository.ToNullString(stripeCustomerID),
		PaymentStatus:        string(domain.PaymentStatusSucceeded),
		Status:               string(domain.SubscriptionStatusActive),
		NextBillingDate:      sql.NullTime{Time: nextBilling, Valid: true},
		AutoRenew:            true,
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			s.logger.Info("duplicate delivery raced creation", "stripe_subscription_id", subscriptionID)
			return OutcomeDuplicate, nil
		}
		return OutcomeError, domain.Internal(err, op, "failed to record subscription")
	}

	metrics.PaymentsReconciled.WithLabelValues(string(domain.PlanTypeOngoing)).Inc()
	s.logger.Info("recurring subscription recorded",
		"subscription_id", row.ID,
		"stripe_subscription_id", subscriptionID,
		"next_billing_date", nextBilling,
	)

	sub, convErr := rowToSubscription(row)
	if convErr != nil {
		s.logger.Error("recorded subscription could not be converted for emails", "error", convErr)
		return OutcomeProcessed, nil
	}

	if alreadyActive != nil {
		if s.sendEmail(ctx, "already_subscribed", func(ctx context.Context) error {
			return s.email.SendAlreadySubscribed(ctx, customer, alreadyActive)
		}) {
			s.markFlag("confirmation_email_sent", func() error {
				return s.store.MarkConfirmationEmailSent(ctx, sub.ID)
			})
		}
	} else if s.sendEmail(ctx, "welcome", func(ctx context.Context) error {
		return s.email.SendWelcome(ctx, sub)
	}) {
		s.markFlag("confirmation_email_sent", func() error {
			return s.store.MarkConfirmationEmailSent(ctx, sub.ID)
		})
	}
	s.sendInvoiceEmail(ctx, sub)

	return OutcomeProcessed, nil
}

// handleRenewal advances the billing period on an existing recurring record.
// An unknown subscription id is tolerated: renewal events can arrive for
// subscriptions created before this system, or out of order with creation.
func (s *reconcilerService) handleRenewal(ctx context.Context, inv *stripe.Invoice) (string, error) {
	const op = "reconcile.subscription_cycle"

	if inv.Subscription == nil || inv.Subscription.ID == "" {
		s.logger.Warn("subscription_cycle invoice without subscription id", "invoice_id", inv.ID)
		return OutcomeIgnored, nil
	}
	subscriptionID := inv.Subscription.ID

	row, err := s.store.GetSubscriptionBySubscriptionID(ctx, repository.GetSubscriptionBySubscriptionIDParams{
		StripeSubscriptionID: subscriptionID,
		PlanType:             string(domain.PlanTypeOngoing),
	})
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("renewal for unknown subscription, skipping",
			"stripe_subscription_id", subscriptionID, "invoice_id", inv.ID)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeError, domain.Internal(err, op, "failed to look up subscription")
	}

	live, err := s.billing.GetSubscription(subscriptionID)
	if err != nil {
		return OutcomeError, domain.Internal(err, op, "failed to fetch live subscription")
	}
	nextBilling := time.Unix(live.CurrentPeriodEnd, 0)

	if err := s.store.UpdateSubscriptionNextBillingDate(ctx, repository.UpdateSubscriptionNextBillingDateParams{
		ID:              row.ID,
		NextBillingDate: nextBilling,
	}); err != nil {
		return OutcomeError, domain.Internal(err, op, "failed to advance billing period")
	}

	s.logger.Info("subscription renewed",
		"subscription_id", row.ID,
		"stripe_subscription_id", subscriptionID,
		"next_billing_date", nextBilling,
	)

	if sub, convErr := rowToSubscription(row); convErr == nil {
		sub.NextBillingDate = &nextBilling
		s.sendEmail(ctx, "renewal", func(ctx context.Context) error {
			return s.email.SendConfirmation(ctx, sub, true)
		})
	}

	return OutcomeProcessed, nil
}

// handlePaymentFailed observes a failed payment. No record is created or
// mutated: a failed first payment must leave no trace, and failed renewals
// are left to the processor's dunning cycle.
func (s *reconcilerService) handlePaymentFailed(event stripe.Event) {
	metrics.PaymentFailures.Inc()
	s.logger.Warn("payment failed", "event_type", event.Type, "event_id", event.ID)
}

// decodeIntentMetadata recovers the plan lines and customer snapshot stashed
// on the processor object at checkout time.
func decodeIntentMetadata(meta map[string]string) ([]domain.PlanLine, domain.CustomerSnapshot, error) {
	var customer domain.CustomerSnapshot

	plansRaw, ok := meta[billing.MetadataPlans]
	if !ok || plansRaw == "" {
		return nil, customer, errors.New("missing plans metadata")
	}
	var plans []domain.PlanLine
	if err := json.Unmarshal([]byte(plansRaw), &plans); err != nil {
		return nil, customer, errors.New("malformed plans metadata: " + err.Error())
	}
	if len(plans) == 0 {
		return nil, customer, errors.New("empty plans metadata")
	}

	customerRaw, ok := meta[billing.MetadataCustomer]
	if !ok || customerRaw == "" {
		return nil, customer, errors.New("missing customer metadata")
	}
	if err := json.Unmarshal([]byte(customerRaw), &customer); err != nil {
		return nil, customer, errors.New("malformed customer metadata: " + err.Error())
	}
	if customer.Email == "" {
		return nil, customer, errors.New("customer metadata has no email")
	}

	return plans, customer, nil
}

// sendEmail fires one best-effort transactional email with bounded retries.
// Returns whether the send ultimately succeeded; failures never propagate
// to the webhook response.
func (s *reconcilerService) sendEmail(ctx context.Context, kind string, fn func(context.Context) error) bool {
	ctx, cancel := context.WithTimeout(ctx, emailTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(fn(ctx))
	})
	if err != nil {
		metrics.EmailsSentTotal.WithLabelValues(kind, "failed").Inc()
		s.logger.Error("transactional email failed", "kind", kind, "error", err)
		return false
	}
	metrics.EmailsSentTotal.WithLabelValues(kind, "sent").Inc()
	return true
}

// sendInvoiceEmail generates and delivers the PDF invoice, then records the
// flag. Both steps are best-effort.
func (s *reconcilerService) sendInvoiceEmail(ctx context.Context, sub *domain.Subscription) {
	doc, err := s.invoices.Generate(sub)
	if err != nil {
		s.logger.Error("invoice generation failed", "subscription_id", sub.ID, "error", err)
		return
	}

	sent := s.sendEmail(ctx, "invoice", func(ctx context.Context) error {
		return s.email.SendInvoice(ctx, sub, email.Attachment{
			Filename: doc.Filename,
			MIMEType: doc.MIMEType,
			Content:  doc.Content,
		})
	})
	if sent {
		s.markFlag("invoice_email_sent", func() error {
			return s.store.MarkInvoiceEmailSent(ctx, sub.ID)
		})
	}
}

// markFlag records an email-sent flag; a failed flag write is only logged,
// since the email already went out.
func (s *reconcilerService) markFlag(name string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Error("failed to record email flag", "flag", name, "error", err)
	}
}
