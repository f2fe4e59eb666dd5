package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stripe/stripe-go/v79"

	"github.com/castellan-sec/castellan/internal/domain"
	"github.com/castellan-sec/castellan/internal/email"
	"github.com/castellan-sec/castellan/internal/invoice"
	"github.com/castellan-sec/castellan/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Fake SubscriptionStore
// =============================================================================

// fakeStore is an in-memory SubscriptionStore that enforces the same
// compound uniqueness the database index does.
type fakeStore struct {
	mu   sync.Mutex
	rows []repository.Subscription

	createErr          error
	nextBillingUpdates []repository.UpdateSubscriptionNextBillingDateParams
	confirmationMarked []uuid.UUID
	invoiceMarked      []uuid.UUID
	lastListParams     repository.ListSubscriptionsParams
}

var _ SubscriptionStore = (*fakeStore)(nil)

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "idx_subscriptions_payment_key"}
}

func (f *fakeStore) CreateSubscription(_ context.Context, arg repository.CreateSubscriptionParams) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return repository.Subscription{}, f.createErr
	}
	for _, row := range f.rows {
		if row.PaymentIntentID == arg.PaymentIntentID && row.PlanType == arg.PlanType {
			return repository.Subscription{}, uniqueViolation()
		}
	}

	now := time.Now()
	row := repository.Subscription{
		ID:                   uuid.New(),
		Plans:                arg.Plans,
		TotalPrice:           arg.TotalPrice,
		CustomerFirstName:    arg.CustomerFirstName,
		CustomerLastName:     arg.CustomerLastName,
		CustomerEmail:        arg.CustomerEmail,
		CustomerPhone:        arg.CustomerPhone,
		CustomerCompany:      arg.CustomerCompany,
		PlanType:             arg.PlanType,
		PaymentIntentID:      arg.PaymentIntentID,
		StripeSubscriptionID: arg.StripeSubscriptionID,
		StripeCustomerID:     arg.StripeCustomerID,
		PaymentStatus:        arg.PaymentStatus,
		Status:               arg.Status,
		NextBillingDate:      arg.NextBillingDate,
		AutoRenew:            arg.AutoRenew,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	f.rows = append(f.rows, row)
	return row, nil
}

func (f *fakeStore) GetSubscriptionByID(_ context.Context, id uuid.UUID) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return repository.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) GetSubscriptionByPaymentKey(_ context.Context, arg repository.GetSubscriptionByPaymentKeyParams) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.PaymentIntentID == arg.PaymentIntentID && row.PlanType == arg.PlanType {
			return row, nil
		}
	}
	return repository.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) GetSubscriptionBySubscriptionID(_ context.Context, arg repository.GetSubscriptionBySubscriptionIDParams) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.StripeSubscriptionID.String == arg.StripeSubscriptionID && row.PlanType == arg.PlanType {
			return row, nil
		}
	}
	return repository.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) GetActiveOngoingSubscriptionByEmail(_ context.Context, email string) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.CustomerEmail == email && row.PlanType == string(domain.PlanTypeOngoing) && row.Status == string(domain.SubscriptionStatusActive) {
			return row, nil
		}
	}
	return repository.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateSubscriptionAdmin(_ context.Context, arg repository.UpdateSubscriptionAdminParams) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.rows {
		if row.ID == arg.ID {
			f.rows[i].Status = arg.Status
			f.rows[i].Metadata = arg.Metadata
			f.rows[i].UpdatedAt = time.Now()
			return f.rows[i], nil
		}
	}
	return repository.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateSubscriptionNextBillingDate(_ context.Context, arg repository.UpdateSubscriptionNextBillingDateParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBillingUpdates = append(f.nextBillingUpdates, arg)
	for i, row := range f.rows {
		if row.ID == arg.ID {
			f.rows[i].NextBillingDate = sql.NullTime{Time: arg.NextBillingDate, Valid: true}
			return nil
		}
	}
	return nil
}

func (f *fakeStore) CancelSubscription(_ context.Context, arg repository.CancelSubscriptionParams) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.rows {
		if row.ID == arg.ID {
			f.rows[i].Status = string(domain.SubscriptionStatusCancelled)
			f.rows[i].AutoRenew = false
			f.rows[i].CancelledAt = sql.NullTime{Time: arg.CancelledAt, Valid: true}
			return f.rows[i], nil
		}
	}
	return repository.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) MarkConfirmationEmailSent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmationMarked = append(f.confirmationMarked, id)
	return nil
}

func (f *fakeStore) MarkInvoiceEmailSent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoiceMarked = append(f.invoiceMarked, id)
	return nil
}

func (f *fakeStore) DeleteSubscription(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.rows {
		if row.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) ListSubscriptions(_ context.Context, arg repository.ListSubscriptionsParams) ([]repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastListParams = arg
	return append([]repository.Subscription(nil), f.rows...), nil
}

func (f *fakeStore) CountSubscriptions(_ context.Context, _ repository.ListSubscriptionsParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeStore) GetSubscriptionStats(_ context.Context) (repository.SubscriptionStatsRow, error) {
	return repository.SubscriptionStatsRow{}, nil
}

func (f *fakeStore) GetPlanDistribution(_ context.Context) ([]repository.PlanDistributionRow, error) {
	return nil, nil
}

func (f *fakeStore) ListRecentSubscriptions(_ context.Context, _ int32) ([]repository.Subscription, error) {
	return nil, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// =============================================================================
// Fake InquiryStore
// =============================================================================

type fakeInquiryStore struct {
	mu   sync.Mutex
	rows []repository.ContactInquiry

	createErr error
}

var _ InquiryStore = (*fakeInquiryStore)(nil)

func (f *fakeInquiryStore) CreateContactInquiry(_ context.Context, arg repository.CreateContactInquiryParams) (repository.ContactInquiry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return repository.ContactInquiry{}, f.createErr
	}
	now := time.Now()
	row := repository.ContactInquiry{
		ID:        uuid.New(),
		Name:      arg.Name,
		Email:     arg.Email,
		Company:   arg.Company,
		Message:   arg.Message,
		Status:    string(domain.InquiryStatusNew),
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.rows = append(f.rows, row)
	return row, nil
}

func (f *fakeInquiryStore) GetContactInquiryByID(_ context.Context, id uuid.UUID) (repository.ContactInquiry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return repository.ContactInquiry{}, sql.ErrNoRows
}

func (f *fakeInquiryStore) ListContactInquiries(_ context.Context, arg repository.ListContactInquiriesParams) ([]repository.ContactInquiry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.ContactInquiry
	for _, row := range f.rows {
		if arg.Status == "" || row.Status == arg.Status {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeInquiryStore) CountContactInquiries(_ context.Context, status string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if status == "" || row.Status == status {
			n++
		}
	}
	return n, nil
}

func (f *fakeInquiryStore) UpdateContactInquiryStatus(_ context.Context, arg repository.UpdateContactInquiryStatusParams) (repository.ContactInquiry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.rows {
		if row.ID == arg.ID {
			f.rows[i].Status = arg.Status
			f.rows[i].UpdatedAt = time.Now()
			return f.rows[i], nil
		}
	}
	return repository.ContactInquiry{}, sql.ErrNoRows
}

// =============================================================================
// Fake billing.Service
// =============================================================================

type fakeBilling struct {
	createPaymentIntentFunc func(amountCents int64, receiptEmail string, metadata map[string]string) (*stripe.PaymentIntent, error)
	createSubscriptionFunc  func(customerID, priceID string, metadata map[string]string) (*stripe.Subscription, error)
	getSubscriptionFunc     func(subscriptionID string) (*stripe.Subscription, error)

	customerCalls     int
	priceCalls        int
	cancelledSubs     []string
	cancelSubErr      error
	lastIntentMeta    map[string]string
	lastSubscriptionM map[string]string
}

func (f *fakeBilling) CreatePaymentIntent(amountCents int64, receiptEmail string, metadata map[string]string) (*stripe.PaymentIntent, error) {
	f.lastIntentMeta = metadata
	if f.createPaymentIntentFunc != nil {
		return f.createPaymentIntentFunc(amountCents, receiptEmail, metadata)
	}
	return &stripe.PaymentIntent{ID: "pi_test", ClientSecret: "pi_test_secret", Amount: amountCents}, nil
}

func (f *fakeBilling) GetPaymentIntent(id string) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: id}, nil
}

func (f *fakeBilling) FindOrCreateCustomer(email, name, phone string) (string, error) {
	f.customerCalls++
	return "cus_test", nil
}

func (f *fakeBilling) FindOrCreateRecurringPrice(productName string, amountCents int64) (string, error) {
	f.priceCalls++
	return "price_test", nil
}

func (f *fakeBilling) CreateSubscription(customerID, priceID string, metadata map[string]string) (*stripe.Subscription, error) {
	f.lastSubscriptionM = metadata
	if f.createSubscriptionFunc != nil {
		return f.createSubscriptionFunc(customerID, priceID, metadata)
	}
	return &stripe.Subscription{
		ID: "sub_test",
		LatestInvoice: &stripe.Invoice{
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_sub_test", ClientSecret: "pi_sub_test_secret"},
		},
	}, nil
}

func (f *fakeBilling) GetSubscription(subscriptionID string) (*stripe.Subscription, error) {
	if f.getSubscriptionFunc != nil {
		return f.getSubscriptionFunc(subscriptionID)
	}
	return nil, errors.New("no live subscription configured")
}

func (f *fakeBilling) CancelSubscription(subscriptionID string) error {
	if f.cancelSubErr != nil {
		return f.cancelSubErr
	}
	f.cancelledSubs = append(f.cancelledSubs, subscriptionID)
	return nil
}

func (f *fakeBilling) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	return stripe.Event{}, errors.New("not implemented")
}

// =============================================================================
// Fake email.Service
// =============================================================================

type sentEmail struct {
	kind string
	to   string
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []sentEmail

	failKinds map[string]bool
}

var _ email.Service = (*fakeEmail)(nil)

func (f *fakeEmail) record(kind, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKinds[kind] {
		return errors.New(kind + " send failed")
	}
	f.sent = append(f.sent, sentEmail{kind: kind, to: to})
	return nil
}

func (f *fakeEmail) SendConfirmation(_ context.Context, sub *domain.Subscription, isRenewal bool) error {
	kind := "confirmation"
	if isRenewal {
		kind = "renewal"
	}
	return f.record(kind, sub.Customer.Email)
}

func (f *fakeEmail) SendWelcome(_ context.Context, sub *domain.Subscription) error {
	return f.record("welcome", sub.Customer.Email)
}

func (f *fakeEmail) SendInvoice(_ context.Context, sub *domain.Subscription, _ email.Attachment) error {
	return f.record("invoice", sub.Customer.Email)
}

func (f *fakeEmail) SendAlreadySubscribed(_ context.Context, customer domain.CustomerSnapshot, _ *domain.Subscription) error {
	return f.record("already_subscribed", customer.Email)
}

func (f *fakeEmail) SendInquiryNotification(_ context.Context, inquiry *domain.ContactInquiry) error {
	return f.record("inquiry", inquiry.Email)
}

func (f *fakeEmail) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.kind)
	}
	return out
}

// =============================================================================
// Fake invoice generator
// =============================================================================

type fakeInvoices struct {
	generated int
	err       error
}

func (f *fakeInvoices) Generate(sub *domain.Subscription) (*invoice.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.generated++
	return &invoice.Document{
		Content:  []byte("%PDF-fake"),
		Filename: "invoice-test.pdf",
		MIMEType: "application/pdf",
	}, nil
}

// mustJSON marshals a value for test fixtures.
func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
