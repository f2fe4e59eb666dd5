package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/castellan-sec/castellan/internal/billing"
	"github.com/castellan-sec/castellan/internal/domain"
)

// =============================================================================
// Fixtures
// =============================================================================

var (
	testOneTimePlans = []domain.PlanLine{
		{Title: domain.PlanStartupLaunchpad, EmployeeCount: 12, Price: 4500},
		{Title: domain.PlanPentestEssentials, EmployeeCount: 12, Price: 8000},
	}

	testOngoingPlan = []domain.PlanLine{
		{Title: domain.RecurringPlanTitle, EmployeeCount: 40, Price: 2500},
	}

	testCustomer = domain.CustomerSnapshot{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Company:   "Analytical Engines Ltd",
	}
)

func checkoutMetadata(planType domain.PlanType, plans []domain.PlanLine) map[string]string {
	return map[string]string{
		billing.MetadataPlanType: string(planType),
		billing.MetadataPlans:    mustJSON(plans),
		billing.MetadataCustomer: mustJSON(testCustomer),
	}
}

func paymentIntentEvent(piID string, meta map[string]string) stripe.Event {
	payload := map[string]interface{}{
		"id":       piID,
		"object":   "payment_intent",
		"customer": "cus_abc",
		"metadata": meta,
	}
	return stripe.Event{
		ID:   "evt_" + piID,
		Type: stripe.EventTypePaymentIntentSucceeded,
		Data: &stripe.EventData{Raw: json.RawMessage(mustJSON(payload))},
	}
}

func invoiceEvent(invoiceID, subscriptionID, paymentIntentID string, reason stripe.InvoiceBillingReason) stripe.Event {
	payload := map[string]interface{}{
		"id":             invoiceID,
		"object":         "invoice",
		"billing_reason": string(reason),
		"subscription":   subscriptionID,
		"payment_intent": paymentIntentID,
	}
	return stripe.Event{
		ID:   "evt_" + invoiceID,
		Type: stripe.EventTypeInvoicePaid,
		Data: &stripe.EventData{Raw: json.RawMessage(mustJSON(payload))},
	}
}

func liveSubscription(subscriptionID string, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:               subscriptionID,
		Customer:         &stripe.Customer{ID: "cus_abc"},
		CurrentPeriodEnd: periodEnd.Unix(),
		Metadata:         checkoutMetadata(domain.PlanTypeOngoing, testOngoingPlan),
	}
}

func newTestReconciler(store *fakeStore, billingSvc *fakeBilling, emailSvc *fakeEmail) ReconcilerService {
	return NewReconcilerService(store, billingSvc, emailSvc, &fakeInvoices{}, testLogger())
}

// =============================================================================
// One-time payments
// =============================================================================

func TestReconciler_OneTimePayment_CreatesRecord(t *testing.T) {
	store := &fakeStore{}
	emails := &fakeEmail{}
	svc := newTestReconciler(store, &fakeBilling{}, emails)

	event := paymentIntentEvent("pi_1", checkoutMetadata(domain.PlanTypeOneTime, testOneTimePlans))
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeProcessed)
	}

	if store.count() != 1 {
		t.Fatalf("expected 1 record, got %d", store.count())
	}
	row := store.rows[0]
	if row.PlanType != string(domain.PlanTypeOneTime) {
		t.Errorf("plan type = %q, want one-time", row.PlanType)
	}
	if row.TotalPrice != 12500 {
		t.Errorf("total = %v, want server-computed 12500", row.TotalPrice)
	}
	if row.PaymentStatus != string(domain.PaymentStatusSucceeded) {
		t.Errorf("payment status = %q, want succeeded", row.PaymentStatus)
	}
	if row.AutoRenew {
		t.Error("one-time purchase must not auto-renew")
	}
	if row.StripeSubscriptionID.Valid {
		t.Error("one-time purchase must not have a processor subscription id")
	}

	kinds := emails.kinds()
	if len(kinds) != 2 || kinds[0] != "confirmation" || kinds[1] != "invoice" {
		t.Errorf("emails = %v, want [confirmation invoice]", kinds)
	}
	if len(store.confirmationMarked) != 1 || len(store.invoiceMarked) != 1 {
		t.Errorf("email flags not recorded: confirmation=%d invoice=%d",
			len(store.confirmationMarked), len(store.invoiceMarked))
	}
}

func TestReconciler_OneTimePayment_DuplicateDelivery(t *testing.T) {
	store := &fakeStore{}
	emails := &fakeEmail{}
	svc := newTestReconciler(store, &fakeBilling{}, emails)

	event := paymentIntentEvent("pi_dup", checkoutMetadata(domain.PlanTypeOneTime, testOneTimePlans))

	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeDuplicate)
	}

	if store.count() != 1 {
		t.Fatalf("replay created a second record: %d rows", store.count())
	}
	if got := len(emails.kinds()); got != 2 {
		t.Errorf("replay sent extra emails: %d total sends", got)
	}
}

func TestReconciler_OneTimePayment_MissingMetadata(t *testing.T) {
	store := &fakeStore{}
	svc := newTestReconciler(store, &fakeBilling{}, &fakeEmail{})

	meta := map[string]string{billing.MetadataPlanType: string(domain.PlanTypeOneTime)}
	outcome, err := svc.HandleEvent(context.Background(), paymentIntentEvent("pi_bad", meta))

	// Unusable metadata is permanent: acknowledge so the processor stops
	// retrying, but record nothing.
	if err != nil {
		t.Fatalf("expected acknowledgement, got error: %v", err)
	}
	if outcome != OutcomeError {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeError)
	}
	if store.count() != 0 {
		t.Errorf("record created from unusable metadata")
	}
}

func TestReconciler_OneTimePayment_StoreFailureRequestsRetry(t *testing.T) {
	store := &fakeStore{createErr: errors.New("connection reset")}
	svc := newTestReconciler(store, &fakeBilling{}, &fakeEmail{})

	event := paymentIntentEvent("pi_down", checkoutMetadata(domain.PlanTypeOneTime, testOneTimePlans))
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err == nil {
		t.Fatal("expected error so the delivery is retried")
	}
	if outcome != OutcomeError {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeError)
	}
}

func TestReconciler_PaymentIntentWithoutPlanMetadataIgnored(t *testing.T) {
	store := &fakeStore{}
	svc := newTestReconciler(store, &fakeBilling{}, &fakeEmail{})

	// Payment intents raised by subscription invoices carry no plan_type.
	outcome, err := svc.HandleEvent(context.Background(), paymentIntentEvent("pi_sub", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeIgnored)
	}
	if store.count() != 0 {
		t.Error("record created for a subscription payment intent")
	}
}

// =============================================================================
// First subscription invoice
// =============================================================================

func TestReconciler_FirstInvoice_CreatesOngoingRecord(t *testing.T) {
	periodEnd := time.Now().AddDate(0, 1, 0).Truncate(time.Second)
	store := &fakeStore{}
	emails := &fakeEmail{}
	billingSvc := &fakeBilling{
		getSubscriptionFunc: func(id string) (*stripe.Subscription, error) {
			return liveSubscription(id, periodEnd), nil
		},
	}
	svc := newTestReconciler(store, billingSvc, emails)

	event := invoiceEvent("in_1", "sub_1", "pi_first", stripe.InvoiceBillingReasonSubscriptionCreate)
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeProcessed)
	}

	if store.count() != 1 {
		t.Fatalf("expected 1 record, got %d", store.count())
	}
	row := store.rows[0]
	if row.PlanType != string(domain.PlanTypeOngoing) {
		t.Errorf("plan type = %q, want ongoing", row.PlanType)
	}
	if row.StripeSubscriptionID.String != "sub_1" {
		t.Errorf("stripe subscription id = %q, want sub_1", row.StripeSubscriptionID.String)
	}
	if row.PaymentIntentID != "pi_first" {
		t.Errorf("payment intent id = %q, want pi_first", row.PaymentIntentID)
	}
	if !row.AutoRenew {
		t.Error("ongoing subscription must auto-renew")
	}
	if !row.NextBillingDate.Valid || !row.NextBillingDate.Time.Equal(periodEnd) {
		t.Errorf("next billing = %v, want %v", row.NextBillingDate, periodEnd)
	}

	kinds := emails.kinds()
	if len(kinds) != 2 || kinds[0] != "welcome" || kinds[1] != "invoice" {
		t.Errorf("emails = %v, want [welcome invoice]", kinds)
	}
}

func TestReconciler_FirstInvoice_DuplicateDelivery(t *testing.T) {
	periodEnd := time.Now().AddDate(0, 1, 0)
	store := &fakeStore{}
	emails := &fakeEmail{}
	billingSvc := &fakeBilling{
		getSubscriptionFunc: func(id string) (*stripe.Subscription, error) {
			return liveSubscription(id, periodEnd), nil
		},
	}
	svc := newTestReconciler(store, billingSvc, emails)

	event := invoiceEvent("in_dup", "sub_dup", "pi_dup_first", stripe.InvoiceBillingReasonSubscriptionCreate)
	if _, err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeDuplicate)
	}
	if store.count() != 1 {
		t.Fatalf("replay created a second record: %d rows", store.count())
	}
	if got := len(emails.kinds()); got != 2 {
		t.Errorf("replay sent extra emails: %d total sends", got)
	}
}

// One payment intent id may legitimately appear under both plan types; the
// compound key keeps the records distinct.
func TestReconciler_CompoundKeyAllowsSamePaymentIntentAcrossPlanTypes(t *testing.T) {
	periodEnd := time.Now().AddDate(0, 1, 0)
	store := &fakeStore{}
	billingSvc := &fakeBilling{
		getSubscriptionFunc: func(id string) (*stripe.Subscription, error) {
			return liveSubscription(id, periodEnd), nil
		},
	}
	svc := newTestReconciler(store, billingSvc, &fakeEmail{})

	piEvent := paymentIntentEvent("pi_shared", checkoutMetadata(domain.PlanTypeOneTime, testOneTimePlans))
	if _, err := svc.HandleEvent(context.Background(), piEvent); err != nil {
		t.Fatalf("one-time event: %v", err)
	}

	invEvent := invoiceEvent("in_shared", "sub_shared", "pi_shared", stripe.InvoiceBillingReasonSubscriptionCreate)
	outcome, err := svc.HandleEvent(context.Background(), invEvent)
	if err != nil {
		t.Fatalf("subscription event: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeProcessed)
	}
	if store.count() != 2 {
		t.Fatalf("expected 2 records under the shared payment intent, got %d", store.count())
	}
}

func TestReconciler_FirstInvoice_ExistingActiveSubscriber(t *testing.T) {
	periodEnd := time.Now().AddDate(0, 1, 0)
	store := &fakeStore{}
	emails := &fakeEmail{}
	billingSvc := &fakeBilling{
		getSubscriptionFunc: func(id string) (*stripe.Subscription, error) {
			return liveSubscription(id, periodEnd), nil
		},
	}
	svc := newTestReconciler(store, billingSvc, emails)

	// First subscription for this customer.
	first := invoiceEvent("in_a", "sub_a", "pi_a", stripe.InvoiceBillingReasonSubscriptionCreate)
	if _, err := svc.HandleEvent(context.Background(), first); err != nil {
		t.Fatalf("first subscription: %v", err)
	}

	// A second paid subscription slipped past the checkout conflict check.
	// The payment is real, so a record must exist; the customer is told
	// about the overlap instead of being welcomed twice.
	second := invoiceEvent("in_b", "sub_b", "pi_b", stripe.InvoiceBillingReasonSubscriptionCreate)
	outcome, err := svc.HandleEvent(context.Background(), second)
	if err != nil {
		t.Fatalf("second subscription: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeProcessed)
	}
	if store.count() != 2 {
		t.Fatalf("expected 2 records, got %d", store.count())
	}

	kinds := emails.kinds()
	want := []string{"welcome", "invoice", "already_subscribed", "invoice"}
	if len(kinds) != len(want) {
		t.Fatalf("emails = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("emails = %v, want %v", kinds, want)
		}
	}
}

func TestReconciler_FirstInvoice_LiveFetchFailureRequestsRetry(t *testing.T) {
	store := &fakeStore{}
	billingSvc := &fakeBilling{
		getSubscriptionFunc: func(id string) (*stripe.Subscription, error) {
			return nil, errors.New("stripe 503")
		},
	}
	svc := newTestReconciler(store, billingSvc, &fakeEmail{})

	event := invoiceEvent("in_x", "sub_x", "pi_x", stripe.InvoiceBillingReasonSubscriptionCreate)
	if _, err := svc.HandleEvent(context.Background(), event); err == nil {
		t.Fatal("expected error so the delivery is retried")
	}
	if store.count() != 0 {
		t.Error("record created despite failed live fetch")
	}
}

// =============================================================================
// Renewals
// =============================================================================

func TestReconciler_Renewal_AdvancesBillingDate(t *testing.T) {
	firstPeriodEnd := time.Now().AddDate(0, 1, 0).Truncate(time.Second)
	secondPeriodEnd := firstPeriodEnd.AddDate(0, 1, 0)

	store := &fakeStore{}
	emails := &fakeEmail{}
	periodEnd := firstPeriodEnd
	billingSvc := &fakeBilling{
		getSubscriptionFunc: func(id string) (*stripe.Subscription, error) {
			return liveSubscription(id, periodEnd), nil
		},
	}
	svc := newTestReconciler(store, billingSvc, emails)

	create := invoiceEvent("in_create", "sub_r", "pi_r", stripe.InvoiceBillingReasonSubscriptionCreate)
	if _, err := svc.HandleEvent(context.Background(), create); err != nil {
		t.Fatalf("create: %v", err)
	}

	periodEnd = secondPeriodEnd
	renewal := invoiceEvent("in_renew", "sub_r", "pi_r2", stripe.InvoiceBillingReasonSubscriptionCycle)
	outcome, err := svc.HandleEvent(context.Background(), renewal)
	if err != nil {
		t.Fatalf("renewal: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeProcessed)
	}

	if store.count() != 1 {
		t.Fatalf("renewal must not create a record: %d rows", store.count())
	}
	if len(store.nextBillingUpdates) != 1 {
		t.Fatalf("expected 1 billing date update, got %d", len(store.nextBillingUpdates))
	}
	if !store.nextBillingUpdates[0].NextBillingDate.Equal(secondPeriodEnd) {
		t.Errorf("next billing = %v, want %v", store.nextBillingUpdates[0].NextBillingDate, secondPeriodEnd)
	}

	kinds := emails.kinds()
	if kinds[len(kinds)-1] != "renewal" {
		t.Errorf("last email = %q, want renewal", kinds[len(kinds)-1])
	}
}

func TestReconciler_Renewal_UnknownSubscriptionTolerated(t *testing.T) {
	store := &fakeStore{}
	svc := newTestReconciler(store, &fakeBilling{}, &fakeEmail{})

	event := invoiceEvent("in_orphan", "sub_orphan", "pi_orphan", stripe.InvoiceBillingReasonSubscriptionCycle)
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeIgnored)
	}
	if len(store.nextBillingUpdates) != 0 {
		t.Error("billing date updated for an unknown subscription")
	}
}

// =============================================================================
// Failures and unknown events
// =============================================================================

func TestReconciler_PaymentFailedLeavesNoTrace(t *testing.T) {
	store := &fakeStore{}
	emails := &fakeEmail{}
	svc := newTestReconciler(store, &fakeBilling{}, emails)

	event := stripe.Event{
		ID:   "evt_fail",
		Type: stripe.EventTypePaymentIntentPaymentFailed,
		Data: &stripe.EventData{Raw: json.RawMessage(`{"id":"pi_fail","object":"payment_intent"}`)},
	}
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeProcessed)
	}
	if store.count() != 0 {
		t.Error("failed payment created a record")
	}
	if len(emails.kinds()) != 0 {
		t.Error("failed payment sent an email")
	}
}

func TestReconciler_UnhandledEventTypesAcknowledged(t *testing.T) {
	svc := newTestReconciler(&fakeStore{}, &fakeBilling{}, &fakeEmail{})

	event := stripe.Event{
		ID:   "evt_misc",
		Type: "customer.created",
		Data: &stripe.EventData{Raw: json.RawMessage(`{"id":"cus_1","object":"customer"}`)},
	}
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeIgnored)
	}
}

func TestReconciler_EmailFailureDoesNotFailReconciliation(t *testing.T) {
	store := &fakeStore{}
	emails := &fakeEmail{failKinds: map[string]bool{"confirmation": true}}
	svc := newTestReconciler(store, &fakeBilling{}, emails)

	event := paymentIntentEvent("pi_mail", checkoutMetadata(domain.PlanTypeOneTime, testOneTimePlans))
	outcome, err := svc.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeProcessed)
	}
	if store.count() != 1 {
		t.Fatal("record must exist despite the failed email")
	}
	if len(store.confirmationMarked) != 0 {
		t.Error("confirmation flag set although the send failed")
	}
	// The invoice email is independent and still goes out.
	if kinds := emails.kinds(); len(kinds) != 1 || kinds[0] != "invoice" {
		t.Errorf("emails = %v, want [invoice]", kinds)
	}
}
