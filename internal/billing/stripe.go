// Package billing provides Stripe integration for the two supported
// purchase flows: direct payment intents for one-time bundles and
// incomplete-payment subscriptions for the recurring plan.
package billing

import (
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/price"
	"github.com/stripe/stripe-go/v79/product"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Metadata keys attached to processor objects at intent-creation time.
// This metadata is the only channel the asynchronous webhook reconciler
// has back to the original request; nothing is persisted locally before
// the webhook arrives.
const (
	MetadataPlanType = "plan_type"
	MetadataPlans    = "plans"    // JSON-encoded plan lines
	MetadataCustomer = "customer" // JSON-encoded customer snapshot
)

// Service defines the interface for payment processor operations.
type Service interface {
	// CreatePaymentIntent creates a direct-charge payment intent for a
	// one-time bundle. The metadata carries the plan list and customer
	// snapshot for the webhook reconciler.
	CreatePaymentIntent(amountCents int64, receiptEmail string, metadata map[string]string) (*stripe.PaymentIntent, error)

	// GetPaymentIntent retrieves a payment intent by ID.
	GetPaymentIntent(id string) (*stripe.PaymentIntent, error)

	// FindOrCreateCustomer returns the Stripe customer for the given email,
	// creating one if none exists.
	FindOrCreateCustomer(email, name, phone string) (string, error)

	// FindOrCreateRecurringPrice returns a monthly price for the named
	// product at the exact unit amount, reusing an existing match to avoid
	// price-object proliferation.
	FindOrCreateRecurringPrice(productName string, amountCents int64) (string, error)

	// CreateSubscription creates an incomplete-payment subscription on the
	// customer/price pair, expanding the first invoice's payment intent so
	// the caller can return its client secret. Metadata is attached to the
	// subscription so renewal invoices stay traceable to plan/customer
	// context.
	CreateSubscription(customerID, priceID string, metadata map[string]string) (*stripe.Subscription, error)

	// GetSubscription retrieves a Stripe subscription by ID.
	GetSubscription(subscriptionID string) (*stripe.Subscription, error)

	// CancelSubscription sets a subscription to cancel at period end.
	CancelSubscription(subscriptionID string) error

	// VerifyWebhookSignature verifies the Stripe webhook signature and
	// returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey authenticates Stripe API calls. The webhookSecret verifies
// incoming webhook signatures.
func NewStripeService(secretKey, webhookSecret string) Service {
	stripe.Key = secretKey

	return &stripeService{
		webhookSecret: webhookSecret,
	}
}

func (s *stripeService) CreatePaymentIntent(amountCents int64, receiptEmail string, metadata map[string]string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if receiptEmail != "" {
		params.ReceiptEmail = stripe.String(receiptEmail)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return pi, nil
}

func (s *stripeService) GetPaymentIntent(id string) (*stripe.PaymentIntent, error) {
	pi, err := paymentintent.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe get payment intent: %w", err)
	}
	return pi, nil
}

func (s *stripeService) FindOrCreateCustomer(email, name, phone string) (string, error) {
	listParams := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	listParams.Limit = stripe.Int64(1)

	iter := customer.List(listParams)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("stripe list customers: %w", err)
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	if phone != "" {
		params.Phone = stripe.String(phone)
	}
	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (s *stripeService) FindOrCreateRecurringPrice(productName string, amountCents int64) (string, error) {
	productID, err := s.findOrCreateProduct(productName)
	if err != nil {
		return "", err
	}

	iter := price.List(&stripe.PriceListParams{
		Product: stripe.String(productID),
		Active:  stripe.Bool(true),
	})
	for iter.Next() {
		p := iter.Price()
		if p.UnitAmount == amountCents && p.Recurring != nil && p.Recurring.Interval == stripe.PriceRecurringIntervalMonth {
			return p.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("stripe list prices: %w", err)
	}

	p, err := price.New(&stripe.PriceParams{
		Product:    stripe.String(productID),
		UnitAmount: stripe.Int64(amountCents),
		Currency:   stripe.String(string(stripe.CurrencyUSD)),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("stripe create price: %w", err)
	}
	return p.ID, nil
}

// findOrCreateProduct returns the active product with the given name,
// creating it on first use.
func (s *stripeService) findOrCreateProduct(name string) (string, error) {
	iter := product.List(&stripe.ProductListParams{
		Active: stripe.Bool(true),
	})
	for iter.Next() {
		if iter.Product().Name == name {
			return iter.Product().ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("stripe list products: %w", err)
	}

	p, err := product.New(&stripe.ProductParams{
		Name: stripe.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("stripe create product: %w", err)
	}
	return p.ID, nil
}

func (s *stripeService) CreateSubscription(customerID, priceID string, metadata map[string]string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.AddExpand("latest_invoice.payment_intent")
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create subscription: %w", err)
	}
	return sub, nil
}

func (s *stripeService) GetSubscription(subscriptionID string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription: %w", err)
	}
	return sub, nil
}

func (s *stripeService) CancelSubscription(subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	_, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return fmt.Errorf("stripe cancel subscription: %w", err)
	}
	return nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}
