package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Subscription is the database row for a purchased plan record.
type Subscription struct {
	ID                    uuid.UUID
	Plans                 json.RawMessage
	TotalPrice            float64
	CustomerFirstName     string
	CustomerLastName      string
	CustomerEmail         string
	CustomerPhone         sql.NullString
	CustomerCompany       sql.NullString
	PlanType              string
	PaymentIntentID       string
	StripeSubscriptionID  sql.NullString
	StripeCustomerID      sql.NullString
	PaymentStatus         string
	Status                string
	NextBillingDate       sql.NullTime
	AutoRenew             bool
	CancelledAt           sql.NullTime
	ConfirmationEmailSent bool
	InvoiceEmailSent      bool
	Metadata              pqtype.NullRawMessage
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// subscriptionColumns is the canonical select list for subscription rows.
const subscriptionColumns = `id, plans, total_price,
	customer_first_name, customer_last_name, customer_email, customer_phone, customer_company,
	plan_type, payment_intent_id, stripe_subscription_id, stripe_customer_id,
	payment_status, status, next_billing_date, auto_renew, cancelled_at,
	confirmation_email_sent, invoice_email_sent, metadata, created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID,
		&s.Plans,
		&s.TotalPrice,
		&s.CustomerFirstName,
		&s.CustomerLastName,
		&s.CustomerEmail,
		&s.CustomerPhone,
		&s.CustomerCompany,
		&s.PlanType,
		&s.PaymentIntentID,
		&s.StripeSubscriptionID,
		&s.StripeCustomerID,
		&s.PaymentStatus,
		&s.Status,
		&s.NextBillingDate,
		&s.AutoRenew,
		&s.CancelledAt,
		&s.ConfirmationEmailSent,
		&s.InvoiceEmailSent,
		&s.Metadata,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

// ContactInquiry is the database row for a contact form submission.
type ContactInquiry struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Company   sql.NullString
	Message   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToNullString converts a string to sql.NullString, treating empty as NULL.
func ToNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullStringValue returns the string value, or "" if NULL.
func NullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// ToNullTime converts a *time.Time to sql.NullTime.
func ToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// NullTimeValue returns a *time.Time, or nil if NULL.
func NullTimeValue(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
