package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// CreateSubscriptionParams are the fields required to insert a new
// subscription record.
type CreateSubscriptionParams struct {
	Plans                json.RawMessage
	TotalPrice           float64
	CustomerFirstName    string
	CustomerLastName     string
	CustomerEmail        string
	CustomerPhone        sql.NullString
	CustomerCompany      sql.NullString
	PlanType             string
	PaymentIntentID      string
	StripeSubscriptionID sql.NullString
	StripeCustomerID     sql.NullString
	PaymentStatus        string
	Status               string
	NextBillingDate      sql.NullTime
	AutoRenew            bool
}

// CreateSubscription inserts a new subscription row. The unique index on
// (payment_intent_id, plan_type) makes duplicate creates fail with a
// unique violation; callers check IsUniqueViolation and treat that as
// "already reconciled".
func (q *Queries) CreateSubscription(ctx context.Context, arg CreateSubscriptionParams) (Subscription, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (
			plans, total_price,
			customer_first_name, customer_last_name, customer_email, customer_phone, customer_company,
			plan_type, payment_intent_id, stripe_subscription_id, stripe_customer_id,
			payment_status, status, next_billing_date, auto_renew
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+subscriptionColumns,
		arg.Plans,
		arg.TotalPrice,
		arg.CustomerFirstName,
		arg.CustomerLastName,
		arg.CustomerEmail,
		arg.CustomerPhone,
		arg.CustomerCompany,
		arg.PlanType,
		arg.PaymentIntentID,
		arg.StripeSubscriptionID,
		arg.StripeCustomerID,
		arg.PaymentStatus,
		arg.Status,
		arg.NextBillingDate,
		arg.AutoRenew,
	)
	return scanSubscription(row)
}

// GetSubscriptionByID retrieves a subscription by primary key.
func (q *Queries) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (Subscription, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// GetSubscriptionByPaymentKeyParams is the compound idempotency key.
type GetSubscriptionByPaymentKeyParams struct {
	PaymentIntentID string
	PlanType        string
}

// GetSubscriptionByPaymentKey looks a subscription up by its compound
// idempotency key.
func (q *Queries) GetSubscriptionByPaymentKey(ctx context.Context, arg GetSubscriptionByPaymentKeyParams) (Subscription, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE payment_intent_id = $1 AND plan_type = $2`,
		arg.PaymentIntentID, arg.PlanType)
	return scanSubscription(row)
}

// GetSubscriptionBySubscriptionIDParams keys an ongoing record by its
// processor subscription id.
type GetSubscriptionBySubscriptionIDParams struct {
	StripeSubscriptionID string
	PlanType             string
}

// GetSubscriptionBySubscriptionID looks an ongoing subscription up by its
// Stripe subscription id.
func (q *Queries) GetSubscriptionBySubscriptionID(ctx context.Context, arg GetSubscriptionBySubscriptionIDParams) (Subscription, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE stripe_subscription_id = $1 AND plan_type = $2`,
		arg.StripeSubscriptionID, arg.PlanType)
	return scanSubscription(row)
}

// GetActiveOngoingSubscriptionByEmail returns the customer's live recurring
// subscription, if any. Backs the one-active-ongoing-per-customer rule.
func (q *Queries) GetActiveOngoingSubscriptionByEmail(ctx context.Context, email string) (Subscription, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE customer_email = $1 AND plan_type = 'ongoing' AND status = 'active'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		email)
	return scanSubscription(row)
}

// UpdateSubscriptionAdminParams carries the admin-editable fields.
type UpdateSubscriptionAdminParams struct {
	ID       uuid.UUID
	Status   string
	Metadata pqtype.NullRawMessage
}

// UpdateSubscriptionAdmin applies an admin edit to status and metadata.
func (q *Queries) UpdateSubscriptionAdmin(ctx context.Context, arg UpdateSubscriptionAdminParams) (Subscription, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = $2, metadata = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		arg.ID, arg.Status, arg.Metadata)
	return scanSubscription(row)
}

// UpdateSubscriptionNextBillingDateParams advances the billing period on a
// renewal event.
type UpdateSubscriptionNextBillingDateParams struct {
	ID              uuid.UUID
	NextBillingDate time.Time
}

// UpdateSubscriptionNextBillingDate updates the next billing date after a
// renewal invoice is paid.
func (q *Queries) UpdateSubscriptionNextBillingDate(ctx context.Context, arg UpdateSubscriptionNextBillingDateParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET next_billing_date = $2, updated_at = NOW()
		WHERE id = $1`,
		arg.ID, arg.NextBillingDate)
	return err
}

// CancelSubscriptionParams marks a record cancelled.
type CancelSubscriptionParams struct {
	ID          uuid.UUID
	CancelledAt time.Time
}

// CancelSubscription marks a subscription cancelled and stops auto-renewal.
func (q *Queries) CancelSubscription(ctx context.Context, arg CancelSubscriptionParams) (Subscription, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = 'cancelled', auto_renew = FALSE, cancelled_at = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		arg.ID, arg.CancelledAt)
	return scanSubscription(row)
}

// MarkConfirmationEmailSent records that the confirmation email went out.
func (q *Queries) MarkConfirmationEmailSent(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET confirmation_email_sent = TRUE, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// MarkInvoiceEmailSent records that the invoice email went out.
func (q *Queries) MarkInvoiceEmailSent(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET invoice_email_sent = TRUE, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// DeleteSubscription removes a subscription row. Admin-only; there is no
// automatic expiry.
func (q *Queries) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListSubscriptionsParams are the admin list endpoint's filters. Zero
// values mean "no filter". The same params drive both the page query and
// the total count.
type ListSubscriptionsParams struct {
	Statuses      []string
	PaymentStatus string
	PlanType      string
	PlanTitle     string
	EmailContains string
	Search        string
	CreatedAfter  sql.NullTime
	CreatedBefore sql.NullTime
	SortBy        string // created_at, updated_at, total_price
	SortDesc      bool
	Limit         int32
	Offset        int32
}

// buildSubscriptionFilter renders the WHERE clause for the list filters
// and returns the clause plus its bind arguments.
func buildSubscriptionFilter(arg ListSubscriptionsParams) (string, []interface{}) {
	var conds []string
	var args []interface{}

	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(arg.Statuses) > 0 {
		conds = append(conds, "status = ANY("+next(pq.Array(arg.Statuses))+")")
	}
	if arg.PaymentStatus != "" {
		conds = append(conds, "payment_status = "+next(arg.PaymentStatus))
	}
	if arg.PlanType != "" {
		conds = append(conds, "plan_type = "+next(arg.PlanType))
	}
	if arg.PlanTitle != "" {
		// Match against the plan lines embedded in the plans JSONB array.
		conds = append(conds, `EXISTS (
			SELECT 1 FROM jsonb_array_elements(plans) AS plan
			WHERE plan->>'title' = `+next(arg.PlanTitle)+`)`)
	}
	if arg.EmailContains != "" {
		conds = append(conds, "customer_email ILIKE "+next("%"+arg.EmailContains+"%"))
	}
	if arg.Search != "" {
		p := next("%" + arg.Search + "%")
		conds = append(conds, `(
			customer_first_name ILIKE `+p+`
			OR customer_last_name ILIKE `+p+`
			OR customer_email ILIKE `+p+`
			OR COALESCE(customer_company, '') ILIKE `+p+`
			OR plans::text ILIKE `+p+`)`)
	}
	if arg.CreatedAfter.Valid {
		conds = append(conds, "created_at >= "+next(arg.CreatedAfter.Time))
	}
	if arg.CreatedBefore.Valid {
		conds = append(conds, "created_at <= "+next(arg.CreatedBefore.Time))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// sortColumn whitelists sortable columns; anything else falls back to
// created_at.
func sortColumn(name string) string {
	switch name {
	case "updated_at", "total_price", "created_at":
		return name
	default:
		return "created_at"
	}
}

// ListSubscriptions returns one page of subscriptions matching the filters.
func (q *Queries) ListSubscriptions(ctx context.Context, arg ListSubscriptionsParams) ([]Subscription, error) {
	where, args := buildSubscriptionFilter(arg)

	direction := "ASC"
	if arg.SortDesc {
		direction = "DESC"
	}
	order := fmt.Sprintf(" ORDER BY %s %s", sortColumn(arg.SortBy), direction)

	args = append(args, arg.Limit)
	limit := fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, arg.Offset)
	offset := fmt.Sprintf(" OFFSET $%d", len(args))

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions` + where + order + limit + offset

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// CountSubscriptions returns the unpaged total for the same filters.
func (q *Queries) CountSubscriptions(ctx context.Context, arg ListSubscriptionsParams) (int64, error) {
	where, args := buildSubscriptionFilter(arg)

	var total int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`+where, args...).Scan(&total)
	return total, err
}
