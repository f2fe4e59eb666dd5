package repository

import (
	"context"
)

// SubscriptionStatsRow is the single-row aggregate behind the admin
// dashboard counters.
type SubscriptionStatsRow struct {
	TotalSubscriptions   int64
	ActiveSubscriptions  int64
	OngoingSubscriptions int64
	OneTimePurchases     int64
	TotalRevenue         float64
	RevenueThisMonth     float64
	RevenueLastMonth     float64
}

// GetSubscriptionStats computes dashboard counters and revenue sums in a
// single pass. Revenue only counts succeeded payments.
func (q *Queries) GetSubscriptionStats(ctx context.Context) (SubscriptionStatsRow, error) {
	var s SubscriptionStatsRow
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE plan_type = 'ongoing'),
			COUNT(*) FILTER (WHERE plan_type = 'one-time'),
			COALESCE(SUM(total_price) FILTER (WHERE payment_status = 'succeeded'), 0),
			COALESCE(SUM(total_price) FILTER (
				WHERE payment_status = 'succeeded'
				AND created_at >= date_trunc('month', NOW())), 0),
			COALESCE(SUM(total_price) FILTER (
				WHERE payment_status = 'succeeded'
				AND created_at >= date_trunc('month', NOW()) - INTERVAL '1 month'
				AND created_at < date_trunc('month', NOW())), 0)
		FROM subscriptions`,
	).Scan(
		&s.TotalSubscriptions,
		&s.ActiveSubscriptions,
		&s.OngoingSubscriptions,
		&s.OneTimePurchases,
		&s.TotalRevenue,
		&s.RevenueThisMonth,
		&s.RevenueLastMonth,
	)
	return s, err
}

// PlanDistributionRow counts how often a plan title appears across all
// recorded purchases.
type PlanDistributionRow struct {
	Title string
	Count int64
}

// GetPlanDistribution unnests the plans JSONB arrays and counts purchases
// per plan title.
func (q *Queries) GetPlanDistribution(ctx context.Context) ([]PlanDistributionRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT plan->>'title' AS title, COUNT(*) AS count
		FROM subscriptions, jsonb_array_elements(plans) AS plan
		GROUP BY plan->>'title'
		ORDER BY count DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dist []PlanDistributionRow
	for rows.Next() {
		var r PlanDistributionRow
		if err := rows.Scan(&r.Title, &r.Count); err != nil {
			return nil, err
		}
		dist = append(dist, r)
	}
	return dist, rows.Err()
}

// ListRecentSubscriptions returns the newest records for the dashboard feed.
func (q *Queries) ListRecentSubscriptions(ctx context.Context, limit int32) ([]Subscription, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 ORDER BY created_at DESC
		 LIMIT $1`, limit)
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
