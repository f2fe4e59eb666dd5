package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlanType distinguishes the two purchase modes a Subscription records.
type PlanType string

const (
	PlanTypeOneTime PlanType = "one-time"
	PlanTypeOngoing PlanType = "ongoing"
)

// PaymentStatus reflects what the payment processor reported for the
// purchase that created this record.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// SubscriptionStatus is the lifecycle status of a Subscription record.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusInactive  SubscriptionStatus = "inactive"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// CustomerSnapshot is the customer's contact details frozen at purchase
// time. There is no customer account entity; customers are identified only
// by email at purchase time.
type CustomerSnapshot struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
}

// DisplayName returns the customer's full name for documents and emails.
func (c CustomerSnapshot) DisplayName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Subscription is the durable record of what was purchased. It is created
// only by the webhook reconciler on the first confirmed payment event — an
// abandoned checkout never produces a record.
//
// Exactly one Subscription exists per (PaymentIntentID, PlanType) pair;
// that compound key is the idempotency guard against duplicate webhook
// delivery.
type Subscription struct {
	ID                    uuid.UUID
	Plans                 []PlanLine
	TotalPrice            float64 // server-computed sum of Plans[].Price
	Customer              CustomerSnapshot
	PlanType              PlanType
	PaymentIntentID       string
	StripeSubscriptionID  string // ongoing only; empty for one-time
	StripeCustomerID      string
	PaymentStatus         PaymentStatus
	Status                SubscriptionStatus
	NextBillingDate       *time.Time
	AutoRenew             bool
	CancelledAt           *time.Time
	ConfirmationEmailSent bool
	InvoiceEmailSent      bool
	Metadata              json.RawMessage // free-form admin notes
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Derived read-time fields. These are computed from the source-of-truth
// Plans slice and never persisted, so they cannot drift.

// PlanCount returns the number of plan lines on the record.
func (s *Subscription) PlanCount() int {
	return len(s.Plans)
}

// TotalEmployees sums the employee count across all plan lines.
func (s *Subscription) TotalEmployees() int {
	var total int
	for _, p := range s.Plans {
		total += p.EmployeeCount
	}
	return total
}

// PlanTitles returns a comma-separated string of the plan titles.
func (s *Subscription) PlanTitles() string {
	titles := make([]string, 0, len(s.Plans))
	for _, p := range s.Plans {
		titles = append(titles, p.Title)
	}
	return strings.Join(titles, ", ")
}

// IsActiveOngoing reports whether this record is a live recurring
// subscription.
func (s *Subscription) IsActiveOngoing() bool {
	return s.PlanType == PlanTypeOngoing && s.Status == SubscriptionStatusActive
}

// ListSubscriptionsFilter carries the admin list endpoint's optional
// filters. Zero values mean "no filter".
type ListSubscriptionsFilter struct {
	Statuses      []SubscriptionStatus
	PaymentStatus PaymentStatus
	PlanType      PlanType
	PlanTitle     string
	EmailContains string
	Search        string // free text across customer fields and plan titles
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	SortBy        string // created_at, updated_at, total_price
	SortDesc      bool
	Limit         int32
	Offset        int32
}

// ListSubscriptionsResult is a page of subscriptions plus the unpaged total.
type ListSubscriptionsResult struct {
	Subscriptions []Subscription
	Total         int64
	Limit         int32
	Offset        int32
}

// DashboardStats is the aggregate view backing the admin dashboard.
type DashboardStats struct {
	TotalSubscriptions   int64
	ActiveSubscriptions  int64
	OngoingSubscriptions int64
	OneTimePurchases     int64
	TotalRevenue         float64
	RevenueThisMonth     float64
	RevenueLastMonth     float64
	GrowthPercent        float64 // month-over-month revenue growth
	PlanDistribution     map[string]int64
	RecentSubscriptions  []Subscription
}
