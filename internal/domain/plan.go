// Package domain contains the core types and business rules for the
// Castellan subscription-commerce platform.
//
// This file holds the fixed plan catalog and the cart classifier. The
// classifier is pure: it decides which of the two supported purchase
// flows a requested cart falls into, without touching I/O.
package domain

// Plan catalog. The set of purchasable titles is fixed; anything outside
// it is rejected at classification time.
const (
	// RecurringPlanTitle is the single recognized monthly plan.
	RecurringPlanTitle = "vCISO On-Demand"

	PlanStartupLaunchpad     = "Startup Security Launchpad"
	PlanArchitectureReview   = "Security Architecture Review"
	PlanComplianceAssessment = "Compliance Gap Assessment"
	PlanPentestEssentials    = "Penetration Test Essentials"
)

// MaxOneTimePlans is the maximum number of plan lines in a one-time cart.
const MaxOneTimePlans = 3

// oneTimePlanTitles is the fixed set of titles purchasable as a one-time bundle.
var oneTimePlanTitles = map[string]bool{
	PlanStartupLaunchpad:     true,
	PlanArchitectureReview:   true,
	PlanComplianceAssessment: true,
	PlanPentestEssentials:    true,
}

// IsOneTimePlanTitle reports whether title is a member of the one-time catalog.
func IsOneTimePlanTitle(title string) bool {
	return oneTimePlanTitles[title]
}

// PlanLine is one purchasable unit as requested by the client and recorded
// on a Subscription. Immutable once embedded in a Subscription.
type PlanLine struct {
	Title         string  `json:"title"`
	EmployeeCount int     `json:"employeeCount"`
	Price         float64 `json:"price"`
}

// RequestKind tags the outcome of cart classification.
type RequestKind string

const (
	KindInvalid RequestKind = "invalid"
	KindOneTime RequestKind = "one-time"
	KindOngoing RequestKind = "ongoing"
)

// ClassifiedRequest is the transient result of classifying a cart. It is
// produced by Classify and consumed immediately by the checkout service;
// it is never persisted.
type ClassifiedRequest struct {
	Kind   RequestKind
	Items  []PlanLine // populated for one-time carts (1-3 lines)
	Plan   PlanLine   // populated for the ongoing plan
	Reason string     // populated when Kind == KindInvalid
}

// Classify sorts a requested cart into exactly one of the two supported
// purchase flows.
//
// Rules:
//   - empty cart -> invalid
//   - exactly one line whose title is the recurring title -> ongoing
//   - 1-3 lines, every title in the one-time catalog -> one-time
//   - anything else -> invalid
//
// A single-line cart with a one-time title classifies as one-time, never
// ongoing: the ongoing classification requires an exact title match, not
// merely cardinality.
func Classify(lines []PlanLine) ClassifiedRequest {
	if len(lines) == 0 {
		return ClassifiedRequest{Kind: KindInvalid, Reason: "No plans provided"}
	}

	if len(lines) == 1 && lines[0].Title == RecurringPlanTitle {
		return ClassifiedRequest{Kind: KindOngoing, Plan: lines[0]}
	}

	if len(lines) <= MaxOneTimePlans {
		allOneTime := true
		for _, line := range lines {
			if !oneTimePlanTitles[line.Title] {
				allOneTime = false
				break
			}
		}
		if allOneTime {
			return ClassifiedRequest{Kind: KindOneTime, Items: lines}
		}
	}

	return ClassifiedRequest{Kind: KindInvalid, Reason: "Plans do not match supported request types"}
}

// ComputeTotal sums the price of every plan line. The result is the only
// total downstream components use; client-declared totals are never trusted.
func ComputeTotal(lines []PlanLine) float64 {
	var total float64
	for _, line := range lines {
		total += line.Price
	}
	return total
}
