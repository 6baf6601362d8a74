/**
 * @description
 * This file defines the core domain models for the billing-service: the local,
 * authoritative record of each customer's subscription, one-time purchases, and
 * prepaid credit balance, plus the derived entitlement that other services read.
 *
 * @notes
 * - Monetary amounts are stored as `int64` in the smallest currency unit to
 *   avoid floating-point inaccuracies with financial data.
 * - Subscriptions are never physically deleted; cancellation is a soft,
 *   terminal status transition so the full billing history stays auditable.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Plan identifies the entitlement tier a customer is on.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic_tier"
	PlanPremium Plan = "premium_tier"
)

// Subscription status values. `canceled` is terminal: once a subscription row
// reaches it, only a checkout for a new provider subscription id can replace it.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// Subscription is the authoritative local record of a customer's recurring
// plan, keyed by customer id (at most one non-canceled row per customer).
type Subscription struct {
	CustomerID             string     `json:"customer_id"`
	Plan                   Plan       `json:"plan"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	ProviderPriceID        string     `json:"provider_price_id"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     time.Time  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	CancelAt               *time.Time `json:"cancel_at,omitempty"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
	PremiumStart           *time.Time `json:"premium_start,omitempty"`
	PremiumEnd             *time.Time `json:"premium_end,omitempty"`
	CyclesPaid             int        `json:"cycles_paid"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Product types recognized for one-time checkout purchases.
const (
	ProductTypeCreditPack  = "credit_pack"
	ProductTypeOneTimePlan = "one_time_plan"
	ProductTypeOther       = "other"
)

// Purchase is the immutable record of a completed one-time payment. A given
// provider checkout-session id is written at most once.
type Purchase struct {
	ID                uuid.UUID `json:"id"`
	ProviderSessionID string    `json:"provider_session_id"`
	CustomerID        string    `json:"customer_id"`
	ProductType       string    `json:"product_type"`
	Amount            int64     `json:"amount"` // smallest currency unit
	Currency          string    `json:"currency"`
	CreditsGranted    int64     `json:"credits_granted"`
	Status            string    `json:"status"` // always 'paid'
	CreatedAt         time.Time `json:"created_at"`
}

// CreditLedger is the aggregate view of a customer's bonus credit balance.
// The balance is monotonically non-decreasing: increments are append-only
// additions tied to credit-pack purchases, never a blind overwrite.
type CreditLedger struct {
	CustomerID string    `json:"customer_id"`
	Balance    int64     `json:"balance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EventOutcome records how a provider event resolved once processed.
type EventOutcome string

const (
	OutcomeApplied EventOutcome = "applied"
	OutcomeIgnored EventOutcome = "ignored"
	OutcomeFailed  EventOutcome = "failed"
)

// ProcessedEvent is the dedup/audit record for a provider event id. The row is
// written in the same transaction as the event's side effect, so a commit can
// never leave a recorded event without its effect (or vice versa).
type ProcessedEvent struct {
	ProviderEventID string       `json:"provider_event_id"`
	EventType       string       `json:"event_type"`
	Outcome         EventOutcome `json:"outcome"`
	FailureReason   *string      `json:"failure_reason,omitempty"`
	ProcessedAt     time.Time    `json:"processed_at"`
}

// Entitlement is the derived, externally-consumed summary of what a customer
// is currently allowed to use. It is recomputed in full on every applied
// event rather than patched incrementally.
type Entitlement struct {
	CustomerID   string     `json:"customer_id"`
	Plan         Plan       `json:"plan"`
	Status       string     `json:"status"`
	UsableUntil  *time.Time `json:"usable_until,omitempty"`
	BonusCredits int64      `json:"bonus_credits"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
