/**
 * @description
 * Entitlement projection: the pure function that derives the externally visible
 * plan and credit balance from stored state. It performs no store or provider
 * calls and is recomputed in full on every reconciliation.
 */

package app

import (
	"time"

	"github.com/nowadays/billing-service/internal/domain"
)

// ProjectEntitlement computes the entitlement a customer currently holds.
// A nil subscription (credits-only customer) or a canceled one projects to the
// free plan; an expired window also projects down to free even before the
// sweeper or a provider event touches the row.
func ProjectEntitlement(customerID string, sub *domain.Subscription, credits int64, now time.Time) domain.Entitlement {
	ent := domain.Entitlement{
		CustomerID:   customerID,
		Plan:         domain.PlanFree,
		Status:       "none",
		BonusCredits: credits,
	}
	if sub == nil {
		return ent
	}

	ent.Status = sub.Status
	if sub.Status == domain.SubscriptionStatusCanceled {
		return ent
	}

	usableUntil := sub.CurrentPeriodEnd
	if sub.PremiumEnd != nil && sub.PremiumEnd.After(usableUntil) {
		usableUntil = *sub.PremiumEnd
	}
	if !usableUntil.IsZero() {
		ent.UsableUntil = &usableUntil
	}

	if !usableUntil.IsZero() && usableUntil.Before(now) {
		// Window lapsed without a renewal event; the paid plan is gone.
		return ent
	}

	ent.Plan = sub.Plan
	return ent
}
