package app

import (
	"context"
	"testing"
	"time"

	"github.com/nowadays/billing-service/internal/domain"
)

func TestSweeperRunOnce(t *testing.T) {
	repo := newMemoryStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	lapsedEnd := now.Add(-time.Hour)
	activeEnd := now.Add(24 * time.Hour)

	// cus_lapsed holds a premium entitlement whose window has passed without a
	// renewal or deletion event ever arriving.
	repo.subscriptions["cus_lapsed"] = &domain.Subscription{
		CustomerID:       "cus_lapsed",
		Plan:             domain.PlanPremium,
		Status:           domain.SubscriptionStatusActive,
		CurrentPeriodEnd: lapsedEnd,
	}
	repo.balances["cus_lapsed"] = 40
	repo.entitlements["cus_lapsed"] = domain.Entitlement{
		CustomerID:   "cus_lapsed",
		Plan:         domain.PlanPremium,
		Status:       domain.SubscriptionStatusActive,
		UsableUntil:  &lapsedEnd,
		BonusCredits: 40,
	}

	// cus_active is inside its window and must not be touched.
	repo.subscriptions["cus_active"] = &domain.Subscription{
		CustomerID:       "cus_active",
		Plan:             domain.PlanBasic,
		Status:           domain.SubscriptionStatusActive,
		CurrentPeriodEnd: activeEnd,
	}
	repo.entitlements["cus_active"] = domain.Entitlement{
		CustomerID:  "cus_active",
		Plan:        domain.PlanBasic,
		Status:      domain.SubscriptionStatusActive,
		UsableUntil: &activeEnd,
	}

	sweeper := NewSweeper(repo, "* * * * *")
	sweeper.now = func() time.Time { return now }

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	lapsed := repo.entitlements["cus_lapsed"]
	if lapsed.Plan != domain.PlanFree {
		t.Errorf("lapsed entitlement must downgrade to free, got %s", lapsed.Plan)
	}
	if lapsed.BonusCredits != 40 {
		t.Errorf("downgrade must not touch credits, got %d", lapsed.BonusCredits)
	}

	active := repo.entitlements["cus_active"]
	if active.Plan != domain.PlanBasic {
		t.Errorf("active entitlement must be untouched, got %s", active.Plan)
	}
}
