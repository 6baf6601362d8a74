package app

import (
	"testing"
	"time"

	"github.com/nowadays/billing-service/internal/domain"
)

func TestProjectEntitlement(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(20 * 24 * time.Hour)
	past := now.Add(-2 * 24 * time.Hour)
	farFuture := now.Add(45 * 24 * time.Hour)

	cases := []struct {
		name        string
		sub         *domain.Subscription
		credits     int64
		wantPlan    domain.Plan
		wantStatus  string
		wantUsable  *time.Time
		wantCredits int64
	}{
		{
			name:       "no subscription projects free",
			sub:        nil,
			wantPlan:   domain.PlanFree,
			wantStatus: "none",
		},
		{
			name:        "credits survive without a subscription",
			sub:         nil,
			credits:     120,
			wantPlan:    domain.PlanFree,
			wantStatus:  "none",
			wantCredits: 120,
		},
		{
			name: "active subscription projects its plan",
			sub: &domain.Subscription{
				Plan:             domain.PlanPremium,
				Status:           domain.SubscriptionStatusActive,
				CurrentPeriodEnd: future,
			},
			wantPlan:   domain.PlanPremium,
			wantStatus: domain.SubscriptionStatusActive,
			wantUsable: &future,
		},
		{
			name: "past_due keeps the plan while the window holds",
			sub: &domain.Subscription{
				Plan:             domain.PlanBasic,
				Status:           domain.SubscriptionStatusPastDue,
				CurrentPeriodEnd: future,
			},
			wantPlan:   domain.PlanBasic,
			wantStatus: domain.SubscriptionStatusPastDue,
			wantUsable: &future,
		},
		{
			name: "canceled projects free regardless of window",
			sub: &domain.Subscription{
				Plan:             domain.PlanPremium,
				Status:           domain.SubscriptionStatusCanceled,
				CurrentPeriodEnd: future,
			},
			wantPlan:   domain.PlanFree,
			wantStatus: domain.SubscriptionStatusCanceled,
		},
		{
			name: "lapsed window projects free before any event arrives",
			sub: &domain.Subscription{
				Plan:             domain.PlanPremium,
				Status:           domain.SubscriptionStatusActive,
				CurrentPeriodEnd: past,
			},
			wantPlan:   domain.PlanFree,
			wantStatus: domain.SubscriptionStatusActive,
			wantUsable: &past,
		},
		{
			name: "one-time premium window outlasts the period end",
			sub: &domain.Subscription{
				Plan:             domain.PlanPremium,
				Status:           domain.SubscriptionStatusActive,
				CurrentPeriodEnd: past,
				PremiumEnd:       &farFuture,
			},
			wantPlan:   domain.PlanPremium,
			wantStatus: domain.SubscriptionStatusActive,
			wantUsable: &farFuture,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ent := ProjectEntitlement("cus_1", tc.sub, tc.credits, now)
			if ent.CustomerID != "cus_1" {
				t.Errorf("customer id: got %q", ent.CustomerID)
			}
			if ent.Plan != tc.wantPlan {
				t.Errorf("plan: got %s, want %s", ent.Plan, tc.wantPlan)
			}
			if ent.Status != tc.wantStatus {
				t.Errorf("status: got %s, want %s", ent.Status, tc.wantStatus)
			}
			if ent.BonusCredits != tc.wantCredits {
				t.Errorf("bonus credits: got %d, want %d", ent.BonusCredits, tc.wantCredits)
			}
			switch {
			case tc.wantUsable == nil && ent.UsableUntil != nil:
				t.Errorf("usable_until: got %v, want nil", ent.UsableUntil)
			case tc.wantUsable != nil && (ent.UsableUntil == nil || !ent.UsableUntil.Equal(*tc.wantUsable)):
				t.Errorf("usable_until: got %v, want %v", ent.UsableUntil, *tc.wantUsable)
			}
		})
	}
}
