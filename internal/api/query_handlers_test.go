package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nowadays/billing-service/internal/domain"
	"github.com/nowadays/billing-service/internal/store"
)

// stubRepo embeds the Repository interface and overrides only the read path;
// calling anything else panics, which is what we want in these tests.
type stubRepo struct {
	store.Repository
	entitlements  map[string]*domain.Entitlement
	subscriptions map[string]*domain.Subscription
	purchases     map[string][]domain.Purchase
}

func (s *stubRepo) GetEntitlementByCustomerID(ctx context.Context, customerID string) (*domain.Entitlement, error) {
	if ent, ok := s.entitlements[customerID]; ok {
		return ent, nil
	}
	return nil, store.ErrEntitlementNotFound
}

func (s *stubRepo) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	if sub, ok := s.subscriptions[customerID]; ok {
		return sub, nil
	}
	return nil, store.ErrSubscriptionNotFound
}

func (s *stubRepo) ListPurchasesByCustomerID(ctx context.Context, customerID string, limit, offset int) ([]domain.Purchase, error) {
	return s.purchases[customerID], nil
}

const testInternalKey = "internal_test_key"

func newTestRouter(repo store.Repository) http.Handler {
	webhook := NewWebhookHandler(&stubProcessor{}, testSecret, 5*time.Minute)
	return NewRouter(webhook, NewQueryHandler(repo), testInternalKey, 10*time.Second)
}

func internalGet(t *testing.T, handler http.Handler, path, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set(InternalAPIKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestInternalRoutesRequireAPIKey(t *testing.T) {
	router := newTestRouter(&stubRepo{})

	for _, key := range []string{"", "wrong_key"} {
		rec := internalGet(t, router, "/internal/customers/cus_1/entitlement", key)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("key %q: expected 401, got %d", key, rec.Code)
		}
	}
}

func TestGetEntitlement(t *testing.T) {
	until := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	router := newTestRouter(&stubRepo{
		entitlements: map[string]*domain.Entitlement{
			"cus_1": {
				CustomerID:   "cus_1",
				Plan:         domain.PlanPremium,
				Status:       domain.SubscriptionStatusActive,
				UsableUntil:  &until,
				BonusCredits: 70,
			},
		},
	})

	rec := internalGet(t, router, "/internal/customers/cus_1/entitlement", testInternalKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ent domain.Entitlement
	if err := json.Unmarshal(rec.Body.Bytes(), &ent); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if ent.Plan != domain.PlanPremium || ent.BonusCredits != 70 {
		t.Errorf("unexpected entitlement: %+v", ent)
	}

	// A customer the engine has never seen gets the free default, not a 404.
	rec = internalGet(t, router, "/internal/customers/cus_unseen/entitlement", testInternalKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown customer: expected 200, got %d", rec.Code)
	}
	var fallback map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &fallback); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if fallback["plan"] != "free" {
		t.Errorf("expected free fallback plan, got %v", fallback["plan"])
	}
}

func TestGetSubscription(t *testing.T) {
	router := newTestRouter(&stubRepo{
		subscriptions: map[string]*domain.Subscription{
			"cus_1": {
				CustomerID:             "cus_1",
				Plan:                   domain.PlanBasic,
				ProviderSubscriptionID: "sub_1",
				Status:                 domain.SubscriptionStatusActive,
			},
		},
	})

	rec := internalGet(t, router, "/internal/customers/cus_1/subscription", testInternalKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sub domain.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if sub.ProviderSubscriptionID != "sub_1" {
		t.Errorf("unexpected subscription: %+v", sub)
	}

	rec = internalGet(t, router, "/internal/customers/cus_unseen/subscription", testInternalKey)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown customer: expected 404, got %d", rec.Code)
	}
}

func TestListPurchases(t *testing.T) {
	router := newTestRouter(&stubRepo{
		purchases: map[string][]domain.Purchase{
			"cus_1": {
				{ProviderSessionID: "cs_1", CustomerID: "cus_1", ProductType: domain.ProductTypeCreditPack, CreditsGranted: 50, Status: "paid"},
				{ProviderSessionID: "cs_2", CustomerID: "cus_1", ProductType: domain.ProductTypeOther, Amount: 1500, Status: "paid"},
			},
		},
	})

	rec := internalGet(t, router, "/internal/customers/cus_1/purchases?limit=10", testInternalKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var purchases []domain.Purchase
	if err := json.Unmarshal(rec.Body.Bytes(), &purchases); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(purchases) != 2 {
		t.Errorf("expected 2 purchases, got %d", len(purchases))
	}
}
