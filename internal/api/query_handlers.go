/**
 * @description
 * Read-path handlers for the internal query interface. Other services (the UI
 * backend, analytics) read the reconciled entitlement state from here; nothing
 * on this path mutates billing state.
 */

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nowadays/billing-service/internal/store"
)

// QueryHandler serves the internal read endpoints over the reconciled state.
type QueryHandler struct {
	repo store.Repository
}

// NewQueryHandler creates a new QueryHandler.
func NewQueryHandler(repo store.Repository) *QueryHandler {
	return &QueryHandler{repo: repo}
}

// handleGetEntitlement returns the projected entitlement for a customer. A
// customer the engine has never seen resolves to the free plan with zero
// credits rather than a 404, so consumers need no special casing.
func (h *QueryHandler) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")

	ent, err := h.repo.GetEntitlementByCustomerID(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, store.ErrEntitlementNotFound) {
			respondWithJSON(w, http.StatusOK, map[string]interface{}{
				"customer_id":   customerID,
				"plan":          "free",
				"status":        "none",
				"bonus_credits": 0,
			})
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, ent)
}

// handleGetSubscription returns the raw subscription row for a customer.
func (h *QueryHandler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")

	sub, err := h.repo.GetSubscriptionByCustomerID(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			http.Error(w, "Subscription not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

// handleListPurchases returns the customer's purchase history for audit views.
func (h *QueryHandler) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	purchases, err := h.repo.ListPurchasesByCustomerID(r.Context(), customerID, limit, offset)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, purchases)
}
