/**
 * @description
 * This file sets up the HTTP router for the billing-service using the
 * go-chi/chi router. The webhook endpoint is public (authenticated by the
 * provider signature); the read path sits behind the internal API key and
 * permissive CORS for internal dashboards.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the billing-service routes.
func NewRouter(webhook *WebhookHandler, query *QueryHandler, internalAPIKey string, requestTimeout time.Duration) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Billing service is healthy"))
	})

	// Provider webhook; authenticated by signature, not by API key.
	r.Post("/webhooks/billing", webhook.ServeHTTP)

	// Internal read path for UI-facing services.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://*", "http://*"},
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", InternalAPIKeyHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Get("/internal/customers/{customerID}/entitlement", query.handleGetEntitlement)
		r.Get("/internal/customers/{customerID}/subscription", query.handleGetSubscription)
		r.Get("/internal/customers/{customerID}/purchases", query.handleListPurchases)
	})

	return r
}
