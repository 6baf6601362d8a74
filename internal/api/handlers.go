/**
 * @description
 * This file contains the HTTP handler for the provider webhook endpoint. It is
 * the entry point for every billing lifecycle notification.
 *
 * Response contract (the "user" here is the provider's redelivery mechanism):
 * - 200: acknowledged, do not redeliver — covers processed, duplicate,
 *   deliberately ignored, unknown type, and terminal semantic failures.
 * - 401: signature verification failed; unauthenticated requests leave no
 *   trace beyond a log line.
 * - 500: transient internal failure; the transaction rolled back and the
 *   provider should redeliver.
 *
 * @dependencies
 * - net/http, encoding/json, io: Standard Go libraries.
 * - internal/app, internal/domain: Reconciliation service and event models.
 */

package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/nowadays/billing-service/internal/app"
	"github.com/nowadays/billing-service/internal/domain"
)

// EventProcessor is the reconciliation surface the webhook handler drives.
type EventProcessor interface {
	HandleEvent(ctx context.Context, ev *domain.WebhookEvent) (app.Result, error)
}

// WebhookHandler processes incoming billing webhooks from the payment provider.
type WebhookHandler struct {
	service   EventProcessor
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service EventProcessor, secret string, tolerance time.Duration) *WebhookHandler {
	return &WebhookHandler{
		service:   service,
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The signature covers the raw received bytes, so read the body before
	// any decoding.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"failed to read request body\" err=%v", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(h.secret, r.Header.Get(SignatureHeader), body, h.tolerance, h.now()); err != nil {
		// Not a processed event: no dedup record, no state, just a log line.
		log.Printf("level=warn component=webhook msg=\"signature verification failed\" remote=%s err=%v", r.RemoteAddr, err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event domain.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Authenticated but undecodable: acknowledge so the provider stops
		// redelivering a payload we can structurally never process.
		log.Printf("level=error component=webhook msg=\"undecodable event payload; acknowledged\" err=%v", err)
		respondWithJSON(w, http.StatusOK, app.Result{Status: app.StatusDiscarded, Reason: "undecodable payload"})
		return
	}

	result, err := h.service.HandleEvent(r.Context(), &event)
	if err != nil {
		// Transaction rolled back; the provider's redelivery is the retry.
		log.Printf("level=error component=webhook msg=\"transient failure; requesting redelivery\" event_id=%s event_type=%s err=%v", event.ID, event.Type, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
