/**
 * @description
 * This file defines the Go structs that model the incoming webhook payloads from
 * the payment provider. The envelope carries an event id, a type string, and a
 * raw `data.object` payload that is decoded into one of the typed objects below
 * depending on the event type.
 *
 * @notes
 * - `Data.Object` is kept as json.RawMessage so each handler decodes only the
 *   shape it needs; the provider's event catalog evolves independently of us.
 * - Timestamps arrive as unix seconds, matching the provider wire format.
 */

package domain

import (
	"encoding/json"
	"time"
)

// Provider event types this service reconciles. Anything else is acknowledged
// and recorded as ignored so the provider does not redeliver it.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// Checkout session modes.
const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
)

// WebhookEvent is the top-level provider event envelope.
type WebhookEvent struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"` // unix seconds
	Data    EventData `json:"data"`
}

// EventData wraps the raw resource payload of an event.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// CreatedAt returns the event's own timestamp as a time.Time.
func (e *WebhookEvent) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// CheckoutSession is the payload of a checkout.session.completed event.
type CheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription,omitempty"`
	PriceID      string            `json:"price_id"`
	AmountTotal  int64             `json:"amount_total"`
	Currency     string            `json:"currency"`
	PeriodStart  int64             `json:"period_start,omitempty"`
	PeriodEnd    int64             `json:"period_end,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SubscriptionObject is the payload of customer.subscription.updated and
// customer.subscription.deleted events.
type SubscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	PriceID            string `json:"price_id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAt           *int64 `json:"cancel_at,omitempty"`
	CanceledAt         *int64 `json:"canceled_at,omitempty"`
}

// InvoiceObject is the payload of invoice.paid and invoice.payment_failed
// events.
type InvoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	PeriodStart  int64  `json:"period_start,omitempty"`
	PeriodEnd    int64  `json:"period_end,omitempty"`
}

// UnixToTime converts a provider unix-seconds timestamp to UTC time.
// A zero value maps to the zero time, which callers treat as "not supplied".
func UnixToTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// UnixToTimePtr converts an optional unix timestamp to an optional time.
func UnixToTimePtr(ts *int64) *time.Time {
	if ts == nil || *ts == 0 {
		return nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t
}
