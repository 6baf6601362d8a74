/**
 * @description
 * This file contains the core reconciliation logic for the billing-service: the
 * mapping from provider event types to handlers, and the handlers themselves,
 * which apply each event's effect to the Subscription, Purchase, and
 * CreditLedger entities inside the event transaction opened by the store.
 *
 * The correctness contract, in order:
 * - Dedup: the store claims the provider event id inside the same transaction
 *   as the side effect, so replaying an event N times applies it once.
 * - Ordering: events for one subscription are ordered by their own period
 *   window, not by delivery order; stale updates resolve as `ignored`.
 * - Terminal cancellation: a canceled subscription row accepts no further
 *   updates; a new subscription arrives under a new provider subscription id.
 * - Every applied event ends with a full entitlement recompute, never an
 *   incremental patch, so conflicting or ignored events cannot leave a stale
 *   derived value.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and the transactional store.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nowadays/billing-service/internal/domain"
	"github.com/nowadays/billing-service/internal/store"
)

// Publisher is the outbound event interface; the RabbitMQ producer implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// PlanRules is the externally supplied classification configuration: which
// provider price ids map to which plans and credit packs.
type PlanRules struct {
	SubscriptionPlans map[string]domain.Plan // price id -> recurring plan
	CreditPacks       map[string]int64       // price id -> credits granted
	OneTimePlans      map[string]domain.Plan // price id -> plan-equivalent one-time purchase
	OneTimePlanWindow time.Duration          // entitlement window for one-time plan purchases
}

// Status summarizes how a webhook delivery resolved, for the HTTP layer.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
	StatusDiscarded Status = "discarded" // terminal failure, acknowledged and logged
)

// Result is the acknowledged (non-retryable) outcome of one delivery.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// EntitlementUpdatedEvent is published to RabbitMQ after an applied event so
// downstream services can react to entitlement changes without polling.
type EntitlementUpdatedEvent struct {
	CustomerID   string      `json:"customer_id"`
	Plan         domain.Plan `json:"plan"`
	Status       string      `json:"status"`
	BonusCredits int64       `json:"bonus_credits"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Service reconciles provider webhook events against the local billing state.
type Service struct {
	repo      store.Repository
	rules     PlanRules
	publisher Publisher   // may be nil; fanout is best effort
	dedup     *DedupCache // may be nil; fast path only, DB constraint is authoritative
	now       func() time.Time
}

// NewService creates the reconciliation service.
func NewService(repo store.Repository, rules PlanRules, publisher Publisher, dedup *DedupCache) *Service {
	return &Service{
		repo:      repo,
		rules:     rules,
		publisher: publisher,
		dedup:     dedup,
		now:       time.Now,
	}
}

// eventHandler applies one event type inside the transaction. It returns the
// resolution, and the customer id whose entitlement must be recomputed when
// the resolution is `applied`.
type eventHandler func(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent) (store.Resolution, string, error)

func (s *Service) route(eventType string) (eventHandler, bool) {
	switch eventType {
	case domain.EventCheckoutSessionCompleted:
		return s.handleCheckoutCompleted, true
	case domain.EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated, true
	case domain.EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted, true
	case domain.EventInvoicePaid:
		return s.handleInvoicePaid, true
	case domain.EventInvoicePaymentFailed:
		return s.handleInvoicePaymentFailed, true
	}
	return nil, false
}

// HandleEvent processes one verified provider event. A returned error means
// the transaction rolled back and the caller should answer with a retryable
// status; any Result is a final acknowledgment.
func (s *Service) HandleEvent(ctx context.Context, ev *domain.WebhookEvent) (Result, error) {
	if ev.ID == "" || ev.Type == "" {
		// Without an event id there is nothing to dedup or record; log loudly
		// and acknowledge so the provider stops redelivering it.
		log.Printf("level=error component=reconciler msg=\"event missing id or type; discarding\" event_id=%q event_type=%q", ev.ID, ev.Type)
		return Result{Status: StatusDiscarded, Reason: "event missing id or type"}, nil
	}

	// Cheap short-circuit for redeliveries. The unique constraint inside the
	// event transaction is the actual correctness mechanism.
	if s.dedup.Seen(ctx, ev.ID) {
		return Result{Status: StatusDuplicate}, nil
	}

	handler, known := s.route(ev.Type)
	if !known {
		// The provider's event catalog evolves independently of this service;
		// unhandled types are recorded and acknowledged, never failed.
		handler = func(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent) (store.Resolution, string, error) {
			return ignored("unhandled event type"), "", nil
		}
	}

	var updated *domain.Entitlement
	res, err := s.repo.ProcessEvent(ctx, ev.ID, ev.Type, func(ctx context.Context, tx store.EventTx) (store.Resolution, error) {
		resolution, customerID, err := handler(ctx, tx, ev)
		if err != nil {
			return store.Resolution{}, err
		}
		if resolution.Outcome == domain.OutcomeApplied && customerID != "" {
			ent, err := s.recomputeEntitlement(ctx, tx, customerID)
			if err != nil {
				return store.Resolution{}, err
			}
			updated = ent
		}
		return resolution, nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Duplicate {
		return Result{Status: StatusDuplicate}, nil
	}

	s.dedup.Mark(ctx, ev.ID)

	switch res.Outcome {
	case domain.OutcomeApplied:
		if updated != nil {
			s.publishEntitlementUpdated(ctx, updated)
		}
		return Result{Status: StatusProcessed}, nil
	case domain.OutcomeIgnored:
		log.Printf("level=info component=reconciler msg=\"event ignored\" event_id=%s event_type=%s reason=%q", ev.ID, ev.Type, res.Reason)
		return Result{Status: StatusIgnored, Reason: res.Reason}, nil
	default:
		log.Printf("level=error component=reconciler msg=\"terminal event failure; acknowledged for manual follow-up\" event_id=%s event_type=%s reason=%q", ev.ID, ev.Type, res.Reason)
		return Result{Status: StatusDiscarded, Reason: res.Reason}, nil
	}
}

// recomputeEntitlement projects the customer's entitlement from stored state
// and persists it in the same transaction as the mutation it follows.
func (s *Service) recomputeEntitlement(ctx context.Context, tx store.EventTx, customerID string) (*domain.Entitlement, error) {
	sub, err := tx.GetSubscriptionForUpdate(ctx, customerID)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, err
	}
	balance, err := tx.GetCreditBalance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	ent := ProjectEntitlement(customerID, sub, balance, s.now())
	if err := tx.SaveEntitlement(ctx, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (s *Service) publishEntitlementUpdated(ctx context.Context, ent *domain.Entitlement) {
	if s.publisher == nil {
		return
	}
	event := EntitlementUpdatedEvent{
		CustomerID:   ent.CustomerID,
		Plan:         ent.Plan,
		Status:       ent.Status,
		BonusCredits: ent.BonusCredits,
		Timestamp:    s.now(),
	}
	if err := s.publisher.Publish(ctx, "billing_events", "entitlement.updated", event); err != nil {
		// Fanout is best effort; the webhook must not fail (and be redelivered)
		// because a downstream notification could not be published.
		log.Printf("level=warn component=reconciler msg=\"entitlement.updated publish failed\" customer_id=%s err=%v", ent.CustomerID, err)
	}
}

// handleCheckoutCompleted processes checkout.session.completed in both modes:
// subscription activation, and one-time payments (credit packs, plan-equivalent
// one-time purchases, and anything else as a plain purchase record).
func (s *Service) handleCheckoutCompleted(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent) (store.Resolution, string, error) {
	var session domain.CheckoutSession
	if err := json.Unmarshal(ev.Data.Object, &session); err != nil {
		return failed("malformed checkout session payload"), "", nil
	}
	if session.Customer == "" {
		return failed("checkout session missing customer id"), "", nil
	}
	if err := tx.LockCustomer(ctx, session.Customer); err != nil {
		return store.Resolution{}, "", err
	}

	switch session.Mode {
	case domain.CheckoutModeSubscription:
		return s.applySubscriptionCheckout(ctx, tx, ev, &session)
	case domain.CheckoutModePayment:
		return s.applyOneTimeCheckout(ctx, tx, &session)
	}
	return failed(fmt.Sprintf("unsupported checkout mode %q", session.Mode)), "", nil
}

func (s *Service) applySubscriptionCheckout(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent, session *domain.CheckoutSession) (store.Resolution, string, error) {
	plan, ok := s.rules.SubscriptionPlans[session.PriceID]
	if !ok {
		return failed(fmt.Sprintf("no plan mapping for price %q", session.PriceID)), "", nil
	}

	periodStart := domain.UnixToTime(session.PeriodStart)
	periodEnd := domain.UnixToTime(session.PeriodEnd)
	if periodStart.IsZero() || periodEnd.IsZero() {
		return failed("subscription checkout missing period window"), "", nil
	}

	existing, err := tx.GetSubscriptionForUpdate(ctx, session.Customer)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return store.Resolution{}, "", err
	}

	cyclesPaid := 0
	if existing != nil && existing.ProviderSubscriptionID == session.Subscription {
		// Redundant activation for a subscription we already track: keep the
		// paid-cycle counter, and drop the event when its window is older.
		if existing.Status == domain.SubscriptionStatusCanceled {
			return ignored("subscription already canceled"), "", nil
		}
		if periodStart.Before(existing.CurrentPeriodStart) {
			return ignored("stale period window"), "", nil
		}
		cyclesPaid = existing.CyclesPaid
	}

	sub := &domain.Subscription{
		CustomerID:             session.Customer,
		Plan:                   plan,
		ProviderSubscriptionID: session.Subscription,
		ProviderPriceID:        session.PriceID,
		Status:                 domain.SubscriptionStatusActive,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
		CyclesPaid:             cyclesPaid,
	}
	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return store.Resolution{}, "", err
	}
	return applied(), session.Customer, nil
}

func (s *Service) applyOneTimeCheckout(ctx context.Context, tx store.EventTx, session *domain.CheckoutSession) (store.Resolution, string, error) {
	productType, credits, plan, res := s.classifyOneTimePurchase(session)
	if res != nil {
		return *res, "", nil
	}

	purchase := &domain.Purchase{
		ID:                uuid.New(),
		ProviderSessionID: session.ID,
		CustomerID:        session.Customer,
		ProductType:       productType,
		Amount:            session.AmountTotal,
		Currency:          session.Currency,
		CreditsGranted:    credits,
		Status:            "paid",
	}
	inserted, err := tx.InsertPurchase(ctx, purchase)
	if err != nil {
		return store.Resolution{}, "", err
	}
	if !inserted {
		// The session was already recorded under another event id; granting
		// again would pay the purchase out twice.
		return ignored("checkout session already recorded"), "", nil
	}

	switch productType {
	case domain.ProductTypeCreditPack:
		// Locked read-then-add: two concurrent packs for the same customer
		// must never read the same starting balance.
		balance, err := tx.GetCreditBalanceForUpdate(ctx, session.Customer)
		if err != nil {
			return store.Resolution{}, "", err
		}
		if err := tx.SetCreditBalance(ctx, session.Customer, balance+credits); err != nil {
			return store.Resolution{}, "", err
		}

	case domain.ProductTypeOneTimePlan:
		now := s.now()
		windowEnd := now.Add(s.rules.OneTimePlanWindow)
		existing, err := tx.GetSubscriptionForUpdate(ctx, session.Customer)
		if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
			return store.Resolution{}, "", err
		}
		sub := &domain.Subscription{
			CustomerID:         session.Customer,
			Plan:               plan,
			ProviderPriceID:    session.PriceID,
			Status:             domain.SubscriptionStatusActive,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   windowEnd,
			PremiumStart:       &now,
			PremiumEnd:         &windowEnd,
		}
		if existing != nil {
			sub.CyclesPaid = existing.CyclesPaid
		}
		if err := tx.UpsertSubscription(ctx, sub); err != nil {
			return store.Resolution{}, "", err
		}
	}

	return applied(), session.Customer, nil
}

// classifyOneTimePurchase resolves the product type of a payment-mode checkout
// from its metadata first, then the configured price tables. A non-nil
// resolution means the session is structurally unprocessable.
func (s *Service) classifyOneTimePurchase(session *domain.CheckoutSession) (productType string, credits int64, plan domain.Plan, res *store.Resolution) {
	if session.Metadata["product_type"] == domain.ProductTypeCreditPack {
		parsed, err := strconv.ParseInt(session.Metadata["credits"], 10, 64)
		if err != nil || parsed <= 0 {
			r := failed(fmt.Sprintf("credit pack session %q has invalid credits metadata %q", session.ID, session.Metadata["credits"]))
			return "", 0, "", &r
		}
		return domain.ProductTypeCreditPack, parsed, "", nil
	}
	if packSize, ok := s.rules.CreditPacks[session.PriceID]; ok {
		return domain.ProductTypeCreditPack, packSize, "", nil
	}
	if mapped, ok := s.rules.OneTimePlans[session.PriceID]; ok {
		return domain.ProductTypeOneTimePlan, 0, mapped, nil
	}
	return domain.ProductTypeOther, 0, "", nil
}

// handleSubscriptionUpdated applies customer.subscription.updated under the
// monotonic ordering rule: an incoming period start older than the stored one
// is dropped as out-of-order unless the event is a cancellation signal.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent) (store.Resolution, string, error) {
	var obj domain.SubscriptionObject
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return failed("malformed subscription payload"), "", nil
	}
	if obj.Customer == "" {
		return failed("subscription event missing customer id"), "", nil
	}
	if err := tx.LockCustomer(ctx, obj.Customer); err != nil {
		return store.Resolution{}, "", err
	}

	existing, err := tx.GetSubscriptionForUpdate(ctx, obj.Customer)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return failed("no subscription on record for customer"), "", nil
		}
		return store.Resolution{}, "", err
	}
	if obj.ID != "" && existing.ProviderSubscriptionID != obj.ID {
		// A replaced subscription keeps emitting events until the provider
		// drains its queue; they do not concern the row we now track.
		return ignored("event for a different provider subscription"), "", nil
	}
	if existing.Status == domain.SubscriptionStatusCanceled {
		return ignored("subscription already canceled"), "", nil
	}

	incomingStart := domain.UnixToTime(obj.CurrentPeriodStart)
	cancelSignal := obj.Status == domain.SubscriptionStatusCanceled || obj.CancelAt != nil || obj.CanceledAt != nil
	if !cancelSignal && incomingStart.Before(existing.CurrentPeriodStart) {
		return ignored("stale period window"), "", nil
	}

	if status := mapProviderStatus(obj.Status); status != "" {
		existing.Status = status
	}
	if plan, ok := s.rules.SubscriptionPlans[obj.PriceID]; ok {
		existing.Plan = plan
		existing.ProviderPriceID = obj.PriceID
	}
	// Never move the period window backward, even on a cancellation signal.
	if !incomingStart.Before(existing.CurrentPeriodStart) && !incomingStart.IsZero() {
		existing.CurrentPeriodStart = incomingStart
		if end := domain.UnixToTime(obj.CurrentPeriodEnd); !end.IsZero() {
			existing.CurrentPeriodEnd = end
		}
	}
	existing.CancelAt = domain.UnixToTimePtr(obj.CancelAt)
	existing.CanceledAt = domain.UnixToTimePtr(obj.CanceledAt)
	if existing.Status == domain.SubscriptionStatusCanceled && existing.CanceledAt == nil {
		at := ev.CreatedAt()
		existing.CanceledAt = &at
	}

	if err := tx.UpsertSubscription(ctx, existing); err != nil {
		return store.Resolution{}, "", err
	}
	return applied(), obj.Customer, nil
}

// handleSubscriptionDeleted terminates the subscription. The transition is
// terminal and the row is never physically deleted; the projection drops the
// external plan to free.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent) (store.Resolution, string, error) {
	var obj domain.SubscriptionObject
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return failed("malformed subscription payload"), "", nil
	}
	if obj.Customer == "" {
		return failed("subscription event missing customer id"), "", nil
	}
	if err := tx.LockCustomer(ctx, obj.Customer); err != nil {
		return store.Resolution{}, "", err
	}

	existing, err := tx.GetSubscriptionForUpdate(ctx, obj.Customer)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return failed("no subscription on record for customer"), "", nil
		}
		return store.Resolution{}, "", err
	}
	if obj.ID != "" && existing.ProviderSubscriptionID != obj.ID {
		// A late deletion for an already-replaced subscription must not
		// terminate its successor.
		return ignored("event for a different provider subscription"), "", nil
	}
	if existing.Status == domain.SubscriptionStatusCanceled {
		return ignored("subscription already canceled"), "", nil
	}

	existing.Status = domain.SubscriptionStatusCanceled
	canceledAt := domain.UnixToTimePtr(obj.CanceledAt)
	if canceledAt == nil {
		at := ev.CreatedAt()
		canceledAt = &at
	}
	existing.CanceledAt = canceledAt

	if err := tx.UpsertSubscription(ctx, existing); err != nil {
		return store.Resolution{}, "", err
	}
	return applied(), obj.Customer, nil
}

// handleInvoicePaid increments the paid-cycle counter by exactly one per
// distinct invoice event (the event-level dedup prevents double increments)
// and clears a past_due status.
func (s *Service) handleInvoicePaid(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent) (store.Resolution, string, error) {
	var inv domain.InvoiceObject
	if err := json.Unmarshal(ev.Data.Object, &inv); err != nil {
		return failed("malformed invoice payload"), "", nil
	}
	if inv.Customer == "" {
		return failed("invoice event missing customer id"), "", nil
	}
	if err := tx.LockCustomer(ctx, inv.Customer); err != nil {
		return store.Resolution{}, "", err
	}

	existing, err := tx.GetSubscriptionForUpdate(ctx, inv.Customer)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return failed("no subscription on record for customer"), "", nil
		}
		return store.Resolution{}, "", err
	}
	if inv.Subscription != "" && existing.ProviderSubscriptionID != inv.Subscription {
		return ignored("event for a different provider subscription"), "", nil
	}
	if existing.Status == domain.SubscriptionStatusCanceled {
		return ignored("subscription already canceled"), "", nil
	}

	// Only recurring rows count billing cycles; a one-time plan window has no
	// provider subscription behind it.
	if existing.ProviderSubscriptionID != "" {
		existing.CyclesPaid++
	}
	if existing.Status == domain.SubscriptionStatusPastDue {
		existing.Status = domain.SubscriptionStatusActive
	}
	// A paid invoice can carry the next period window; never move it backward.
	if end := domain.UnixToTime(inv.PeriodEnd); end.After(existing.CurrentPeriodEnd) {
		if start := domain.UnixToTime(inv.PeriodStart); !start.IsZero() {
			existing.CurrentPeriodStart = start
		}
		existing.CurrentPeriodEnd = end
	}

	if err := tx.UpsertSubscription(ctx, existing); err != nil {
		return store.Resolution{}, "", err
	}
	return applied(), inv.Customer, nil
}

// handleInvoicePaymentFailed marks the subscription past_due. A failure signal
// is never suppressed by ordering heuristics; a later paid invoice corrects a
// spurious past_due.
func (s *Service) handleInvoicePaymentFailed(ctx context.Context, tx store.EventTx, ev *domain.WebhookEvent) (store.Resolution, string, error) {
	var inv domain.InvoiceObject
	if err := json.Unmarshal(ev.Data.Object, &inv); err != nil {
		return failed("malformed invoice payload"), "", nil
	}
	if inv.Customer == "" {
		return failed("invoice event missing customer id"), "", nil
	}
	if err := tx.LockCustomer(ctx, inv.Customer); err != nil {
		return store.Resolution{}, "", err
	}

	existing, err := tx.GetSubscriptionForUpdate(ctx, inv.Customer)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return failed("no subscription on record for customer"), "", nil
		}
		return store.Resolution{}, "", err
	}
	if inv.Subscription != "" && existing.ProviderSubscriptionID != inv.Subscription {
		return ignored("event for a different provider subscription"), "", nil
	}
	if existing.Status == domain.SubscriptionStatusCanceled {
		return ignored("subscription already canceled"), "", nil
	}

	existing.Status = domain.SubscriptionStatusPastDue
	if err := tx.UpsertSubscription(ctx, existing); err != nil {
		return store.Resolution{}, "", err
	}
	return applied(), inv.Customer, nil
}

func mapProviderStatus(providerStatus string) string {
	switch providerStatus {
	case "active", "trialing":
		return domain.SubscriptionStatusActive
	case "past_due", "unpaid":
		return domain.SubscriptionStatusPastDue
	case "canceled":
		return domain.SubscriptionStatusCanceled
	}
	return ""
}

func applied() store.Resolution {
	return store.Resolution{Outcome: domain.OutcomeApplied}
}

func ignored(reason string) store.Resolution {
	return store.Resolution{Outcome: domain.OutcomeIgnored, Reason: reason}
}

func failed(reason string) store.Resolution {
	return store.Resolution{Outcome: domain.OutcomeFailed, Reason: reason}
}
