/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the billing-service, and the `EventTx`
 * interface, the transactional unit of work every provider event is applied
 * through. Decoupling the reconciliation logic from the PostgreSQL
 * implementation keeps the handlers independently testable without a live
 * database.
 *
 * The transactional contract is the correctness core of this service:
 * ProcessEvent inserts the dedup record and runs the mutation callback inside
 * one database transaction, so a given provider event id is applied at most
 * once even under concurrent redelivery.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/nowadays/billing-service/internal/domain"
)

// Resolution is how an event handler resolved inside the transaction. A
// non-applied resolution still commits the dedup record so the provider does
// not redeliver an event we have deliberately ignored or can never process.
type Resolution struct {
	Outcome domain.EventOutcome
	Reason  string
}

// ProcessResult reports how ProcessEvent concluded.
type ProcessResult struct {
	Duplicate bool
	Resolution
}

// EventApplyFunc runs inside the event transaction. Returning an error rolls
// the whole transaction back, including the dedup record, so the provider's
// redelivery becomes the retry mechanism.
type EventApplyFunc func(ctx context.Context, tx EventTx) (Resolution, error)

// CustomerTxFunc runs inside a per-customer serialized transaction.
type CustomerTxFunc func(ctx context.Context, tx EventTx) error

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// ProcessEvent atomically records the provider event id and applies fn.
	// If the event id was already recorded, fn is not run and the result has
	// Duplicate set. The commit covers the dedup row, the domain mutation,
	// and the recomputed entitlement as one unit.
	ProcessEvent(ctx context.Context, eventID, eventType string, fn EventApplyFunc) (ProcessResult, error)

	// WithCustomerTx runs fn in a transaction serialized on the customer id,
	// without a dedup record. Used by the entitlement sweeper.
	WithCustomerTx(ctx context.Context, customerID string, fn CustomerTxFunc) error

	// Read path for the UI-facing services.
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error)
	GetEntitlementByCustomerID(ctx context.Context, customerID string) (*domain.Entitlement, error)
	GetCreditBalance(ctx context.Context, customerID string) (int64, error)
	ListPurchasesByCustomerID(ctx context.Context, customerID string, limit, offset int) ([]domain.Purchase, error)

	// ListLapsedEntitlements returns customer ids whose stored entitlement
	// window has passed but whose projection still shows a paid plan.
	ListLapsedEntitlements(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// EventTx is the unit-of-work surface handlers mutate state through. All
// methods operate inside the transaction opened by ProcessEvent or
// WithCustomerTx.
type EventTx interface {
	// LockCustomer serializes all mutations for one customer across concurrent
	// transactions. Handlers call it before any read-modify-write.
	LockCustomer(ctx context.Context, customerID string) error

	GetSubscriptionForUpdate(ctx context.Context, customerID string) (*domain.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) error

	// InsertPurchase writes an immutable purchase row. It reports false when
	// the provider session id was already recorded, so the caller withholds
	// whatever grant the purchase carries (defense in depth behind the
	// event-level dedup).
	InsertPurchase(ctx context.Context, purchase *domain.Purchase) (bool, error)

	// GetCreditBalanceForUpdate reads the customer's credit balance under a
	// row lock so concurrent credit grants cannot lose an update.
	GetCreditBalanceForUpdate(ctx context.Context, customerID string) (int64, error)
	SetCreditBalance(ctx context.Context, customerID string, balance int64) error
	GetCreditBalance(ctx context.Context, customerID string) (int64, error)

	SaveEntitlement(ctx context.Context, ent *domain.Entitlement) error
}
