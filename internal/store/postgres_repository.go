/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. The important property is that ProcessEvent performs the dedup
 * insert, the handler's domain mutation, and the entitlement recompute inside
 * one transaction: the uniqueness constraint on processed_events is the actual
 * once-only mechanism, not a check-then-insert.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nowadays/billing-service/internal/domain"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrEntitlementNotFound  = errors.New("entitlement not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ProcessEvent opens the event transaction, claims the provider event id via
// the unique constraint on processed_events, runs fn, and stamps the final
// outcome before committing. A duplicate delivery claims zero rows and returns
// immediately; a concurrent delivery of the same id blocks on the insert until
// the first transaction commits, then resolves as a duplicate.
func (r *PostgresRepository) ProcessEvent(ctx context.Context, eventID, eventType string, fn EventApplyFunc) (ProcessResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return ProcessResult{}, err
	}
	defer tx.Rollback(ctx)

	claim, err := tx.Exec(ctx, `
		INSERT INTO processed_events (provider_event_id, event_type, outcome, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider_event_id) DO NOTHING
	`, eventID, eventType, domain.OutcomeApplied)
	if err != nil {
		return ProcessResult{}, err
	}
	if claim.RowsAffected() == 0 {
		return ProcessResult{Duplicate: true}, nil
	}

	res, err := fn(ctx, &pgEventTx{tx: tx})
	if err != nil {
		return ProcessResult{}, err
	}

	if res.Outcome != domain.OutcomeApplied {
		var reason *string
		if res.Reason != "" {
			reason = &res.Reason
		}
		if _, err := tx.Exec(ctx, `
			UPDATE processed_events SET outcome = $2, failure_reason = $3
			WHERE provider_event_id = $1
		`, eventID, res.Outcome, reason); err != nil {
			return ProcessResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Resolution: res}, nil
}

// WithCustomerTx runs fn in a transaction holding the per-customer lock, with
// no dedup record. The entitlement sweeper uses this to recompute projections
// without racing in-flight webhook deliveries for the same customer.
func (r *PostgresRepository) WithCustomerTx(ctx context.Context, customerID string, fn CustomerTxFunc) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	etx := &pgEventTx{tx: tx}
	if err := etx.LockCustomer(ctx, customerID); err != nil {
		return err
	}
	if err := fn(ctx, etx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetSubscriptionByCustomerID retrieves the subscription row for a customer.
func (r *PostgresRepository) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	return scanSubscription(r.db.QueryRow(ctx, subscriptionSelect+` WHERE customer_id = $1`, customerID))
}

// GetEntitlementByCustomerID retrieves the projected entitlement for a customer.
func (r *PostgresRepository) GetEntitlementByCustomerID(ctx context.Context, customerID string) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	query := `
		SELECT customer_id, plan, status, usable_until, bonus_credits, updated_at
		FROM entitlements
		WHERE customer_id = $1
	`
	err := r.db.QueryRow(ctx, query, customerID).Scan(
		&ent.CustomerID,
		&ent.Plan,
		&ent.Status,
		&ent.UsableUntil,
		&ent.BonusCredits,
		&ent.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntitlementNotFound
		}
		return nil, err
	}
	return &ent, nil
}

// GetCreditBalance returns the customer's current bonus credit balance.
// A customer without a ledger row has a balance of zero.
func (r *PostgresRepository) GetCreditBalance(ctx context.Context, customerID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM credit_ledgers WHERE customer_id = $1`, customerID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// ListPurchasesByCustomerID returns the customer's purchase history, newest first.
func (r *PostgresRepository) ListPurchasesByCustomerID(ctx context.Context, customerID string, limit, offset int) ([]domain.Purchase, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, provider_session_id, customer_id, product_type, amount, currency, credits_granted, status, created_at
		FROM purchases
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, customerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := []domain.Purchase{}
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(
			&p.ID,
			&p.ProviderSessionID,
			&p.CustomerID,
			&p.ProductType,
			&p.Amount,
			&p.Currency,
			&p.CreditsGranted,
			&p.Status,
			&p.CreatedAt,
		); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// ListLapsedEntitlements returns customers whose projected window has passed
// but whose entitlement still shows a paid plan.
func (r *PostgresRepository) ListLapsedEntitlements(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT customer_id
		FROM entitlements
		WHERE plan <> $1 AND usable_until IS NOT NULL AND usable_until < $2
		ORDER BY usable_until
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.PlanFree, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
