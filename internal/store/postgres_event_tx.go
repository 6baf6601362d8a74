/**
 * @description
 * This file implements the `EventTx` unit of work on top of a pgx transaction.
 * Per-customer serialization is done with a transaction-scoped advisory lock on
 * the customer id, and the credit read-modify-write takes a FOR UPDATE row lock
 * so two concurrent credit grants for the same customer cannot both read the
 * same starting balance.
 */

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/nowadays/billing-service/internal/domain"
)

const subscriptionSelect = `
	SELECT customer_id, plan, provider_subscription_id, provider_price_id, status,
	       current_period_start, current_period_end, cancel_at, canceled_at,
	       premium_start, premium_end, cycles_paid, created_at, updated_at
	FROM subscriptions`

type pgEventTx struct {
	tx pgx.Tx
}

// LockCustomer takes the transaction-scoped advisory lock for the customer.
// Every mutation for one customer goes through this lock, so cross-entity
// races (credit pack vs subscription update) are serialized too.
func (t *pgEventTx) LockCustomer(ctx context.Context, customerID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, customerID)
	return err
}

// GetSubscriptionForUpdate reads the customer's subscription row under a row lock.
func (t *pgEventTx) GetSubscriptionForUpdate(ctx context.Context, customerID string) (*domain.Subscription, error) {
	return scanSubscription(t.tx.QueryRow(ctx, subscriptionSelect+` WHERE customer_id = $1 FOR UPDATE`, customerID))
}

// UpsertSubscription writes the subscription row keyed on customer id.
func (t *pgEventTx) UpsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			customer_id, plan, provider_subscription_id, provider_price_id, status,
			current_period_start, current_period_end, cancel_at, canceled_at,
			premium_start, premium_end, cycles_paid
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (customer_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			provider_price_id = EXCLUDED.provider_price_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at = EXCLUDED.cancel_at,
			canceled_at = EXCLUDED.canceled_at,
			premium_start = EXCLUDED.premium_start,
			premium_end = EXCLUDED.premium_end,
			cycles_paid = EXCLUDED.cycles_paid,
			updated_at = NOW()
	`
	_, err := t.tx.Exec(ctx, query,
		sub.CustomerID,
		sub.Plan,
		sub.ProviderSubscriptionID,
		sub.ProviderPriceID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAt,
		sub.CanceledAt,
		sub.PremiumStart,
		sub.PremiumEnd,
		sub.CyclesPaid,
	)
	return err
}

// InsertPurchase writes the immutable purchase row. The provider session id is
// unique; a conflicting insert claims zero rows and is reported to the caller.
func (t *pgEventTx) InsertPurchase(ctx context.Context, purchase *domain.Purchase) (bool, error) {
	query := `
		INSERT INTO purchases (
			id, provider_session_id, customer_id, product_type, amount, currency, credits_granted, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_session_id) DO NOTHING
	`
	ct, err := t.tx.Exec(ctx, query,
		purchase.ID,
		purchase.ProviderSessionID,
		purchase.CustomerID,
		purchase.ProductType,
		purchase.Amount,
		purchase.Currency,
		purchase.CreditsGranted,
		purchase.Status,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// GetCreditBalanceForUpdate ensures a ledger row exists and reads its balance
// under FOR UPDATE, so the following SetCreditBalance cannot lose a concurrent
// increment.
func (t *pgEventTx) GetCreditBalanceForUpdate(ctx context.Context, customerID string) (int64, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO credit_ledgers (customer_id, balance) VALUES ($1, 0)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID); err != nil {
		return 0, err
	}

	var balance int64
	err := t.tx.QueryRow(ctx, `SELECT balance FROM credit_ledgers WHERE customer_id = $1 FOR UPDATE`, customerID).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// SetCreditBalance writes the new balance computed from a locked read.
func (t *pgEventTx) SetCreditBalance(ctx context.Context, customerID string, balance int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE credit_ledgers SET balance = $2, updated_at = NOW() WHERE customer_id = $1`, customerID, balance)
	return err
}

// GetCreditBalance reads the balance without locking, for projection recompute.
func (t *pgEventTx) GetCreditBalance(ctx context.Context, customerID string) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx, `SELECT balance FROM credit_ledgers WHERE customer_id = $1`, customerID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// SaveEntitlement persists the fully recomputed projection for the customer.
func (t *pgEventTx) SaveEntitlement(ctx context.Context, ent *domain.Entitlement) error {
	query := `
		INSERT INTO entitlements (customer_id, plan, status, usable_until, bonus_credits, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (customer_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			usable_until = EXCLUDED.usable_until,
			bonus_credits = EXCLUDED.bonus_credits,
			updated_at = NOW()
	`
	_, err := t.tx.Exec(ctx, query,
		ent.CustomerID,
		ent.Plan,
		ent.Status,
		ent.UsableUntil,
		ent.BonusCredits,
	)
	return err
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.CustomerID,
		&sub.Plan,
		&sub.ProviderSubscriptionID,
		&sub.ProviderPriceID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAt,
		&sub.CanceledAt,
		&sub.PremiumStart,
		&sub.PremiumEnd,
		&sub.CyclesPaid,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}
