/**
 * @description
 * Cron-driven entitlement sweeper. The provider only speaks to us through
 * webhooks, so a one-time entitlement window or an unrenewed period can lapse
 * without any event arriving. The sweeper periodically recomputes projections
 * whose window has passed, under the same per-customer serialization as the
 * webhook path.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nowadays/billing-service/internal/store"
	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 100

// Sweeper periodically downgrades lapsed entitlements.
type Sweeper struct {
	repo     store.Repository
	schedule string
	cron     *cron.Cron
	now      func() time.Time
}

// NewSweeper creates a sweeper with the given cron schedule.
func NewSweeper(repo store.Repository, schedule string) *Sweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	return &Sweeper{
		repo:     repo,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		now:      time.Now,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			log.Printf("level=error component=sweeper msg=\"entitlement sweep failed\" err=%v", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"entitlement sweep scheduled\" schedule=%q", s.schedule)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce recomputes the projection of every customer whose stored entitlement
// window has lapsed.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.now()
	customerIDs, err := s.repo.ListLapsedEntitlements(ctx, now, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, customerID := range customerIDs {
		err := s.repo.WithCustomerTx(ctx, customerID, func(ctx context.Context, tx store.EventTx) error {
			sub, err := tx.GetSubscriptionForUpdate(ctx, customerID)
			if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
				return err
			}
			balance, err := tx.GetCreditBalance(ctx, customerID)
			if err != nil {
				return err
			}
			ent := ProjectEntitlement(customerID, sub, balance, now)
			return tx.SaveEntitlement(ctx, &ent)
		})
		if err != nil {
			log.Printf("level=warn component=sweeper msg=\"recompute failed; will retry next sweep\" customer_id=%s err=%v", customerID, err)
			continue
		}
		log.Printf("level=info component=sweeper msg=\"lapsed entitlement recomputed\" customer_id=%s", customerID)
	}
	return nil
}
