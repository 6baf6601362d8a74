/**
 * @description
 * Redis-backed fast path for duplicate webhook deliveries. This is strictly an
 * optimization in front of the database transaction: the unique constraint on
 * processed_events is the correctness mechanism, so every method here degrades
 * to "not seen" on any Redis failure or when no client is configured.
 */

package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupCache remembers recently processed provider event ids in Redis.
type DedupCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewDedupCache creates a dedup cache. A nil client yields a cache whose
// methods are no-ops, matching how the service boots when Redis is absent.
func NewDedupCache(client redis.UniversalClient, prefix string, ttl time.Duration) *DedupCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:webhook_events"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &DedupCache{client: client, prefix: trimmedPrefix, ttl: ttl}
}

// Seen reports whether the event id was marked recently. Errors are treated as
// a miss so the database stays the arbiter.
func (c *DedupCache) Seen(ctx context.Context, eventID string) bool {
	if c == nil || c.client == nil || eventID == "" {
		return false
	}
	n, err := c.client.Exists(ctx, c.key(eventID)).Result()
	if err != nil {
		log.Printf("level=warn component=dedup_cache msg=\"exists check failed; falling through to database\" err=%v", err)
		return false
	}
	return n > 0
}

// Mark records the event id after a committed transaction, best effort.
func (c *DedupCache) Mark(ctx context.Context, eventID string) {
	if c == nil || c.client == nil || eventID == "" {
		return
	}
	if err := c.client.SetNX(ctx, c.key(eventID), 1, c.ttl).Err(); err != nil {
		log.Printf("level=warn component=dedup_cache msg=\"mark failed\" event_id=%s err=%v", eventID, err)
	}
}

func (c *DedupCache) key(eventID string) string {
	return c.prefix + ":" + eventID
}
