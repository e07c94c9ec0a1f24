// Package dedupcache is the optional fast-path accelerator in front of the
// durable ingress dedup table (Section 4.D): a Redis SETNX lets a replayed
// webhook short-circuit before it ever reaches the database. The durable
// table in internal/store remains the source of truth; a cache miss or a
// Redis outage always falls through to it.
package dedupcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acme/siteflow/internal/logger"
)

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
}

func New(addr string, ttl time.Duration, log *logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
		log: log.With("component", "DedupCache"),
	}
}

// MarkIfNew sets a key for eventID if absent, returning true the first
// time it is called for that id within the TTL window. A Redis error is
// reported rather than swallowed so the caller can fall back to the
// durable dedup table without silently skipping the fast path forever.
func (c *Cache) MarkIfNew(ctx context.Context, eventID string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, "ingress:dedup:"+eventID, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}
