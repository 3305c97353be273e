// Package hashguard claims transaction hashes in Redis so that concurrent
// instances reject a reused hash before touching the invoice store. The
// store's unique constraint remains the source of truth; a lost or expired
// claim only costs the fast path.
package hashguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/chainbill/internal/invoice"
	"github.com/mbd888/chainbill/internal/metrics"
)

// DefaultTTL outlives any invoice that could still be verified.
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "chainbill:txhash:"

// releaseScript deletes the claim only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard implements invoice.HashClaimer on top of SET NX.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ invoice.HashClaimer = (*Guard)(nil)

// New creates a guard. A non-positive ttl selects DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Open connects to the Redis instance at a redis:// URL.
func Open(ctx context.Context, url string, ttl time.Duration) (*Guard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("hashguard: parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("hashguard: ping redis: %w", err)
	}
	return New(rdb, ttl), nil
}

func key(txHash string) string {
	return keyPrefix + strings.ToLower(txHash)
}

// Claim reserves txHash for invoiceID. It reports false when another
// invoice already holds the hash. Re-claiming by the same invoice succeeds.
func (g *Guard) Claim(ctx context.Context, txHash, invoiceID string) (bool, error) {
	k := key(txHash)
	ok, err := g.rdb.SetNX(ctx, k, invoiceID, g.ttl).Result()
	if err != nil {
		metrics.HashClaimsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("hashguard: claim: %w", err)
	}
	if ok {
		metrics.HashClaimsTotal.WithLabelValues("claimed").Inc()
		return true, nil
	}

	owner, err := g.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return g.rdb.SetNX(ctx, k, invoiceID, g.ttl).Result()
	}
	if err != nil {
		metrics.HashClaimsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("hashguard: read owner: %w", err)
	}
	if owner == invoiceID {
		return true, nil
	}
	metrics.HashClaimsTotal.WithLabelValues("taken").Inc()
	return false, nil
}

// Release drops the claim if invoiceID still holds it.
func (g *Guard) Release(ctx context.Context, txHash, invoiceID string) error {
	if err := releaseScript.Run(ctx, g.rdb, []string{key(txHash)}, invoiceID).Err(); err != nil {
		return fmt.Errorf("hashguard: release: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (g *Guard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (g *Guard) Close() error {
	return g.rdb.Close()
}
