// Package spendcache tracks a principal's spend over a sliding window,
// backed by Redis for the hot, recent portion of the window and falling
// through to the persistence layer for the older portion of a window
// that straddles the cache's own retention boundary.
//
// The Redis layout mirrors the teacher's token-bucket limiter: one
// sorted set per principal, atomically mutated via a Lua script, so a
// concurrent read-then-write race can never under- or over-count spend.
package spendcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/store"
)

// recordAndSumScript atomically records a new spend entry in a
// principal's sorted set, trims entries older than the window, and
// returns the sum of amounts still within the window.
//
// KEYS[1] = sorted set key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window start (unix nanoseconds, inclusive)
// ARGV[3] = new entry member (JSON-encoded {event_id, minor_units})
// ARGV[4] = new entry amount (minor units, may be 0 for a read-only sum)
// ARGV[5] = ttl seconds for the key
var recordAndSumScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local member = ARGV[3]
local amount = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

if amount ~= 0 then
	redis.call("ZADD", key, now, member)
end
redis.call("ZREMRANGEBYSCORE", key, "-inf", windowStart - 1)
redis.call("EXPIRE", key, ttl)

local members = redis.call("ZRANGEBYSCORE", key, windowStart, "+inf")
local total = 0
for _, m in ipairs(members) do
	local decoded = cjson.decode(m)
	total = total + decoded.minor_units
end
return total
`)

// entry is the JSON shape stored as a sorted-set member.
type entry struct {
	EventID    string `json:"event_id"`
	MinorUnits int64  `json:"minor_units"`
}

// Cache is the hybrid spend tracker.
type Cache struct {
	redis   *redis.Client
	store   store.Store
	ttl     time.Duration
	window  time.Duration
}

// New constructs a Cache. window is the sliding period spend is tracked
// over (e.g. 24h); ttl bounds how long a principal's Redis key survives
// with no activity (it must be >= window so a quiet principal's history
// isn't dropped mid-window).
func New(redisClient *redis.Client, st store.Store, window, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, store: st, window: window, ttl: ttl}
}

func key(principalID string) string {
	return fmt.Sprintf("spendcache:%s", principalID)
}

// Record adds a new spend amount for principalID and returns the total
// spend within the sliding window, combining the Redis-resident recent
// portion with the persisted older portion when the window extends past
// what Redis currently holds (ttl eviction, cold cache, restart). The two
// sources are summed once, never double-counted, since an event recorded
// into the ledger is never also replayed into Redis after eviction.
func (c *Cache) Record(ctx context.Context, principalID, eventID string, amount contracts.Money) (contracts.Money, error) {
	total, err := c.recordInRedis(ctx, principalID, eventID, amount.MinorUnits)
	if err != nil {
		// Fail closed: if the cache is unavailable we cannot certify a
		// safe spend total, so the caller must treat this as a denial
		// rather than silently under-counting.
		return contracts.Money{}, fmt.Errorf("spendcache: record: %w", err)
	}

	older, err := c.store.SpendSince(ctx, principalID, time.Now().Add(-c.window-c.ttl).UTC())
	if err != nil {
		return contracts.Money{}, fmt.Errorf("spendcache: persisted spend lookup: %w", err)
	}
	recentFromPersistence, err := c.store.SpendSince(ctx, principalID, time.Now().Add(-c.ttl).UTC())
	if err != nil {
		return contracts.Money{}, fmt.Errorf("spendcache: persisted spend lookup: %w", err)
	}
	// Only the slice of persisted history older than what Redis could
	// possibly still hold (i.e. older than ttl) is added on top of the
	// Redis-resident total, so the straddling boundary is split and
	// summed exactly once rather than double-counted.
	olderThanCache := older - recentFromPersistence

	return contracts.Money{MinorUnits: total + olderThanCache, Currency: amount.Currency}, nil
}

// Total returns the current window total without recording a new spend.
func (c *Cache) Total(ctx context.Context, principalID string, currency string) (contracts.Money, error) {
	total, err := c.recordInRedis(ctx, principalID, "", 0)
	if err != nil {
		return contracts.Money{}, fmt.Errorf("spendcache: total: %w", err)
	}
	olderThanCache, err := c.olderThanCache(ctx, principalID)
	if err != nil {
		return contracts.Money{}, err
	}
	return contracts.Money{MinorUnits: total + olderThanCache, Currency: currency}, nil
}

func (c *Cache) olderThanCache(ctx context.Context, principalID string) (int64, error) {
	older, err := c.store.SpendSince(ctx, principalID, time.Now().Add(-c.window-c.ttl).UTC())
	if err != nil {
		return 0, fmt.Errorf("spendcache: persisted spend lookup: %w", err)
	}
	recent, err := c.store.SpendSince(ctx, principalID, time.Now().Add(-c.ttl).UTC())
	if err != nil {
		return 0, fmt.Errorf("spendcache: persisted spend lookup: %w", err)
	}
	return older - recent, nil
}

func (c *Cache) recordInRedis(ctx context.Context, principalID, eventID string, amount int64) (int64, error) {
	now := time.Now().UTC()
	windowStart := now.Add(-c.window).UnixNano()

	member := ""
	if amount != 0 {
		m, err := json.Marshal(entry{EventID: eventID, MinorUnits: amount})
		if err != nil {
			return 0, err
		}
		member = string(m)
	}

	res, err := recordAndSumScript.Run(ctx, c.redis,
		[]string{key(principalID)},
		now.UnixNano(), windowStart, member, amount, int64(c.ttl.Seconds()),
	).Result()
	if err != nil {
		return 0, err
	}
	total, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("spendcache: unexpected lua response type %T", res)
	}
	return total, nil
}
