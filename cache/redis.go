/*
Package cache holds the Redis-backed helpers of the leave engine.

KEY CONCEPTS:
  BalanceCache  read-through cache of LeaveBalance records, JSON encoded,
                invalidated by the ledger after every commit. Each key
                carries a generation counter: Invalidate bumps it and Set
                only writes while it is unchanged (Lua script), so a
                reader cannot cache a record older than the last commit.
  Locker        per-absence transition lock across instances (redislock)

Both are optional: with REDIS_ADDR empty the ledger reads the store
directly and the orchestrator relies on store transactions alone.

SEE ALSO:
  - ledger/ledger.go: BalanceCache interface
  - orchestrator/synchronizer.go: Locker interface
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/warp/leave-engine/ledger"
)

// New creates a new Redis client and checks the connection.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return client, nil
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

const (
	balancePrefix    = "leave:balance:"
	generationPrefix = "leave:balance-gen:"

	// generationTTL bounds the life of idle generation counters. It only
	// has to outlast a single read-through.
	generationTTL = 24 * time.Hour
)

// setIfGeneration writes ARGV[2] to KEYS[2] when KEYS[1] (missing reads
// as 0) equals ARGV[1]. ARGV[3] is the TTL in milliseconds, 0 for none.
var setIfGeneration = redis.NewScript(`
local cur = redis.call("GET", KEYS[1]) or "0"
if cur ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// BalanceCache implements ledger.BalanceCache on Redis.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ledger.BalanceCache = (*BalanceCache)(nil)

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(k ledger.Key) string {
	return fmt.Sprintf("%s%s:%d", balancePrefix, k.EmployeeID, k.FiscalYear)
}

func generationKey(k ledger.Key) string {
	return fmt.Sprintf("%s%s:%d", generationPrefix, k.EmployeeID, k.FiscalYear)
}

func (c *BalanceCache) Get(ctx context.Context, key ledger.Key) (*ledger.LeaveBalance, bool, error) {
	raw, err := c.client.Get(ctx, balanceKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var b ledger.LeaveBalance
	if err := json.Unmarshal(raw, &b); err != nil {
		// A record written by an older layout is a miss, not a failure.
		_ = c.client.Del(ctx, balanceKey(key)).Err()
		return nil, false, nil
	}
	return &b, true, nil
}

func (c *BalanceCache) Generation(ctx context.Context, key ledger.Key) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set is a no-op when the key was invalidated since gen was read.
func (c *BalanceCache) Set(ctx context.Context, b *ledger.LeaveBalance, gen int64) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	keys := []string{generationKey(b.Key()), balanceKey(b.Key())}
	return setIfGeneration.Run(ctx, c.client, keys, strconv.FormatInt(gen, 10), raw, c.ttl.Milliseconds()).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, keys ...ledger.Key) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, generationKey(k))
			pipe.Expire(ctx, generationKey(k), generationTTL)
			pipe.Del(ctx, balanceKey(k))
		}
		return nil
	})
	return err
}

// =============================================================================
// TRANSITION LOCK
// =============================================================================

// ErrLockNotObtained is returned when the key is held by someone else.
var ErrLockNotObtained = redislock.ErrNotObtained

// Locker hands out short-lived Redis locks. Lock does not wait: a held
// key fails immediately.
type Locker struct {
	client *redislock.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: redislock.New(client)}
}

func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}
