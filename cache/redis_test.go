package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/ledger"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNew_PingsServer(t *testing.T) {
	mr, _ := setupRedis(t)

	client, err := New(context.Background(), mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = New(context.Background(), mr.Addr())
	assert.Error(t, err)
}

func TestBalanceCache_RoundTrip(t *testing.T) {
	// GIVEN: a balance written to the cache
	// WHEN: read back, then invalidated
	// THEN: counters survive the JSON encoding, invalidation is a miss

	mr, client := setupRedis(t)
	c := NewBalanceCache(client, time.Minute)
	ctx := context.Background()

	key := ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025}
	b := ledger.NewLeaveBalance(key, map[ledger.Category]decimal.Decimal{
		ledger.CategoryAnnual: decimal.NewFromInt(25),
	}, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err := c.Generation(ctx, key)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, b, gen))
	assert.True(t, mr.Exists("leave:balance:emp-1:2025"))
	assert.Equal(t, time.Minute, mr.TTL("leave:balance:emp-1:2025"))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "emp-1", got.EmployeeID)
	assert.True(t, decimal.NewFromInt(25).Equal(got.Category(ledger.CategoryAnnual).Balance))
	assert.True(t, got.Consistent())

	require.NoError(t, c.Invalidate(ctx, key, ledger.Key{EmployeeID: "other", FiscalYear: 2025}))
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalanceCache_SetAfterInvalidateIsDropped(t *testing.T) {
	// GIVEN: a reader that read the generation, then a commit invalidated the key
	// WHEN: the reader writes the record it loaded
	// THEN: nothing is cached; a write at the new generation is cached

	mr, client := setupRedis(t)
	c := NewBalanceCache(client, time.Minute)
	ctx := context.Background()

	key := ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025}
	stale := ledger.NewLeaveBalance(key, map[ledger.Category]decimal.Decimal{
		ledger.CategoryAnnual: decimal.NewFromInt(25),
	}, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))

	before, err := c.Generation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), before)

	require.NoError(t, c.Invalidate(ctx, key))
	after, err := c.Generation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after)
	assert.True(t, mr.TTL("leave:balance-gen:emp-1:2025") > 0)

	require.NoError(t, c.Set(ctx, stale, before))
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, stale, after))
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBalanceCache_ZeroTTLNeverExpires(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewBalanceCache(client, 0)
	key := ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025}
	b := ledger.NewLeaveBalance(key, map[ledger.Category]decimal.Decimal{
		ledger.CategoryAnnual: decimal.NewFromInt(25),
	}, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, c.Set(context.Background(), b, 0))
	assert.True(t, mr.Exists("leave:balance:emp-1:2025"))
	assert.Equal(t, time.Duration(0), mr.TTL("leave:balance:emp-1:2025"))
}

func TestBalanceCache_CorruptEntryIsAMiss(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewBalanceCache(client, time.Minute)
	require.NoError(t, mr.Set("leave:balance:emp-1:2025", "not json"))

	_, ok, err := c.Get(context.Background(), ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("leave:balance:emp-1:2025"))
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	_, client := setupRedis(t)
	l := NewLocker(client)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "leave:absence:abs-1", 10*time.Second)
	require.NoError(t, err)

	_, err = l.Lock(ctx, "leave:absence:abs-1", 10*time.Second)
	assert.ErrorIs(t, err, ErrLockNotObtained)

	other, err := l.Lock(ctx, "leave:absence:abs-2", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx), "second release is harmless")

	again, err := l.Lock(ctx, "leave:absence:abs-1", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocker_ExpiresAfterTTL(t *testing.T) {
	mr, client := setupRedis(t)
	l := NewLocker(client)
	ctx := context.Background()

	_, err := l.Lock(ctx, "leave:absence:abs-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	unlock, err := l.Lock(ctx, "leave:absence:abs-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}
