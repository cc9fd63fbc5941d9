package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixedEntitlement map[string]map[ledger.Category]decimal.Decimal

func (f fixedEntitlement) InitialBalances(_ context.Context, _ ledger.Store, employeeID string, _ time.Time) (map[ledger.Category]decimal.Decimal, error) {
	v, ok := f[employeeID]
	if !ok {
		return nil, ledger.ErrEmployeeNotFound
	}
	return v, nil
}

func standardEntitlement() fixedEntitlement {
	return fixedEntitlement{
		"emp-1": {ledger.CategoryAnnual: days("25"), ledger.CategoryQuarterly: days("18")},
		"emp-2": {ledger.CategoryAnnual: days("25"), ledger.CategoryQuarterly: days("9")},
	}
}

func days(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, opts ...ledger.Option) (*ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.New(mem, standardEntitlement(), opts...), mem
}

func deduction(absenceID string, amount string) ledger.Mutation {
	return ledger.Mutation{
		EmployeeID: "emp-1",
		FiscalYear: 2025,
		Category:   ledger.CategoryAnnual,
		Amount:     days(amount),
		Reason:     "absence approved",
		AbsenceRef: absenceID,
		ActorID:    "mgr-1",
		Automatic:  true,
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, days(want).Equal(got), "%s: want %s, got %s", msg, want, got)
}

// =============================================================================
// ENSURE BALANCE
// =============================================================================

func TestEnsureBalance_CreatesFromEntitlement(t *testing.T) {
	// GIVEN: no balance for emp-1 in 2025
	// WHEN: EnsureBalance is called
	// THEN: every category exists, Initial == Balance, Taken == Reintegrated == 0

	l, _ := newTestLedger(t)
	ctx := context.Background()

	b, err := l.EnsureBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)

	require.Len(t, b.Categories, len(ledger.Categories()))
	ca := b.Category(ledger.CategoryAnnual)
	assertDecimal(t, "25", ca.Initial, "initial")
	assertDecimal(t, "25", ca.Balance, "balance")
	assert.True(t, ca.Taken.IsZero())
	assert.True(t, ca.Reintegrated.IsZero())
	assertDecimal(t, "0", b.Category(ledger.CategoryRTT).Balance, "RTT")
	assert.True(t, b.Consistent())
}

func TestEnsureBalance_ReturnsExistingRecord(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.EnsureBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	_, err = l.Deduct(ctx, deduction("abs-1", "2"))
	require.NoError(t, err)

	b, err := l.EnsureBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	assertDecimal(t, "23", b.Category(ledger.CategoryAnnual).Balance, "not re-seeded")
}

func TestEnsureBalance_ConcurrentCallersShareOneRecord(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := l.EnsureBalance(ctx, "emp-1", 2025)
			return err
		})
	}
	require.NoError(t, g.Wait())

	b, err := mem.LoadBalance(ctx, ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025})
	require.NoError(t, err)
	assertDecimal(t, "25", b.Category(ledger.CategoryAnnual).Initial, "initial")
}

type gatedEntitlement struct {
	fixedEntitlement
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedEntitlement) InitialBalances(ctx context.Context, tx ledger.Store, employeeID string, ref time.Time) (map[ledger.Category]decimal.Decimal, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.fixedEntitlement.InitialBalances(ctx, tx, employeeID, ref)
}

func TestEnsureBalance_CancelledCallerDoesNotFailOthers(t *testing.T) {
	// GIVEN: two callers creating the same balance
	// WHEN: the caller that started the creation gives up
	// THEN: it gets its own cancellation, the other still gets the record

	seeder := &gatedEntitlement{
		fixedEntitlement: standardEntitlement(),
		started:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	l := ledger.New(store.NewMemory(), seeder)

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := l.EnsureBalance(first, "emp-1", 2025)
		firstDone <- err
	}()
	<-seeder.started

	secondDone := make(chan error, 1)
	var second *ledger.LeaveBalance
	go func() {
		b, err := l.EnsureBalance(context.Background(), "emp-1", 2025)
		second = b
		secondDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	close(seeder.release)
	require.NoError(t, <-secondDone)
	assertDecimal(t, "25", second.Category(ledger.CategoryAnnual).Initial, "initial")
}

func TestEnsureBalance_UnknownEmployee(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.EnsureBalance(context.Background(), "ghost", 2025)
	assert.ErrorIs(t, err, ledger.ErrEmployeeNotFound)
	assert.True(t, ledger.IsNotFound(err))
	assert.False(t, ledger.IsRetryable(err))
}

func TestGetBalance_NotFound(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.GetBalance(context.Background(), "emp-1", 2025)
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

// =============================================================================
// INVARIANT / ROUND TRIP / IDEMPOTENCE
// =============================================================================

func TestDeduct_MaintainsInvariant(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	out, err := l.Deduct(ctx, deduction("abs-1", "3"))
	require.NoError(t, err)

	assertDecimal(t, "25", out.Before.Balance, "before")
	assertDecimal(t, "22", out.After.Balance, "after")
	assertDecimal(t, "3", out.After.Taken, "taken")
	assert.True(t, out.After.Consistent())
	assert.Nil(t, out.Warning)

	tx := out.Transaction
	assert.Equal(t, ledger.OpDeduct, tx.Kind)
	assertDecimal(t, "-3", tx.Amount, "signed amount")
	assert.True(t, tx.BalanceAfter.Sub(tx.BalanceBefore).Equal(tx.Amount))
	assert.Equal(t, "absence:abs-1:r0:deduct", tx.IdempotencyKey)
	assert.True(t, tx.Automatic)
	assert.NotEmpty(t, tx.ID)
}

func TestDeductThenReintegrate_RoundTrip(t *testing.T) {
	// GIVEN: 4 days deducted for an absence
	// WHEN: the same 4 days are reintegrated
	// THEN: balance is back to initial; Taken and Reintegrated both record 4

	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deduct(ctx, deduction("abs-1", "4"))
	require.NoError(t, err)
	out, err := l.Reintegrate(ctx, deduction("abs-1", "4"))
	require.NoError(t, err)

	assertDecimal(t, "25", out.After.Balance, "balance")
	assertDecimal(t, "4", out.After.Taken, "taken never shrinks")
	assertDecimal(t, "4", out.After.Reintegrated, "reintegrated")
	assert.True(t, out.After.Consistent())
	assert.Equal(t, "absence:abs-1:r0:reintegrate", out.Transaction.IdempotencyKey)
}

func TestDeduct_ReplayIsConflictAndNoOp(t *testing.T) {
	// GIVEN: abs-1 revision 0 already deducted
	// WHEN: the same deduction is replayed
	// THEN: ErrConflict, balance and log unchanged

	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deduct(ctx, deduction("abs-1", "2"))
	require.NoError(t, err)

	_, err = l.Deduct(ctx, deduction("abs-1", "2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	b, err := l.GetBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	assertDecimal(t, "2", b.Category(ledger.CategoryAnnual).Taken, "taken")

	txs, err := l.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestDeduct_NewRevisionIsNotAReplay(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deduct(ctx, deduction("abs-1", "2"))
	require.NoError(t, err)

	m := deduction("abs-1", "3")
	m.AbsenceRevision = 1
	_, err = l.Deduct(ctx, m)
	require.NoError(t, err)
}

func TestDeduct_ConcurrentDeductionsAreLinearizable(t *testing.T) {
	// GIVEN: 50 concurrent 1-day deductions for distinct absences
	// THEN: Taken grows by exactly 50 and the invariant holds

	l, _ := newTestLedger(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("abs-%02d", i)
		g.Go(func() error {
			_, err := l.Deduct(ctx, deduction(id, "1"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	b, err := l.GetBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	ca := b.Category(ledger.CategoryAnnual)
	assertDecimal(t, "50", ca.Taken, "taken")
	assertDecimal(t, "-25", ca.Balance, "balance")
	assert.True(t, b.Consistent())

	txs, err := l.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, txs, 50)
}

// =============================================================================
// OVERDRAFT POLICY
// =============================================================================

func TestDeduct_OverdraftAllowedWithWarning(t *testing.T) {
	l, _ := newTestLedger(t)

	out, err := l.Deduct(context.Background(), deduction("abs-1", "30"))
	require.NoError(t, err)
	require.NotNil(t, out.Warning)
	assert.Equal(t, ledger.CategoryAnnual, out.Warning.Category)
	assertDecimal(t, "-5", out.Warning.Balance, "warning balance")
}

func TestDeduct_OverdraftRejected(t *testing.T) {
	// GIVEN: the reject policy and 25 days available
	// WHEN: 30 days are deducted
	// THEN: InsufficientBalanceError, nothing applied

	l, _ := newTestLedger(t, ledger.WithOverdraftPolicy(ledger.OverdraftReject))
	ctx := context.Background()

	_, err := l.Deduct(ctx, deduction("abs-1", "30"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.True(t, ledger.IsClientError(err))

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assertDecimal(t, "25", insufficient.Available, "available")

	// the lazily created balance rolled back with the deduction
	_, err = l.GetBalance(ctx, "emp-1", 2025)
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)

	_, err = l.Deduct(ctx, deduction("abs-1", "25"))
	assert.NoError(t, err, "exact balance is allowed, the key was not consumed")
}

func TestParseOverdraftPolicy(t *testing.T) {
	p, err := ledger.ParseOverdraftPolicy("REJECT")
	require.NoError(t, err)
	assert.Equal(t, ledger.OverdraftReject, p)

	p, err = ledger.ParseOverdraftPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ledger.OverdraftAllow, p)

	_, err = ledger.ParseOverdraftPolicy("maybe")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

func TestGrant_RaisesInitialAndBalance(t *testing.T) {
	l, _ := newTestLedger(t)

	out, err := l.Grant(context.Background(), ledger.Mutation{
		EmployeeID: "emp-1",
		FiscalYear: 2025,
		Category:   ledger.CategoryExceptional,
		Amount:     days("3"),
		Reason:     "wedding",
		ActorID:    "hr-1",
		Automatic:  true,
	})
	require.NoError(t, err)

	assertDecimal(t, "3", out.After.Initial, "initial")
	assertDecimal(t, "3", out.After.Balance, "balance")
	assert.False(t, out.Transaction.Automatic, "admin adjustments are never automatic")
	assert.Equal(t, "hr-1", out.Transaction.ActorID)
	assert.Equal(t, ledger.OpGrant, out.Transaction.Kind)
}

func TestCorrect_SignedAmount(t *testing.T) {
	l, _ := newTestLedger(t)

	out, err := l.Correct(context.Background(), ledger.Mutation{
		EmployeeID: "emp-1",
		FiscalYear: 2025,
		Category:   ledger.CategoryQuarterly,
		Amount:     days("-1.5"),
		Reason:     "double counted in import",
		ActorID:    "hr-1",
	})
	require.NoError(t, err)

	assertDecimal(t, "16.5", out.After.Initial, "initial")
	assertDecimal(t, "16.5", out.After.Balance, "balance")
	assertDecimal(t, "-1.5", out.Transaction.Amount, "amount")
	assert.True(t, out.After.Consistent())
}

func TestMutation_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   func(context.Context, ledger.Mutation) (*ledger.Outcome, error)
		m    ledger.Mutation
	}{
		{"zero deduction", l.Deduct, deduction("a", "0")},
		{"negative deduction", l.Deduct, deduction("a", "-1")},
		{"negative reintegration", l.Reintegrate, deduction("a", "-1")},
		{"unknown category", l.Deduct, func() ledger.Mutation { m := deduction("a", "1"); m.Category = "XYZ"; return m }()},
		{"missing employee", l.Deduct, func() ledger.Mutation { m := deduction("a", "1"); m.EmployeeID = ""; return m }()},
		{"grant without actor", l.Grant, func() ledger.Mutation { m := deduction("a", "1"); m.ActorID = ""; return m }()},
		{"zero correction", l.Correct, deduction("a", "0")},
		{"correction without reason", l.Correct, func() ledger.Mutation { m := deduction("a", "1"); m.Reason = ""; return m }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op(ctx, tt.m)
			assert.ErrorIs(t, err, ledger.ErrValidation)
			var verr *ledger.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackEverything(t *testing.T) {
	// GIVEN: two deductions in one transaction, then a failure
	// THEN: neither deduction nor the balance creation survives

	l, _ := newTestLedger(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := l.WithTx(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.Deduct(ctx, deduction("abs-1", "1")); err != nil {
			return err
		}
		if _, err := tx.Deduct(ctx, deduction("abs-2", "1")); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err), "unknown failures are storage failures")

	_, err = l.GetBalance(ctx, "emp-1", 2025)
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestWithTx_CancelledContextAbortsCommit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := l.WithTx(ctx, func(tx *ledger.Tx) error {
		_, err := tx.Deduct(ctx, deduction("abs-1", "1"))
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = l.GetBalance(context.Background(), "emp-1", 2025)
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestListTransactions_FiltersAndPages(t *testing.T) {
	now := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	l, _ := newTestLedger(t, ledger.WithClock(tick))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Deduct(ctx, deduction(fmt.Sprintf("abs-%d", i), "1"))
		require.NoError(t, err)
	}
	ct := deduction("abs-ct", "2")
	ct.Category = ledger.CategoryQuarterly
	_, err := l.Deduct(ctx, ct)
	require.NoError(t, err)

	other := deduction("abs-2026", "1")
	other.FiscalYear = 2026
	_, err = l.Deduct(ctx, other)
	require.NoError(t, err)

	year := 2025
	page, err := l.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1", FiscalYear: &year, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "abs-1", page[0].AbsenceRef)
	assert.Equal(t, "abs-2", page[1].AbsenceRef)

	onlyCT, err := l.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1", Category: ledger.CategoryQuarterly})
	require.NoError(t, err)
	require.Len(t, onlyCT, 1)
	assert.Equal(t, "abs-ct", onlyCT[0].AbsenceRef)

	all, err := l.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	assert.Len(t, all, 7)

	_, err = l.ListTransactions(ctx, ledger.TransactionFilter{})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestListTransactions_EqualTimestampsKeepInsertionOrder(t *testing.T) {
	at := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, ledger.WithClock(func() time.Time { return at }))
	ctx := context.Background()

	refs := []string{"abs-c", "abs-a", "abs-b", "abs-d"}
	for _, ref := range refs {
		_, err := l.Deduct(ctx, deduction(ref, "1"))
		require.NoError(t, err)
	}

	txs, err := l.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, txs, len(refs))
	for i, ref := range refs {
		assert.Equal(t, ref, txs[i].AbsenceRef)
	}
}

func TestOpenFiscalYear_SkipsUnknownEmployees(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	opened, err := l.OpenFiscalYear(ctx, 2026, []string{"emp-1", "ghost", "emp-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, opened)

	b, err := l.GetBalance(ctx, "emp-2", 2026)
	require.NoError(t, err)
	assertDecimal(t, "9", b.Category(ledger.CategoryQuarterly).Initial, "CT")
}

// =============================================================================
// CACHE & OBSERVER
// =============================================================================

type mapCache struct {
	mu          sync.Mutex
	entries     map[ledger.Key]*ledger.LeaveBalance
	gens        map[ledger.Key]int64
	invalidated []ledger.Key

	// setting, when non-nil, receives one value when Set is entered and
	// Set then waits for release.
	setting chan struct{}
	release chan struct{}
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[ledger.Key]*ledger.LeaveBalance), gens: make(map[ledger.Key]int64)}
}

func (c *mapCache) Get(_ context.Context, k ledger.Key) (*ledger.LeaveBalance, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[k]
	return b, ok, nil
}

func (c *mapCache) Generation(_ context.Context, k ledger.Key) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[k], nil
}

func (c *mapCache) Set(_ context.Context, b *ledger.LeaveBalance, gen int64) error {
	if c.setting != nil {
		c.setting <- struct{}{}
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[b.Key()] != gen {
		return nil
	}
	c.entries[b.Key()] = b
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, keys ...ledger.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.gens[k]++
		delete(c.entries, k)
		c.invalidated = append(c.invalidated, k)
	}
	return nil
}

type countingObserver struct {
	ops, replays, negatives int
}

func (o *countingObserver) Operation(ledger.OperationKind, ledger.Category) { o.ops++ }
func (o *countingObserver) Replay(ledger.OperationKind)                     { o.replays++ }
func (o *countingObserver) NegativeBalance(ledger.Category)                 { o.negatives++ }

func TestLedger_CacheIsInvalidatedAfterCommit(t *testing.T) {
	cache := newMapCache()
	l, _ := newTestLedger(t, ledger.WithCache(cache))
	ctx := context.Background()

	_, err := l.EnsureBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	_, err = l.GetBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)

	_, err = l.Deduct(ctx, deduction("abs-1", "5"))
	require.NoError(t, err)

	b, err := l.GetBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	assertDecimal(t, "20", b.Category(ledger.CategoryAnnual).Balance, "fresh after invalidation")
	assert.Contains(t, cache.invalidated, ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025})
}

func TestLedger_ReadRacingACommitDoesNotCacheStaleBalance(t *testing.T) {
	// GIVEN: a reader that loaded the balance and is about to cache it
	// WHEN: a deduction commits before the reader's cache write lands
	// THEN: the stale record is not cached, the next read sees the deduction

	cache := newMapCache()
	l, _ := newTestLedger(t, ledger.WithCache(cache))
	ctx := context.Background()

	_, err := l.EnsureBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)

	cache.setting = make(chan struct{})
	cache.release = make(chan struct{})
	readDone := make(chan error, 1)
	go func() {
		b, err := l.GetBalance(ctx, "emp-1", 2025)
		if err == nil && !b.Category(ledger.CategoryAnnual).Balance.Equal(days("25")) {
			err = fmt.Errorf("reader saw %s", b.Category(ledger.CategoryAnnual).Balance)
		}
		readDone <- err
	}()
	<-cache.setting

	_, err = l.Deduct(ctx, deduction("abs-1", "5"))
	require.NoError(t, err)

	close(cache.release)
	require.NoError(t, <-readDone)
	cache.setting = nil

	b, err := l.GetBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	assertDecimal(t, "20", b.Category(ledger.CategoryAnnual).Balance, "balance")
	assertDecimal(t, "5", b.Category(ledger.CategoryAnnual).Taken, "taken")
}

func TestLedger_ObserverCounts(t *testing.T) {
	obs := &countingObserver{}
	l, _ := newTestLedger(t, ledger.WithObserver(obs))
	ctx := context.Background()

	_, err := l.Deduct(ctx, deduction("abs-1", "26"))
	require.NoError(t, err)
	_, err = l.Deduct(ctx, deduction("abs-1", "26"))
	require.ErrorIs(t, err, ledger.ErrConflict)

	assert.Equal(t, 1, obs.ops)
	assert.Equal(t, 1, obs.replays)
	assert.Equal(t, 1, obs.negatives)
}
