package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/orchestrator"
	"github.com/warp/leave-engine/workflow"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func setupLedger(t *testing.T, store *Store, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	require.NoError(t, store.SaveProfile(context.Background(), entitlement.EmployeeProfile{
		ID:       "emp-1",
		JobTitle: "Chef de Service",
		HireDate: "01/01/2013",
		WorkTime: "100%",
	}))
	seeder := entitlement.NewSeeder(store, entitlement.NewCalculator(entitlement.DefaultRules()), nil)
	return ledger.New(store, seeder, opts...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// BALANCES & TRANSACTIONS
// =============================================================================

func TestLedger_OnSQLite(t *testing.T) {
	// GIVEN: a 12-year category A employee
	// WHEN: the 2025 balance is created and 5 CA days deducted twice with the same key
	// THEN: initial CA 29, CT 18; one deduction; counters persisted

	store := setupTestStore(t)
	l := setupLedger(t, store)
	ctx := context.Background()

	b, err := l.EnsureBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	assert.True(t, dec("29").Equal(b.Category(ledger.CategoryAnnual).Initial))
	assert.True(t, dec("18").Equal(b.Category(ledger.CategoryQuarterly).Initial))

	m := ledger.Mutation{
		EmployeeID:     "emp-1",
		FiscalYear:     2025,
		Category:       ledger.CategoryAnnual,
		Amount:         dec("5"),
		IdempotencyKey: "absence:abs-1:r0:deduct",
	}
	out, err := l.Deduct(ctx, m)
	require.NoError(t, err)
	assert.True(t, dec("24").Equal(out.After.Balance))

	_, err = l.Deduct(ctx, m)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	loaded, err := store.LoadBalance(ctx, ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025})
	require.NoError(t, err)
	ca := loaded.Category(ledger.CategoryAnnual)
	assert.True(t, dec("5").Equal(ca.Taken))
	assert.True(t, dec("24").Equal(ca.Balance))
	assert.True(t, loaded.Consistent())

	txs, err := l.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.OpDeduct, txs[0].Kind)
	assert.True(t, dec("-5").Equal(txs[0].Amount))
	assert.True(t, dec("29").Equal(txs[0].BalanceBefore))
	assert.Equal(t, "absence:abs-1:r0:deduct", txs[0].IdempotencyKey)
}

func TestInsertBalanceIfAbsent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025}
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	first := ledger.NewLeaveBalance(key, map[ledger.Category]decimal.Decimal{ledger.CategoryAnnual: dec("25")}, now)
	inserted, err := store.InsertBalanceIfAbsent(ctx, *first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := ledger.NewLeaveBalance(key, map[ledger.Category]decimal.Decimal{ledger.CategoryAnnual: dec("99")}, now)
	inserted, err = store.InsertBalanceIfAbsent(ctx, *second)
	require.NoError(t, err)
	assert.False(t, inserted)

	b, err := store.LoadBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, dec("25").Equal(b.Category(ledger.CategoryAnnual).Initial))
	assert.Equal(t, now, b.CreatedAt)

	_, err = store.LoadBalance(ctx, ledger.Key{EmployeeID: "nobody", FiscalYear: 2025})
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)

	_, err = store.Increment(ctx, ledger.Key{EmployeeID: "nobody", FiscalYear: 2025}, ledger.CategoryAnnual, ledger.Delta{})
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestIncrement_IntegerCounters(t *testing.T) {
	// GIVEN: a balance with 25 CA days
	// WHEN: fractional increments run concurrently, and on a category the balance lacks
	// THEN: counters are exact, stored as ten-thousandths of a day

	store := setupTestStore(t)
	ctx := context.Background()
	key := ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025}
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.InsertBalanceIfAbsent(ctx, *ledger.NewLeaveBalance(key,
		map[ledger.Category]decimal.Decimal{ledger.CategoryAnnual: dec("25")}, now))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Increment(ctx, key, ledger.CategoryAnnual, ledger.Delta{Taken: dec("0.25"), Balance: dec("-0.25")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var raw int64
	require.NoError(t, store.db.QueryRowContext(ctx,
		"SELECT balance FROM leave_balance_categories WHERE employee_id = ? AND fiscal_year = ? AND category = ?",
		key.EmployeeID, key.FiscalYear, string(ledger.CategoryAnnual)).Scan(&raw))
	assert.Equal(t, int64(225000), raw)

	_, err = store.db.ExecContext(ctx,
		"DELETE FROM leave_balance_categories WHERE employee_id = ? AND fiscal_year = ? AND category = ?",
		key.EmployeeID, key.FiscalYear, string(ledger.CategoryRecovery))
	require.NoError(t, err)

	after, err := store.Increment(ctx, key, ledger.CategoryRecovery, ledger.Delta{Initial: dec("1.125"), Balance: dec("1.125")})
	require.NoError(t, err)
	assert.True(t, dec("1.125").Equal(after.Balance), "got %s", after.Balance)

	b, err := store.LoadBalance(ctx, key)
	require.NoError(t, err)
	ca := b.Category(ledger.CategoryAnnual)
	assert.True(t, dec("22.5").Equal(ca.Balance), "got %s", ca.Balance)
	assert.True(t, dec("2.5").Equal(ca.Taken), "got %s", ca.Taken)
	assert.True(t, dec("1.125").Equal(b.Category(ledger.CategoryRecovery).Initial))
	assert.True(t, b.Consistent())
}

func TestWithTx_RollsBack(t *testing.T) {
	store := setupTestStore(t)
	l := setupLedger(t, store)
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.WithTx(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.Deduct(ctx, ledger.Mutation{
			EmployeeID: "emp-1", FiscalYear: 2025, Category: ledger.CategoryAnnual, Amount: dec("3"),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.LoadBalance(ctx, ledger.Key{EmployeeID: "emp-1", FiscalYear: 2025})
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound, "lazily created balance rolled back")

	txs, err := store.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestListTransactions_FiltersAndPages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

	for i, c := range []ledger.Category{ledger.CategoryAnnual, ledger.CategoryRTT, ledger.CategoryAnnual, ledger.CategoryAnnual} {
		require.NoError(t, store.AppendTransaction(ctx, ledger.Transaction{
			ID:             string(rune('a' + i)),
			EmployeeID:     "emp-1",
			FiscalYear:     2025,
			Category:       c,
			Kind:           ledger.OpDeduct,
			Amount:         dec("-1"),
			IdempotencyKey: "k" + string(rune('a'+i)),
			Automatic:      true,
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		}))
	}
	year := 2025

	all, err := store.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1", FiscalYear: &year, Category: ledger.CategoryAnnual})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "c", "d"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[0].Automatic)
	assert.Equal(t, base, all[0].CreatedAt)

	page, err := store.ListTransactions(ctx, ledger.TransactionFilter{EmployeeID: "emp-1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)

	err = store.AppendTransaction(ctx, ledger.Transaction{ID: "z", EmployeeID: "emp-1", IdempotencyKey: "ka", CreatedAt: base})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

// =============================================================================
// ABSENCES
// =============================================================================

func TestUpdateAbsence_CompareAndSet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	req := workflow.AbsenceRequest{
		ID:         "abs-1",
		EmployeeID: "emp-1",
		LeaveType:  "CA",
		Start:      time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC),
		Amount:     dec("5"),
		Unit:       workflow.UnitDays,
		Status:     workflow.StatusPending,
	}
	require.NoError(t, store.UpdateAbsence(ctx, req, workflow.StatusNone, 0))
	assert.ErrorIs(t, store.UpdateAbsence(ctx, req, workflow.StatusNone, 0), workflow.ErrStaleAbsence)

	req.Status = workflow.StatusApproved
	require.NoError(t, store.UpdateAbsence(ctx, req, workflow.StatusPending, 0))
	assert.ErrorIs(t, store.UpdateAbsence(ctx, req, workflow.StatusPending, 0), workflow.ErrStaleAbsence)

	ghost := req
	ghost.ID = "ghost"
	assert.ErrorIs(t, store.UpdateAbsence(ctx, ghost, workflow.StatusPending, 0), workflow.ErrAbsenceNotFound)

	got, err := store.GetAbsence(ctx, "abs-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, got.Status)
	assert.Equal(t, req.Start, got.Start)
	assert.True(t, dec("5").Equal(got.Amount))

	_, err = store.GetAbsence(ctx, "ghost")
	assert.ErrorIs(t, err, workflow.ErrAbsenceNotFound)

	list, err := store.ListAbsences(ctx, "emp-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSynchronizer_OnSQLite(t *testing.T) {
	// GIVEN: the reject overdraft policy
	// WHEN: an approval would overdraw, then a valid approval is replayed
	// THEN: the failed approval leaves the absence pending; the replay deducts once

	store := setupTestStore(t)
	l := setupLedger(t, store, ledger.WithOverdraftPolicy(ledger.OverdraftReject))
	s := orchestrator.New(l, orchestrator.DefaultMapping(), nil, orchestrator.DefaultConfig())
	ctx := context.Background()

	big := workflow.AbsenceRequest{
		ID: "abs-big", EmployeeID: "emp-1", LeaveType: "Congés annuels",
		Start:  time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2025, time.July, 31, 0, 0, 0, 0, time.UTC),
		Amount: dec("40"), Unit: workflow.UnitDays,
	}
	_, err := s.ApplyTransition(ctx, big, workflow.StatusNone, workflow.StatusPending, "emp-1")
	require.NoError(t, err)
	_, err = s.ApplyTransition(ctx, big, workflow.StatusPending, workflow.StatusApproved, "mgr-1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	stored, err := store.GetAbsence(ctx, "abs-big")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, stored.Status)

	small := big
	small.ID = "abs-small"
	small.Amount = dec("2")
	_, err = s.ApplyTransition(ctx, small, workflow.StatusNone, workflow.StatusPending, "emp-1")
	require.NoError(t, err)
	_, err = s.ApplyTransition(ctx, small, workflow.StatusPending, workflow.StatusApproved, "mgr-1")
	require.NoError(t, err)
	res, err := s.ApplyTransition(ctx, small, workflow.StatusPending, workflow.StatusApproved, "mgr-1")
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	b, err := l.GetBalance(ctx, "emp-1", 2025)
	require.NoError(t, err)
	assert.True(t, dec("2").Equal(b.Category(ledger.CategoryAnnual).Taken))
}

// =============================================================================
// EMPLOYEES & AUDIT
// =============================================================================

func TestProfiles(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetProfile(ctx, "emp-1")
	assert.ErrorIs(t, err, ledger.ErrEmployeeNotFound)

	require.NoError(t, store.SaveProfile(ctx, entitlement.EmployeeProfile{ID: "emp-2", JobTitle: "Comptable", WorkTime: "80%"}))
	require.NoError(t, store.SaveProfile(ctx, entitlement.EmployeeProfile{ID: "emp-1", JobTitle: "Educateur", HireDate: "2020-09-01"}))
	require.NoError(t, store.SaveProfile(ctx, entitlement.EmployeeProfile{ID: "emp-2", JobTitle: "Comptable", WorkTime: "50%"}))

	p, err := store.GetProfile(ctx, "emp-2")
	require.NoError(t, err)
	assert.Equal(t, "50%", p.WorkTime)

	ids, err := store.ListEmployeeIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"emp-1", "emp-2"}, ids)
}

func TestAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"e1", "e2", "e1"} {
		require.NoError(t, store.AppendAudit(ctx, events.AuditEntry{
			ID:         id,
			EventType:  events.TypeAbsenceTransitioned,
			EmployeeID: "emp-1",
			AbsenceID:  "abs-1",
			FiscalYear: 2025,
			Payload:    map[string]any{"to": "approved", "n": i},
			OccurredAt: at,
		}))
	}
	require.NoError(t, store.AppendAudit(ctx, events.AuditEntry{ID: "e3", EventType: events.TypeBalanceGranted, EmployeeID: "emp-2", OccurredAt: at}))

	entries, err := store.ListAudit(ctx, "emp-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2, "duplicate id ignored")
	assert.Equal(t, "e2", entries[0].ID)
	assert.Equal(t, "approved", entries[0].Payload["to"])
	assert.Equal(t, at, entries[0].OccurredAt)

	all, err := store.ListAudit(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "e3", all[0].ID)
}
