/*
ledger.go - Balance ledger service

PURPOSE:
  The Ledger is the only component that mutates leave balances. Each
  operation runs inside one store transaction:

    1. idempotency check (TransactionExists)
    2. EnsureBalance (lazy creation from the entitlement seeder)
    3. atomic Increment of the category counters
    4. AppendTransaction with balance before/after

  If any step fails the store rolls everything back, so a transaction log
  entry exists if and only if its increment was applied.

OPERATIONS:
  Deduct       Taken += a,        Balance -= a   (a > 0)
  Reintegrate  Reintegrated += a, Balance += a   (a > 0)
  Grant        Initial += a,      Balance += a   (a > 0, actor required)
  Correct      Initial += a,      Balance += a   (a != 0, actor and reason required)

IDEMPOTENCY:
  Absence-driven mutations use AbsenceIdempotencyKey(absence, revision, kind).
  Replaying a key returns ErrConflict and changes nothing.

OVERDRAFT:
  OverdraftAllow (default) applies a deduction that drives the balance
  negative and returns a PolicyWarning. OverdraftReject refuses it with
  InsufficientBalanceError.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// InitialEntitlement seeds the Initial counters of a balance that does not
// exist yet. Implemented by entitlement.Seeder.
//
// tx is the store of the running transaction. Implementations that read
// from the same database must read through it: the parent store may be
// locked until the transaction ends.
type InitialEntitlement interface {
	InitialBalances(ctx context.Context, tx Store, employeeID string, reference time.Time) (map[Category]decimal.Decimal, error)
}

// BalanceCache is an optional read-through cache for GetBalance.
//
// Every Invalidate bumps the generation of its keys. Set stores b only
// while the key is still at gen, so a record loaded before a commit is
// never cached after that commit's invalidation.
type BalanceCache interface {
	Get(ctx context.Context, key Key) (*LeaveBalance, bool, error)
	Generation(ctx context.Context, key Key) (int64, error)
	Set(ctx context.Context, b *LeaveBalance, gen int64) error
	Invalidate(ctx context.Context, keys ...Key) error
}

// Observer receives one call per committed operation.
type Observer interface {
	Operation(kind OperationKind, category Category)
	Replay(kind OperationKind)
	NegativeBalance(category Category)
}

type nopObserver struct{}

func (nopObserver) Operation(OperationKind, Category) {}
func (nopObserver) Replay(OperationKind)              {}
func (nopObserver) NegativeBalance(Category)          {}

// =============================================================================
// OVERDRAFT POLICY
// =============================================================================

type OverdraftPolicy string

const (
	OverdraftAllow  OverdraftPolicy = "allow"
	OverdraftReject OverdraftPolicy = "reject"
)

func ParseOverdraftPolicy(s string) (OverdraftPolicy, error) {
	switch OverdraftPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case OverdraftAllow, "":
		return OverdraftAllow, nil
	case OverdraftReject:
		return OverdraftReject, nil
	default:
		return "", &ValidationError{Field: "overdraft_policy", Reason: fmt.Sprintf("unknown policy %q", s)}
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type Option func(*Ledger)

func WithOverdraftPolicy(p OverdraftPolicy) Option { return func(l *Ledger) { l.overdraft = p } }
func WithCalendar(c FiscalCalendar) Option         { return func(l *Ledger) { l.calendar = c } }
func WithCache(c BalanceCache) Option              { return func(l *Ledger) { l.cache = c } }
func WithObserver(o Observer) Option               { return func(l *Ledger) { l.observer = o } }
func WithClock(now func() time.Time) Option        { return func(l *Ledger) { l.now = now } }

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type Ledger struct {
	store     TxStore
	seeder    InitialEntitlement
	calendar  FiscalCalendar
	overdraft OverdraftPolicy
	cache     BalanceCache
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	creating singleflight.Group
}

func New(store TxStore, seeder InitialEntitlement, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		seeder:    seeder,
		calendar:  CalendarYear,
		overdraft: OverdraftAllow,
		observer:  nopObserver{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.observer == nil {
		l.observer = nopObserver{}
	}
	return l
}

func (l *Ledger) Store() TxStore                    { return l.store }
func (l *Ledger) Calendar() FiscalCalendar         { return l.calendar }
func (l *Ledger) OverdraftPolicy() OverdraftPolicy { return l.overdraft }

// Mutation describes one ledger operation.
type Mutation struct {
	EmployeeID string
	FiscalYear int
	Category   Category

	// Amount is in days. Deduct, Reintegrate and Grant require a positive
	// amount; Correct takes a signed one.
	Amount decimal.Decimal

	Reason          string
	AbsenceRef      string
	AbsenceRevision int

	// IdempotencyKey overrides the key derived from AbsenceRef.
	IdempotencyKey string

	ActorID   string
	Automatic bool
}

func (m Mutation) key() Key { return Key{EmployeeID: m.EmployeeID, FiscalYear: m.FiscalYear} }

func (m Mutation) idempotencyKey(kind OperationKind) string {
	switch {
	case m.IdempotencyKey != "":
		return m.IdempotencyKey
	case m.AbsenceRef != "":
		return AbsenceIdempotencyKey(m.AbsenceRef, m.AbsenceRevision, kind)
	default:
		return "manual:" + uuid.NewString()
	}
}

// Outcome is the result of one applied operation.
type Outcome struct {
	Transaction Transaction
	Before      CategoryBalance
	After       CategoryBalance
	Warning     *PolicyWarning
}

// =============================================================================
// PUBLIC OPERATIONS - each runs in its own store transaction
// =============================================================================

// EnsureBalance returns the balance of (employeeID, fiscalYear), creating it
// from the entitlement seeder if absent. Concurrent callers in this process
// share one creation; a creator that loses the insert race in the store
// reads the winner's record.
func (l *Ledger) EnsureBalance(ctx context.Context, employeeID string, fiscalYear int) (*LeaveBalance, error) {
	if err := validateKey(employeeID, fiscalYear); err != nil {
		return nil, err
	}
	key := Key{EmployeeID: employeeID, FiscalYear: fiscalYear}
	// The shared creation outlives any one caller: a cancelled caller
	// must not fail the others waiting on the same key.
	ch := l.creating.DoChan(key.String(), func() (any, error) {
		shared := context.WithoutCancel(ctx)
		var out *LeaveBalance
		err := l.WithTx(shared, func(tx *Tx) error {
			b, err := tx.EnsureBalance(shared, employeeID, fiscalYear)
			out = b
			return err
		})
		return out, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*LeaveBalance).Clone(), nil
	}
}

func (l *Ledger) Deduct(ctx context.Context, m Mutation) (*Outcome, error) {
	return l.single(ctx, func(tx *Tx) (*Outcome, error) { return tx.Deduct(ctx, m) })
}

func (l *Ledger) Reintegrate(ctx context.Context, m Mutation) (*Outcome, error) {
	return l.single(ctx, func(tx *Tx) (*Outcome, error) { return tx.Reintegrate(ctx, m) })
}

func (l *Ledger) Grant(ctx context.Context, m Mutation) (*Outcome, error) {
	return l.single(ctx, func(tx *Tx) (*Outcome, error) { return tx.Grant(ctx, m) })
}

func (l *Ledger) Correct(ctx context.Context, m Mutation) (*Outcome, error) {
	return l.single(ctx, func(tx *Tx) (*Outcome, error) { return tx.Correct(ctx, m) })
}

func (l *Ledger) single(ctx context.Context, op func(*Tx) (*Outcome, error)) (*Outcome, error) {
	var out *Outcome
	err := l.WithTx(ctx, func(tx *Tx) error {
		o, err := op(tx)
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalance returns ErrBalanceNotFound when the record does not exist.
func (l *Ledger) GetBalance(ctx context.Context, employeeID string, fiscalYear int) (*LeaveBalance, error) {
	if err := validateKey(employeeID, fiscalYear); err != nil {
		return nil, err
	}
	key := Key{EmployeeID: employeeID, FiscalYear: fiscalYear}

	var (
		gen       int64
		cacheable bool
	)
	if l.cache != nil {
		b, ok, err := l.cache.Get(ctx, key)
		if err != nil {
			l.logger.Warn("balance cache read failed", "key", key.String(), "err", err)
		} else if ok {
			return b, nil
		}
		// The generation must be read before the store.
		if gen, err = l.cache.Generation(ctx, key); err != nil {
			l.logger.Warn("balance cache read failed", "key", key.String(), "err", err)
		} else {
			cacheable = true
		}
	}

	b, err := l.store.LoadBalance(ctx, key)
	if err != nil {
		return nil, Storage("load balance", err)
	}
	if cacheable {
		if err := l.cache.Set(ctx, b, gen); err != nil {
			l.logger.Warn("balance cache write failed", "key", key.String(), "err", err)
		}
	}
	return b, nil
}

// ListTransactions returns one page of the employee's transaction log.
func (l *Ledger) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if strings.TrimSpace(filter.EmployeeID) == "" {
		return nil, &ValidationError{Field: "employee_id", Reason: "required"}
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown leave category %q", filter.Category)}
	}
	txs, err := l.store.ListTransactions(ctx, filter.Normalize())
	if err != nil {
		return nil, Storage("list transactions", err)
	}
	return txs, nil
}

// OpenFiscalYear ensures a balance for every employee. Unknown employees are
// skipped; other failures are joined and returned after the whole run.
func (l *Ledger) OpenFiscalYear(ctx context.Context, fiscalYear int, employeeIDs []string) (int, error) {
	var (
		opened int
		errs   []error
	)
	for _, id := range employeeIDs {
		if err := ctx.Err(); err != nil {
			return opened, err
		}
		if _, err := l.EnsureBalance(ctx, id, fiscalYear); err != nil {
			if IsNotFound(err) {
				l.logger.Warn("fiscal year opening skipped employee", "employee_id", id, "err", err)
				continue
			}
			errs = append(errs, fmt.Errorf("employee %s: %w", id, err))
			continue
		}
		opened++
	}
	return opened, errors.Join(errs...)
}

// =============================================================================
// TX - Ledger view bound to one store transaction
// =============================================================================

// Tx exposes the ledger operations inside a store transaction, so callers
// can commit several operations (and their own writes through Store) as a
// unit.
type Tx struct {
	l        *Ledger
	store    Store
	touched  map[Key]struct{}
	outcomes []Outcome
}

// WithTx runs fn in one store transaction. Cache invalidation and metrics
// happen only after commit.
func (l *Ledger) WithTx(ctx context.Context, fn func(*Tx) error) error {
	var tx *Tx
	err := l.store.WithTx(ctx, func(s Store) error {
		tx = &Tx{l: l, store: s, touched: make(map[Key]struct{})}
		return fn(tx)
	})
	if err != nil {
		return Storage("commit", err)
	}
	l.afterCommit(ctx, tx)
	return nil
}

func (l *Ledger) afterCommit(ctx context.Context, tx *Tx) {
	if tx == nil {
		return
	}
	if l.cache != nil && len(tx.touched) > 0 {
		keys := make([]Key, 0, len(tx.touched))
		for k := range tx.touched {
			keys = append(keys, k)
		}
		if err := l.cache.Invalidate(ctx, keys...); err != nil {
			l.logger.Warn("balance cache invalidation failed", "err", err)
		}
	}
	for _, o := range tx.outcomes {
		l.observer.Operation(o.Transaction.Kind, o.Transaction.Category)
		if o.Warning != nil {
			l.observer.NegativeBalance(o.Warning.Category)
			l.logger.Warn("leave balance overdrawn",
				"employee_id", o.Warning.Key.EmployeeID,
				"fiscal_year", o.Warning.Key.FiscalYear,
				"category", o.Warning.Category,
				"balance", o.Warning.Balance.String())
		}
	}
}

// Store returns the transaction-scoped store.
func (t *Tx) Store() Store { return t.store }

// EnsureBalance loads the balance or creates it inside this transaction.
func (t *Tx) EnsureBalance(ctx context.Context, employeeID string, fiscalYear int) (*LeaveBalance, error) {
	if err := validateKey(employeeID, fiscalYear); err != nil {
		return nil, err
	}
	key := Key{EmployeeID: employeeID, FiscalYear: fiscalYear}

	b, err := t.store.LoadBalance(ctx, key)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, Storage("load balance", err)
	}

	initial, err := t.l.seeder.InitialBalances(ctx, t.store, employeeID, t.l.calendar.Start(fiscalYear))
	if err != nil {
		return nil, Storage("seed balance", err)
	}
	fresh := NewLeaveBalance(key, initial, t.l.now())
	created, err := t.store.InsertBalanceIfAbsent(ctx, *fresh)
	if err != nil {
		return nil, Storage("insert balance", err)
	}
	if !created {
		b, err := t.store.LoadBalance(ctx, key)
		if err != nil {
			return nil, Storage("load balance", err)
		}
		return b, nil
	}
	t.touched[key] = struct{}{}
	t.l.logger.Info("leave balance created", "employee_id", employeeID, "fiscal_year", fiscalYear)
	return fresh, nil
}

func (t *Tx) Deduct(ctx context.Context, m Mutation) (*Outcome, error) {
	if err := validateMutation(m, OpDeduct); err != nil {
		return nil, err
	}
	a := m.Amount
	return t.apply(ctx, OpDeduct, m, Delta{Taken: a, Balance: a.Neg()}, a.Neg())
}

func (t *Tx) Reintegrate(ctx context.Context, m Mutation) (*Outcome, error) {
	if err := validateMutation(m, OpReintegrate); err != nil {
		return nil, err
	}
	a := m.Amount
	return t.apply(ctx, OpReintegrate, m, Delta{Reintegrated: a, Balance: a}, a)
}

func (t *Tx) Grant(ctx context.Context, m Mutation) (*Outcome, error) {
	if err := validateMutation(m, OpGrant); err != nil {
		return nil, err
	}
	m.Automatic = false
	a := m.Amount
	return t.apply(ctx, OpGrant, m, Delta{Initial: a, Balance: a}, a)
}

func (t *Tx) Correct(ctx context.Context, m Mutation) (*Outcome, error) {
	if err := validateMutation(m, OpCorrection); err != nil {
		return nil, err
	}
	m.Automatic = false
	a := m.Amount
	return t.apply(ctx, OpCorrection, m, Delta{Initial: a, Balance: a}, a)
}

func (t *Tx) apply(ctx context.Context, kind OperationKind, m Mutation, d Delta, signed decimal.Decimal) (*Outcome, error) {
	idemKey := m.idempotencyKey(kind)
	exists, err := t.store.TransactionExists(ctx, idemKey)
	if err != nil {
		return nil, Storage("check idempotency key", err)
	}
	if exists {
		t.l.observer.Replay(kind)
		return nil, fmt.Errorf("%s %s: %w", kind, idemKey, ErrConflict)
	}

	if _, err := t.EnsureBalance(ctx, m.EmployeeID, m.FiscalYear); err != nil {
		return nil, err
	}

	key := m.key()
	after, err := t.store.Increment(ctx, key, m.Category, d)
	if err != nil {
		return nil, Storage("increment balance", err)
	}
	before := after.Apply(Delta{
		Initial:      d.Initial.Neg(),
		Taken:        d.Taken.Neg(),
		Reintegrated: d.Reintegrated.Neg(),
		Balance:      d.Balance.Neg(),
	})

	var warning *PolicyWarning
	if d.Balance.IsNegative() && after.Balance.IsNegative() {
		if kind == OpDeduct && t.l.overdraft == OverdraftReject {
			return nil, &InsufficientBalanceError{
				Key:       key,
				Category:  m.Category,
				Available: before.Balance,
				Requested: m.Amount,
			}
		}
		warning = &PolicyWarning{Key: key, Category: m.Category, Balance: after.Balance}
	}

	tx := Transaction{
		ID:              uuid.NewString(),
		EmployeeID:      m.EmployeeID,
		FiscalYear:      m.FiscalYear,
		Category:        m.Category,
		Kind:            kind,
		Amount:          signed,
		BalanceBefore:   before.Balance,
		BalanceAfter:    after.Balance,
		Reason:          m.Reason,
		AbsenceRef:      m.AbsenceRef,
		AbsenceRevision: m.AbsenceRevision,
		IdempotencyKey:  idemKey,
		ActorID:         m.ActorID,
		Automatic:       m.Automatic,
		CreatedAt:       t.l.now(),
	}
	if err := t.store.AppendTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrConflict) {
			t.l.observer.Replay(kind)
		}
		return nil, Storage("append transaction", err)
	}

	t.touched[key] = struct{}{}
	out := Outcome{Transaction: tx, Before: before, After: after, Warning: warning}
	t.outcomes = append(t.outcomes, out)
	return &out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// NewLeaveBalance builds a record whose Initial and Balance equal the
// entitlement. Every known category gets a row.
func NewLeaveBalance(key Key, initial map[Category]decimal.Decimal, now time.Time) *LeaveBalance {
	b := &LeaveBalance{
		EmployeeID: key.EmployeeID,
		FiscalYear: key.FiscalYear,
		Categories: make(map[Category]CategoryBalance, len(Categories())),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, c := range Categories() {
		v := initial[c]
		b.Categories[c] = CategoryBalance{Initial: v, Balance: v}
	}
	return b
}

// Clone returns a deep copy.
func (b *LeaveBalance) Clone() *LeaveBalance {
	if b == nil {
		return nil
	}
	out := *b
	out.Categories = make(map[Category]CategoryBalance, len(b.Categories))
	for c, cb := range b.Categories {
		out.Categories[c] = cb
	}
	return &out
}

func validateKey(employeeID string, fiscalYear int) error {
	if strings.TrimSpace(employeeID) == "" {
		return &ValidationError{Field: "employee_id", Reason: "required"}
	}
	if fiscalYear < 1900 || fiscalYear > 9999 {
		return &ValidationError{Field: "fiscal_year", Reason: fmt.Sprintf("out of range: %d", fiscalYear)}
	}
	return nil
}

func validateMutation(m Mutation, kind OperationKind) error {
	if err := validateKey(m.EmployeeID, m.FiscalYear); err != nil {
		return err
	}
	if !m.Category.Valid() {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown leave category %q", m.Category)}
	}
	switch kind {
	case OpCorrection:
		if m.Amount.IsZero() {
			return &ValidationError{Field: "amount", Reason: "correction must be non-zero"}
		}
		if strings.TrimSpace(m.Reason) == "" {
			return &ValidationError{Field: "reason", Reason: "required for a correction"}
		}
	default:
		if !m.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Reason: fmt.Sprintf("%s amount must be positive, got %s", kind, m.Amount)}
		}
	}
	if (kind == OpGrant || kind == OpCorrection) && strings.TrimSpace(m.ActorID) == "" {
		return &ValidationError{Field: "actor_id", Reason: fmt.Sprintf("required for a %s", kind)}
	}
	return nil
}
