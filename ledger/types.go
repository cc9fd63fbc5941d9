/*
Package ledger owns leave balances and the append-only transaction log.

PURPOSE:
  The ledger is the single point of mutation for leave balances. Every
  deduction, reintegration, grant and correction moves the per-category
  counters of a LeaveBalance with atomic arithmetic and appends exactly one
  Transaction describing the move.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a quantity with a unit (days or hours)
  - Category: the closed set of ledger categories (CA, CT, RTT, REC, CEX)
  - CategoryBalance / LeaveBalance: the per (employee, fiscal year) record
  - Transaction: an immutable ledger entry with balance before/after

ACCOUNTING INVARIANT:
  For every category, at every point in time:

    Balance == Initial - Taken + Reintegrated

  Taken and Reintegrated only grow. A reintegration never decrements Taken,
  it increments Reintegrated, which keeps the history readable straight off
  the counters.

SEE ALSO:
  - ledger.go: Ledger service (EnsureBalance, Deduct, Reintegrate, ...)
  - store.go: persistence contract with atomic increments
  - errors.go: error kinds
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func Days(value float64) decimal.Decimal { return decimal.NewFromFloat(value) }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// InDays converts the amount to days. Hours are divided by hoursPerDay.
func (a Amount) InDays(hoursPerDay decimal.Decimal) (Amount, error) {
	switch a.Unit {
	case UnitDays, "":
		return Amount{Value: a.Value, Unit: UnitDays}, nil
	case UnitHours:
		if !hoursPerDay.IsPositive() {
			return Amount{}, &ValidationError{Field: "hours_per_day", Reason: "must be positive"}
		}
		return Amount{Value: a.Value.DivRound(hoursPerDay, 4), Unit: UnitDays}, nil
	default:
		return Amount{}, &ValidationError{Field: "unit", Reason: fmt.Sprintf("unknown unit %q", a.Unit)}
	}
}

func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) IsZero() bool     { return a.Value.IsZero() }

// =============================================================================
// CATEGORY - Closed set of ledger categories
// =============================================================================

// Category is a leave category that owns a running balance.
type Category string

const (
	CategoryAnnual      Category = "CA"  // congés annuels
	CategoryQuarterly   Category = "CT"  // congés trimestriels
	CategoryRTT         Category = "RTT" // réduction du temps de travail
	CategoryRecovery    Category = "REC" // récupération
	CategoryExceptional Category = "CEX" // congés exceptionnels
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{CategoryAnnual, CategoryQuarterly, CategoryRTT, CategoryRecovery, CategoryExceptional}
}

// ParseCategory maps a code (case-insensitive) to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown leave category %q", s)}
}

func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}

// =============================================================================
// BALANCE
// =============================================================================

// CategoryBalance holds the four counters of one category. All values are days.
type CategoryBalance struct {
	Initial      decimal.Decimal
	Taken        decimal.Decimal
	Reintegrated decimal.Decimal
	Balance      decimal.Decimal
}

// Consistent reports whether the accounting invariant holds.
func (b CategoryBalance) Consistent() bool {
	return b.Balance.Equal(b.Initial.Sub(b.Taken).Add(b.Reintegrated))
}

// Apply returns b moved by d.
func (b CategoryBalance) Apply(d Delta) CategoryBalance {
	return CategoryBalance{
		Initial:      b.Initial.Add(d.Initial),
		Taken:        b.Taken.Add(d.Taken),
		Reintegrated: b.Reintegrated.Add(d.Reintegrated),
		Balance:      b.Balance.Add(d.Balance),
	}
}

// Delta is an increment applied atomically to one category.
type Delta struct {
	Initial      decimal.Decimal
	Taken        decimal.Decimal
	Reintegrated decimal.Decimal
	Balance      decimal.Decimal
}

// Key identifies a LeaveBalance record.
type Key struct {
	EmployeeID string
	FiscalYear int
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.EmployeeID, k.FiscalYear) }

// LeaveBalance is the per (employee, fiscal year) balance record.
type LeaveBalance struct {
	EmployeeID string
	FiscalYear int
	Categories map[Category]CategoryBalance
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (b *LeaveBalance) Key() Key { return Key{EmployeeID: b.EmployeeID, FiscalYear: b.FiscalYear} }

// Category returns the counters of c, zero if the category has no row yet.
func (b *LeaveBalance) Category(c Category) CategoryBalance {
	if b == nil || b.Categories == nil {
		return CategoryBalance{}
	}
	return b.Categories[c]
}

// Consistent reports whether every category satisfies the invariant.
func (b *LeaveBalance) Consistent() bool {
	for _, cb := range b.Categories {
		if !cb.Consistent() {
			return false
		}
	}
	return true
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type OperationKind string

const (
	OpDeduct      OperationKind = "deduct"
	OpReintegrate OperationKind = "reintegrate"
	OpGrant       OperationKind = "grant"
	OpCorrection  OperationKind = "correction"
)

type Transaction struct {
	ID         string
	EmployeeID string
	FiscalYear int
	Category   Category
	Kind       OperationKind

	// Amount is signed: negative for a deduction, positive for a
	// reintegration or a grant, either sign for a correction.
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	Reason          string
	AbsenceRef      string
	AbsenceRevision int
	IdempotencyKey  string

	ActorID   string
	Automatic bool
	CreatedAt time.Time
}

// AbsenceIdempotencyKey builds the key used for absence-driven mutations.
// The revision distinguishes the deduction of an edited absence from the
// deduction of its previous version.
func AbsenceIdempotencyKey(absenceID string, revision int, kind OperationKind) string {
	return fmt.Sprintf("absence:%s:r%d:%s", absenceID, revision, kind)
}
