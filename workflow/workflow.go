/*
Package workflow models the absence-request lifecycle.

PURPOSE:
  An absence request moves through a multi-step approval workflow. Some
  transitions carry a ledger effect, most do not. This package owns the
  typed transition table and answers two questions for the orchestrator:
  "is this transition valid?" and "which ledger effect does it require?".
  It never touches balances.

STATES:
  "" (creation) ──▶ pending ──▶ validated_by_manager ──▶ approved
                       │                 │                  │
                       ├──▶ rejected ◀───┤                  ├──▶ cancelled
                       │       │         │                  └──▶ deleted
                       │       └──▶ deleted
                       └──▶ cancelled / deleted (no effect before approval)

EFFECTS:
  EffectDeduct       entering approved
  EffectReintegrate  leaving approved through cancel or delete
  EffectReplace      approved → approved (edit): reintegrate old, deduct new

SEE ALSO:
  - store.go: AbsenceStore contract (compare-and-set on status and revision)
  - orchestrator/: runs the effect against the ledger
*/
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusNone               Status = ""
	StatusPending            Status = "pending"
	StatusValidatedByManager Status = "validated_by_manager"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusCancelled          Status = "cancelled"
	StatusDeleted            Status = "deleted"
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusValidatedByManager, StatusApproved,
		StatusRejected, StatusCancelled, StatusDeleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q: %w", s, ErrInvalidTransition)
}

// =============================================================================
// ABSENCE REQUEST
// =============================================================================

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

// AbsenceRequest is the workflow entity whose transitions drive the ledger.
type AbsenceRequest struct {
	ID         string
	EmployeeID string

	// LeaveType is the free-text label; the orchestrator maps it to a
	// ledger category.
	LeaveType string

	Start time.Time
	End   time.Time

	Amount decimal.Decimal
	Unit   Unit

	Status Status

	// Revision is bumped on each edit of an approved request. It is part of
	// the ledger idempotency key, so every revision is deducted once.
	Revision int

	Reason    string
	UpdatedAt time.Time
}

var (
	ErrInvalidRequest    = errors.New("invalid absence request")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAbsenceNotFound   = errors.New("absence not found")

	// ErrStaleAbsence is returned by AbsenceStore.UpdateAbsence when the
	// stored status or revision no longer matches the expected one.
	ErrStaleAbsence = errors.New("absence changed concurrently")
)

// Validate checks the fields every absence must carry.
func (r AbsenceRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.EmployeeID) == "":
		return fmt.Errorf("%w: employee id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.LeaveType) == "":
		return fmt.Errorf("%w: leave type is required", ErrInvalidRequest)
	case r.Start.IsZero() || r.End.IsZero():
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidRequest)
	case r.End.Before(r.Start):
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidRequest,
			r.End.Format("2006-01-02"), r.Start.Format("2006-01-02"))
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidRequest, r.Amount)
	}
	switch r.Unit {
	case UnitDays, UnitHours:
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidRequest, r.Unit)
	}
	return nil
}

// SameBooking reports whether r and o book the same leave: employee, type,
// dates and amount. Status, revision and bookkeeping fields are ignored.
func (r AbsenceRequest) SameBooking(o AbsenceRequest) bool {
	return r.EmployeeID == o.EmployeeID &&
		r.LeaveType == o.LeaveType &&
		dayOf(r.Start).Equal(dayOf(o.Start)) &&
		dayOf(r.End).Equal(dayOf(o.End)) &&
		r.Amount.Equal(o.Amount) &&
		r.Unit == o.Unit
}

// InterruptedOn reports whether r already is the result of interrupting on:
// an approved, edited request ending the day before on.
func InterruptedOn(r AbsenceRequest, on time.Time) bool {
	return r.Status == StatusApproved && r.Revision > 0 &&
		dayOf(r.End).Equal(dayOf(on).AddDate(0, 0, -1))
}

// Interrupted returns the approved request shortened to end the day before
// on. Unused days are removed proportionally to calendar days. If on falls
// on or before the first day, nothing is left and ok is false: the caller
// cancels the absence instead.
func Interrupted(r AbsenceRequest, on time.Time) (out AbsenceRequest, ok bool, err error) {
	if r.Status != StatusApproved {
		return r, false, fmt.Errorf("interrupt %s absence: %w", r.Status, ErrInvalidTransition)
	}
	start, end, day := dayOf(r.Start), dayOf(r.End), dayOf(on)
	if day.After(end) {
		return r, false, fmt.Errorf("%w: interruption %s after end %s", ErrInvalidRequest,
			day.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	if !day.After(start) {
		return r, false, nil
	}

	total := calendarDays(start, end)
	kept := calendarDays(start, day.AddDate(0, 0, -1))

	out = r
	out.End = day.AddDate(0, 0, -1)
	out.Amount = r.Amount.Mul(decimal.NewFromInt(int64(kept))).
		DivRound(decimal.NewFromInt(int64(total)), 2)
	out.Revision = r.Revision + 1
	return out, true, nil
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func calendarDays(from, to time.Time) int {
	return int(to.Sub(from).Hours()/24) + 1
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type Effect int

const (
	EffectNone Effect = iota
	EffectDeduct
	EffectReintegrate
	EffectReplace
)

func (e Effect) String() string {
	switch e {
	case EffectDeduct:
		return "deduct"
	case EffectReintegrate:
		return "reintegrate"
	case EffectReplace:
		return "replace"
	default:
		return "none"
	}
}

type transition struct {
	from Status
	to   Status
}

// Machine validates transitions against a fixed table.
type Machine struct {
	table map[transition]Effect
}

func NewMachine() *Machine {
	return &Machine{table: map[transition]Effect{
		{StatusNone, StatusPending}: EffectNone,

		{StatusPending, StatusValidatedByManager}:  EffectNone,
		{StatusPending, StatusApproved}:            EffectDeduct,
		{StatusValidatedByManager, StatusApproved}: EffectDeduct,

		{StatusPending, StatusRejected}:            EffectNone,
		{StatusValidatedByManager, StatusRejected}: EffectNone,

		{StatusPending, StatusCancelled}:            EffectNone,
		{StatusPending, StatusDeleted}:              EffectNone,
		{StatusValidatedByManager, StatusCancelled}: EffectNone,
		{StatusValidatedByManager, StatusDeleted}:   EffectNone,

		{StatusApproved, StatusCancelled}: EffectReintegrate,
		{StatusApproved, StatusDeleted}:   EffectReintegrate,
		{StatusApproved, StatusApproved}:  EffectReplace,

		{StatusRejected, StatusDeleted}: EffectNone,
	}}
}

// Effect returns the ledger effect of from → to, or ErrInvalidTransition.
func (m *Machine) Effect(from, to Status) (Effect, error) {
	e, ok := m.table[transition{from: from, to: to}]
	if !ok {
		return EffectNone, fmt.Errorf("%q → %q: %w", from, to, ErrInvalidTransition)
	}
	return e, nil
}

// Allowed lists the statuses reachable from from.
func (m *Machine) Allowed(from Status) []Status {
	var out []Status
	for _, st := range []Status{StatusPending, StatusValidatedByManager, StatusApproved,
		StatusRejected, StatusCancelled, StatusDeleted} {
		if _, ok := m.table[transition{from: from, to: st}]; ok {
			out = append(out, st)
		}
	}
	return out
}
