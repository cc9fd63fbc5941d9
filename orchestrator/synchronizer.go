/*
Package orchestrator keeps leave balances in step with the absence workflow.

PURPOSE:
  Translates an absence-request transition into zero, one or two ledger
  operations and commits them together with the status change:

    1. workflow.Machine: is from → to valid, which effect does it carry?
    2. Mapping: leave-type label → ledger category (Unmapped = no effect)
    3. hours → days (HoursPerDay), fiscal year from the start date
    4. one store transaction:
         compare-and-set the absence status (if the store holds absences)
         EnsureBalance + Deduct / Reintegrate
    5. publish events (fire-and-forget)

IDEMPOTENCY:
  Replaying a transition is reported as success with Result.Replayed set:
  either the status compare-and-set shows the absence already reached the
  target, or the ledger rejects the idempotency key with ErrConflict. In
  both cases the store transaction is rolled back and nothing changes.

FAILURES:
  The status change never commits without its ledger effect. Storage
  failures are retried with exponential backoff; validation, not-found and
  precondition failures surface immediately.

SEE ALSO:
  - workflow/workflow.go: transition table
  - ledger/ledger.go: Tx operations
*/
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

// ErrBusy is returned when another instance holds the absence lock.
var ErrBusy = errors.New("absence transition in progress")

// Locker serializes transitions of one absence across instances.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// Observer receives retry and transition counts.
type Observer interface {
	Retry(op string)
	Transition(from, to workflow.Status, effect workflow.Effect, replayed bool)
}

type nopObserver struct{}

func (nopObserver) Retry(string)                                                       {}
func (nopObserver) Transition(workflow.Status, workflow.Status, workflow.Effect, bool) {}

type Config struct {
	HoursPerDay    decimal.Decimal
	RetryAttempts  int
	RetryBaseDelay time.Duration
	LockTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		HoursPerDay:    decimal.NewFromInt(7),
		RetryAttempts:  3,
		RetryBaseDelay: 50 * time.Millisecond,
		LockTTL:        10 * time.Second,
	}
}

type Option func(*Synchronizer)

func WithLocker(l Locker) Option       { return func(s *Synchronizer) { s.locker = l } }
func WithObserver(o Observer) Option   { return func(s *Synchronizer) { s.observer = o } }
func WithLogger(l *slog.Logger) Option { return func(s *Synchronizer) { s.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

type Synchronizer struct {
	ledger    *ledger.Ledger
	machine   *workflow.Machine
	mapping   Mapping
	publisher *events.Publisher
	locker    Locker
	observer  Observer
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func New(l *ledger.Ledger, mapping Mapping, publisher *events.Publisher, cfg Config, opts ...Option) *Synchronizer {
	def := DefaultConfig()
	if !cfg.HoursPerDay.IsPositive() {
		cfg.HoursPerDay = def.HoursPerDay
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	s := &Synchronizer{
		ledger:    l,
		machine:   workflow.NewMachine(),
		mapping:   mapping,
		publisher: publisher,
		observer:  nopObserver{},
		logger:    slog.Default(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Synchronizer) Ledger() *ledger.Ledger     { return s.ledger }
func (s *Synchronizer) Machine() *workflow.Machine { return s.machine }

// Result reports what a transition did.
type Result struct {
	Absence  workflow.AbsenceRequest
	Effect   workflow.Effect
	Category ledger.Category

	// Outcomes holds one entry per ledger operation, empty on replay.
	Outcomes []ledger.Outcome
	Warnings []ledger.PolicyWarning

	// Balance of the affected (employee, fiscal year), nil when the
	// transition has no ledger category or the balance does not exist.
	Balance *ledger.LeaveBalance

	Replayed bool
}

// =============================================================================
// PLAN - What a request means for the ledger
// =============================================================================

type plan struct {
	category ledger.Category
	days     decimal.Decimal
	year     int
}

func (s *Synchronizer) plan(req workflow.AbsenceRequest) (plan, error) {
	cat, known := s.mapping.Resolve(req.LeaveType)
	if !known {
		s.logger.Warn("unknown leave type, no ledger effect", "absence_id", req.ID, "leave_type", req.LeaveType)
	}
	amount, err := ledger.Amount{Value: req.Amount, Unit: ledger.Unit(req.Unit)}.InDays(s.cfg.HoursPerDay)
	if err != nil {
		return plan{}, err
	}
	return plan{
		category: cat,
		days:     amount.Value,
		year:     s.ledger.Calendar().YearOf(req.Start),
	}, nil
}

func (p plan) mutation(req workflow.AbsenceRequest, actorID, reason string) ledger.Mutation {
	return ledger.Mutation{
		EmployeeID:      req.EmployeeID,
		FiscalYear:      p.year,
		Category:        p.category,
		Amount:          p.days,
		Reason:          reason,
		AbsenceRef:      req.ID,
		AbsenceRevision: req.Revision,
		ActorID:         actorID,
		Automatic:       true,
	}
}

// =============================================================================
// APPLY TRANSITION
// =============================================================================

// ApplyTransition moves req from → to and applies the ledger effect of the
// transition. When the store holds absences, the stored record (not req) is
// the source of the amount and dates of a transition out of an existing
// status.
func (s *Synchronizer) ApplyTransition(ctx context.Context, req workflow.AbsenceRequest, from, to workflow.Status, actorID string) (*Result, error) {
	effect, err := s.machine.Effect(from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrValidation, err)
	}
	if effect == workflow.EffectReplace {
		return nil, fmt.Errorf("%w: approved → approved is an edit, use ApplyEdit", ledger.ErrValidation)
	}
	return s.run(ctx, req.ID, func(ctx context.Context) (*Result, error) {
		return s.transition(ctx, req, from, to, effect, actorID)
	})
}

func (s *Synchronizer) transition(ctx context.Context, req workflow.AbsenceRequest, from, to workflow.Status, effect workflow.Effect, actorID string) (*Result, error) {
	res := &Result{Effect: effect}

	err := s.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
		cur := req
		absences, hasAbsences := tx.Store().(workflow.AbsenceStore)
		if hasAbsences && from != workflow.StatusNone {
			stored, err := absences.GetAbsence(ctx, req.ID)
			if err != nil {
				return absenceError(err)
			}
			cur = *stored
		}
		if err := cur.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrValidation, err)
		}

		p, err := s.plan(cur)
		if err != nil {
			return err
		}
		res.Category = p.category

		next := cur
		next.Status = to
		next.UpdatedAt = s.now()
		if hasAbsences {
			if err := absences.UpdateAbsence(ctx, next, from, cur.Revision); err != nil {
				return absenceError(err)
			}
		}
		res.Absence = next

		if p.category == Unmapped {
			return nil
		}
		reason := fmt.Sprintf("absence %s: %s → %s", cur.ID, displayStatus(from), to)
		var out *ledger.Outcome
		switch effect {
		case workflow.EffectDeduct:
			out, err = tx.Deduct(ctx, p.mutation(cur, actorID, reason))
		case workflow.EffectReintegrate:
			out, err = tx.Reintegrate(ctx, p.mutation(cur, actorID, reason))
		default:
			return nil
		}
		if err != nil {
			return err
		}
		res.add(out)
		return nil
	})
	if err != nil {
		return s.settle(ctx, err, req, to, req.Revision, effect, from)
	}

	s.observer.Transition(from, to, effect, false)
	s.publish(ctx, events.TypeAbsenceTransitioned, res, actorID, map[string]any{
		"from": string(from), "to": string(to),
	})
	s.attachBalance(ctx, res)
	return res, nil
}

// =============================================================================
// EDIT / INTERRUPT
// =============================================================================

// ApplyEdit replaces previous with updated. For an approved absence the old
// revision is reintegrated and the new one deducted, in one transaction;
// the revision is bumped. Pending absences are rewritten with no ledger
// effect.
func (s *Synchronizer) ApplyEdit(ctx context.Context, previous, updated workflow.AbsenceRequest, actorID string) (*Result, error) {
	return s.edit(ctx, previous, updated, actorID, events.TypeAbsenceEdited)
}

// Interrupt ends an approved absence the day before on (e.g. illness) and
// reintegrates the unused days. Interrupting on or before the first day
// cancels the absence.
func (s *Synchronizer) Interrupt(ctx context.Context, req workflow.AbsenceRequest, on time.Time, actorID string) (*Result, error) {
	switch {
	case workflow.InterruptedOn(req, on):
		return s.replay(ctx, req, workflow.EffectReplace, workflow.StatusApproved), nil
	case req.Status == workflow.StatusCancelled && !on.After(req.Start):
		// The cancellation below already landed; ApplyTransition reports it
		// as a replay.
		return s.ApplyTransition(ctx, req, workflow.StatusApproved, workflow.StatusCancelled, actorID)
	}
	shortened, ok, err := workflow.Interrupted(req, on)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrValidation, err)
	}
	if !ok {
		return s.ApplyTransition(ctx, req, workflow.StatusApproved, workflow.StatusCancelled, actorID)
	}
	return s.edit(ctx, req, shortened, actorID, events.TypeAbsenceInterrupted)
}

func (s *Synchronizer) edit(ctx context.Context, previous, updated workflow.AbsenceRequest, actorID string, evt events.Type) (*Result, error) {
	switch previous.Status {
	case workflow.StatusPending, workflow.StatusValidatedByManager:
		updated.Revision = previous.Revision
	case workflow.StatusApproved:
		if updated.Revision <= previous.Revision {
			updated.Revision = previous.Revision + 1
		}
	default:
		return nil, fmt.Errorf("%w: edit %s absence: %w", ledger.ErrValidation, previous.Status, workflow.ErrInvalidTransition)
	}
	updated.ID = previous.ID
	updated.Status = previous.Status
	if err := updated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrValidation, err)
	}

	effect := workflow.EffectNone
	if previous.Status == workflow.StatusApproved {
		effect = workflow.EffectReplace
	}

	return s.run(ctx, previous.ID, func(ctx context.Context) (*Result, error) {
		res := &Result{Effect: effect}
		err := s.ledger.WithTx(ctx, func(tx *ledger.Tx) error {
			prev := previous
			if absences, ok := tx.Store().(workflow.AbsenceStore); ok {
				stored, err := absences.GetAbsence(ctx, previous.ID)
				if err != nil {
					return absenceError(err)
				}
				prev = *stored
				updated.UpdatedAt = s.now()
				if err := absences.UpdateAbsence(ctx, updated, previous.Status, previous.Revision); err != nil {
					return absenceError(err)
				}
			}
			res.Absence = updated
			if effect != workflow.EffectReplace {
				return nil
			}

			oldPlan, err := s.plan(prev)
			if err != nil {
				return err
			}
			newPlan, err := s.plan(updated)
			if err != nil {
				return err
			}
			res.Category = newPlan.category

			if oldPlan.category != Unmapped {
				reason := fmt.Sprintf("absence %s: revision %d replaced", prev.ID, prev.Revision)
				out, err := tx.Reintegrate(ctx, oldPlan.mutation(prev, actorID, reason))
				if err != nil {
					return err
				}
				res.add(out)
			}
			if newPlan.category != Unmapped {
				reason := fmt.Sprintf("absence %s: revision %d", updated.ID, updated.Revision)
				out, err := tx.Deduct(ctx, newPlan.mutation(updated, actorID, reason))
				if err != nil {
					return err
				}
				res.add(out)
			}
			if res.Category == Unmapped {
				res.Category = oldPlan.category
			}
			return nil
		})
		if err != nil {
			return s.settle(ctx, err, updated, updated.Status, updated.Revision, effect, previous.Status)
		}

		s.observer.Transition(previous.Status, updated.Status, effect, false)
		s.publish(ctx, evt, res, actorID, map[string]any{
			"previous_revision": previous.Revision,
			"revision":          updated.Revision,
		})
		s.attachBalance(ctx, res)
		return res, nil
	})
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

// Grant adds days to the employee's entitlement and publishes the event.
func (s *Synchronizer) Grant(ctx context.Context, m ledger.Mutation) (*ledger.Outcome, error) {
	return s.adjust(ctx, m, events.TypeBalanceGranted, s.ledger.Grant)
}

// Correct applies a signed correction and publishes the event.
func (s *Synchronizer) Correct(ctx context.Context, m ledger.Mutation) (*ledger.Outcome, error) {
	return s.adjust(ctx, m, events.TypeBalanceCorrected, s.ledger.Correct)
}

func (s *Synchronizer) adjust(ctx context.Context, m ledger.Mutation, evt events.Type,
	op func(context.Context, ledger.Mutation) (*ledger.Outcome, error)) (*ledger.Outcome, error) {
	var out *ledger.Outcome
	err := s.retry(ctx, string(evt), func() error {
		o, err := op(ctx, m)
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, events.Event{
		Type:       evt,
		EmployeeID: m.EmployeeID,
		FiscalYear: m.FiscalYear,
		ActorID:    m.ActorID,
		Data: map[string]any{
			"category": string(m.Category),
			"amount":   m.Amount.String(),
			"reason":   m.Reason,
			"balance":  out.After.Balance.String(),
		},
	})
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// run takes the absence lock and retries fn on storage failures.
func (s *Synchronizer) run(ctx context.Context, absenceID string, fn func(context.Context) (*Result, error)) (*Result, error) {
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, "leave:absence:"+absenceID, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release absence lock", "absence_id", absenceID, "err", err)
			}
		}()
	}

	var res *Result
	err := s.retry(ctx, "transition", func() error {
		r, err := fn(ctx)
		res = r
		return err
	})
	return res, err
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The delay doubles after each attempt.
func (s *Synchronizer) retry(ctx context.Context, op string, fn func() error) error {
	delay := s.cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !ledger.IsRetryable(err) || attempt >= s.cfg.RetryAttempts {
			return err
		}
		s.observer.Retry(op)
		s.logger.Warn("storage failure, retrying", "op", op, "attempt", attempt, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// settle turns a replay into success. Any other error is returned as is.
func (s *Synchronizer) settle(ctx context.Context, err error, req workflow.AbsenceRequest, to workflow.Status, revision int, effect workflow.Effect, from workflow.Status) (*Result, error) {
	replayed := ledger.IsConflict(err)
	if !replayed && errors.Is(err, workflow.ErrStaleAbsence) {
		if absences, ok := s.ledger.Store().(workflow.AbsenceStore); ok {
			cur, gerr := absences.GetAbsence(ctx, req.ID)
			replayed = gerr == nil && cur.Status == to && cur.Revision == revision
			if replayed {
				if from == workflow.StatusNone && !cur.SameBooking(req) {
					return nil, fmt.Errorf("%w: absence %s already exists with different content", ledger.ErrPrecondition, req.ID)
				}
				req = *cur
			}
		}
	}
	if !replayed {
		return nil, err
	}

	if ledger.IsConflict(err) {
		req.Status = to
		req.Revision = revision
	}
	return s.replay(ctx, req, effect, from), nil
}

// replay builds the result of a transition that had already landed; req is
// the absence as it stands.
func (s *Synchronizer) replay(ctx context.Context, req workflow.AbsenceRequest, effect workflow.Effect, from workflow.Status) *Result {
	s.observer.Transition(from, req.Status, effect, true)
	s.logger.Info("transition already applied", "absence_id", req.ID, "to", req.Status, "revision", req.Revision)
	res := &Result{Absence: req, Effect: effect, Replayed: true}
	if p, perr := s.plan(req); perr == nil {
		res.Category = p.category
	}
	s.attachBalance(ctx, res)
	return res
}

func (r *Result) add(o *ledger.Outcome) {
	if o == nil {
		return
	}
	r.Outcomes = append(r.Outcomes, *o)
	if o.Warning != nil {
		r.Warnings = append(r.Warnings, *o.Warning)
	}
}

func (s *Synchronizer) attachBalance(ctx context.Context, res *Result) {
	if res.Category == Unmapped {
		return
	}
	year := s.ledger.Calendar().YearOf(res.Absence.Start)
	b, err := s.ledger.GetBalance(ctx, res.Absence.EmployeeID, year)
	if err != nil {
		if !ledger.IsNotFound(err) {
			s.logger.Warn("read balance after transition", "absence_id", res.Absence.ID, "err", err)
		}
		return
	}
	res.Balance = b
}

func (s *Synchronizer) publish(ctx context.Context, t events.Type, res *Result, actorID string, data map[string]any) {
	a := res.Absence
	year := s.ledger.Calendar().YearOf(a.Start)
	data["effect"] = res.Effect.String()
	data["category"] = string(res.Category)
	data["status"] = string(a.Status)

	ops := make([]map[string]any, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		ops = append(ops, map[string]any{
			"transaction_id": o.Transaction.ID,
			"kind":           string(o.Transaction.Kind),
			"amount":         o.Transaction.Amount.String(),
			"balance_after":  o.Transaction.BalanceAfter.String(),
		})
	}
	data["operations"] = ops

	s.publisher.Publish(ctx, events.Event{
		Type:       t,
		EmployeeID: a.EmployeeID,
		AbsenceID:  a.ID,
		FiscalYear: year,
		ActorID:    actorID,
		Data:       data,
	})
	for _, w := range res.Warnings {
		s.publisher.Publish(ctx, events.Event{
			Type:       events.TypeBalanceOverdrawn,
			EmployeeID: w.Key.EmployeeID,
			AbsenceID:  a.ID,
			FiscalYear: w.Key.FiscalYear,
			ActorID:    actorID,
			Data:       map[string]any{"category": string(w.Category), "balance": w.Balance.String()},
		})
	}
}

// absenceError classifies absence store failures for the ledger's error
// kinds, so WithTx does not mistake them for storage failures.
func absenceError(err error) error {
	switch {
	case errors.Is(err, workflow.ErrAbsenceNotFound):
		return fmt.Errorf("%w: %w", ledger.ErrNotFound, err)
	case errors.Is(err, workflow.ErrStaleAbsence):
		return fmt.Errorf("%w: %w", ledger.ErrPrecondition, err)
	default:
		return err
	}
}

func displayStatus(st workflow.Status) string {
	if st == workflow.StatusNone {
		return "created"
	}
	return string(st)
}
