package entitlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// EmployeeProfile is the read-only view of an employee the calculator needs.
// HireDate and WorkTime are kept as the raw text found in the HR record.
type EmployeeProfile struct {
	ID          string
	JobCategory string
	JobTitle    string
	HireDate    string
	WorkTime    string
}

// Amounts of one category.
type Amounts struct {
	Base  decimal.Decimal // full-time equivalent
	Final decimal.Decimal // after prorating
}

type Result struct {
	Categories       map[ledger.Category]Amounts
	Classification   Classification
	WorkTimeFraction decimal.Decimal
	TenureYears      int
	SeniorityBonus   decimal.Decimal
	Warnings         []string
}

// Initial returns the Final amount of every category, the seed of a new
// LeaveBalance.
func (r Result) Initial() map[ledger.Category]decimal.Decimal {
	out := make(map[ledger.Category]decimal.Decimal, len(r.Categories))
	for c, a := range r.Categories {
		out[c] = a.Final
	}
	return out
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	rules Rules
}

func NewCalculator(rules Rules) *Calculator {
	return &Calculator{rules: rules}
}

func (c *Calculator) Rules() Rules { return c.rules }

// Compute never fails: a bad hire date yields a zero bonus, a bad work-time
// text yields full time, and both add a warning.
func (c *Calculator) Compute(p EmployeeProfile, ref time.Time) Result {
	res := Result{
		Categories:     make(map[ledger.Category]Amounts, len(ledger.Categories())),
		Classification: Classify(p.JobCategory, p.JobTitle, c.rules.CategoryAKeywords),
		SeniorityBonus: decimal.Zero,
	}

	partTime := c.rules.PartTimeFraction
	if !partTime.IsPositive() {
		partTime = decimal.RequireFromString("0.8")
	}
	frac, err := ParseWorkTime(p.WorkTime, partTime)
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
	}
	res.WorkTimeFraction = frac

	hired, ok, err := ParseHireDate(p.HireDate)
	switch {
	case err != nil:
		res.Warnings = append(res.Warnings, err.Error())
	case !ok:
		res.Warnings = append(res.Warnings, "hire date missing, no seniority bonus")
	case hired.After(ref):
		res.Warnings = append(res.Warnings, "hire date after reference date, no seniority bonus")
	default:
		res.TenureYears = FullYears(hired, ref)
		res.SeniorityBonus = c.rules.SeniorityBonus(res.TenureYears)
	}

	for _, cat := range ledger.Categories() {
		rule := c.rules.Categories[cat]
		base := rule.Base(res.Classification)
		final := base
		if rule.Prorated {
			final = base.Mul(frac).Round(1)
		}
		if cat == ledger.CategoryAnnual {
			base = base.Add(res.SeniorityBonus)
			final = final.Add(res.SeniorityBonus)
		}
		res.Categories[cat] = Amounts{Base: base, Final: final}
	}
	return res
}

// =============================================================================
// SEEDER - Feeds the calculator into the ledger
// =============================================================================

// ProfileSource looks up employee profiles. Implementations return
// ledger.ErrEmployeeNotFound for unknown ids.
type ProfileSource interface {
	GetProfile(ctx context.Context, employeeID string) (*EmployeeProfile, error)
}

// Directory is the writable employee registry kept by the SQL stores.
type Directory interface {
	ProfileSource
	SaveProfile(ctx context.Context, p EmployeeProfile) error
	ListEmployeeIDs(ctx context.Context) ([]string, error)
}

// Seeder implements ledger.InitialEntitlement.
type Seeder struct {
	profiles ProfileSource
	calc     *Calculator
	logger   *slog.Logger
}

func NewSeeder(profiles ProfileSource, calc *Calculator, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{profiles: profiles, calc: calc, logger: logger}
}

// InitialBalances reads the profile through tx when the transaction store
// is also a ProfileSource, and through the configured source otherwise.
func (s *Seeder) InitialBalances(ctx context.Context, tx ledger.Store, employeeID string, ref time.Time) (map[ledger.Category]decimal.Decimal, error) {
	profiles := s.profiles
	if scoped, ok := tx.(ProfileSource); ok {
		profiles = scoped
	}
	p, err := profiles.GetProfile(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	res := s.calc.Compute(*p, ref)
	for _, w := range res.Warnings {
		s.logger.Warn("entitlement degraded", "employee_id", employeeID, "warning", w)
	}
	return res.Initial(), nil
}
