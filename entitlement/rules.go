/*
Package entitlement computes statutory leave entitlements.

PURPOSE:
  Given an employee profile and a reference date, the Calculator returns
  how many days the employee is entitled to per ledger category. It is a
  pure function of (Rules, profile, date): no I/O, no errors. Malformed
  input degrades to the safest default and is reported as a warning.

KEY CONCEPTS:
  Classification  A (specialized educators, skilled laborers, service
                  chiefs) or B; drives the quarterly-leave base
  Convention      which annual-leave constant is in force
  Tranche         seniority step: at MinYears of tenure, Bonus days
  Prorating       categories flagged Prorated are multiplied by the
                  work-time fraction and rounded to one decimal

SENIORITY:
  The bonus reflects tenure, not workload. It is added to the annual-leave
  amount after prorating and is never prorated itself.

SEE ALSO:
  - calculator.go: Compute
  - parse.go: hire date and work-time parsing
  - factory/rules.go: JSON rule-set loading
*/
package entitlement

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// RULE SET
// =============================================================================

type Classification string

const (
	ClassA Classification = "A"
	ClassB Classification = "B"
)

// Convention selects the annual-leave constant. 25 working days and 30
// "jours ouvrables" (Monday to Saturday) describe the same five weeks.
type Convention string

const (
	ConventionWorkingDays         Convention = "working_days"
	ConventionCalendarWorkingDays Convention = "calendar_working_days"
)

// AnnualLeaveDays returns the full-time annual-leave base of c.
func AnnualLeaveDays(c Convention) (decimal.Decimal, error) {
	switch c {
	case ConventionWorkingDays, "":
		return decimal.NewFromInt(25), nil
	case ConventionCalendarWorkingDays:
		return decimal.NewFromInt(30), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown convention %q", c)
	}
}

// CategoryRule is the full-time base of one category per classification.
type CategoryRule struct {
	BaseA    decimal.Decimal
	BaseB    decimal.Decimal
	Prorated bool
}

func (r CategoryRule) Base(c Classification) decimal.Decimal {
	if c == ClassA {
		return r.BaseA
	}
	return r.BaseB
}

type Tranche struct {
	MinYears int
	Bonus    decimal.Decimal
}

type Rules struct {
	Convention Convention

	// CategoryAKeywords are matched against job category and job title,
	// ignoring case and accents.
	CategoryAKeywords []string

	Categories map[ledger.Category]CategoryRule

	// Tranches are evaluated from the highest MinYears down; the first one
	// reached wins. Below the lowest tranche the bonus is zero.
	Tranches []Tranche

	// PartTimeFraction applies when a work-time text says part-time
	// without a number.
	PartTimeFraction decimal.Decimal
}

// DefaultRules returns the rule set of the default labor convention.
func DefaultRules() Rules {
	annual, _ := AnnualLeaveDays(ConventionWorkingDays)
	return Rules{
		Convention: ConventionWorkingDays,
		CategoryAKeywords: []string{
			"educateur specialise", "educatrice specialisee", "moniteur educateur",
			"monitrice educatrice", "educateur technique", "specialized educator",
			"ouvrier qualifie", "ouvriere qualifiee", "skilled worker", "skilled laborer",
			"chef de service", "head of service", "service chief",
		},
		Categories: map[ledger.Category]CategoryRule{
			ledger.CategoryAnnual:      {BaseA: annual, BaseB: annual},
			ledger.CategoryQuarterly:   {BaseA: decimal.NewFromInt(18), BaseB: decimal.NewFromInt(9), Prorated: true},
			ledger.CategoryRTT:         {},
			ledger.CategoryRecovery:    {},
			ledger.CategoryExceptional: {},
		},
		Tranches: []Tranche{
			{MinYears: 5, Bonus: decimal.NewFromInt(2)},
			{MinYears: 10, Bonus: decimal.NewFromInt(4)},
			{MinYears: 15, Bonus: decimal.NewFromInt(6)},
		},
		PartTimeFraction: decimal.RequireFromString("0.8"),
	}
}

// WithConvention returns a copy of r with the annual-leave base of c.
func (r Rules) WithConvention(c Convention) (Rules, error) {
	annual, err := AnnualLeaveDays(c)
	if err != nil {
		return r, err
	}
	cats := make(map[ledger.Category]CategoryRule, len(r.Categories))
	for k, v := range r.Categories {
		cats[k] = v
	}
	rule := cats[ledger.CategoryAnnual]
	rule.BaseA, rule.BaseB = annual, annual
	cats[ledger.CategoryAnnual] = rule

	r.Convention = c
	r.Categories = cats
	return r, nil
}

// Validate checks a rule set loaded from configuration.
func (r Rules) Validate() error {
	for c, rule := range r.Categories {
		if !c.Valid() {
			return fmt.Errorf("rules: unknown category %q", c)
		}
		if rule.BaseA.IsNegative() || rule.BaseB.IsNegative() {
			return fmt.Errorf("rules: negative base for %s", c)
		}
	}
	seen := make(map[int]bool)
	for _, t := range r.Tranches {
		if t.MinYears <= 0 {
			return fmt.Errorf("rules: tranche min_years must be positive, got %d", t.MinYears)
		}
		if t.Bonus.IsNegative() {
			return fmt.Errorf("rules: negative bonus at %d years", t.MinYears)
		}
		if seen[t.MinYears] {
			return fmt.Errorf("rules: duplicate tranche at %d years", t.MinYears)
		}
		seen[t.MinYears] = true
	}
	if !r.PartTimeFraction.IsPositive() || r.PartTimeFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("rules: part_time_fraction must be in (0, 1], got %s", r.PartTimeFraction)
	}
	return nil
}

// SeniorityBonus returns the bonus for years of tenure.
func (r Rules) SeniorityBonus(years int) decimal.Decimal {
	tranches := append([]Tranche(nil), r.Tranches...)
	sort.Slice(tranches, func(i, j int) bool { return tranches[i].MinYears > tranches[j].MinYears })
	for _, t := range tranches {
		if years >= t.MinYears {
			return t.Bonus
		}
	}
	return decimal.Zero
}
