/*
Package factory provides JSON to Go rule-set conversion.

PURPOSE:
  Converts a JSON rule-set definition into the entitlement.Rules used by
  the Calculator and the orchestrator.Mapping used by the Synchronizer.
  Labor conventions and leave-type labels change without a deploy: HR
  edits the file named by RULES_FILE.

JSON SCHEMA:
  {
    "convention": "working_days",
    "category_a_keywords": ["chef de service", "ouvrier qualifie"],
    "categories": {
      "CT": {"base_a": 18, "base_b": 9, "prorated": true}
    },
    "seniority_tranches": [
      {"min_years": 5, "bonus_days": 2},
      {"min_years": 10, "bonus_days": 4}
    ],
    "part_time_fraction": 0.8,
    "hours_per_day": 7,
    "leave_types": {"Congés annuels": "CA", "Maladie": ""}
  }

DEFAULTS:
  Every field is optional. Omitted fields keep entitlement.DefaultRules()
  and orchestrator.DefaultMapping(); an omitted "hours_per_day" leaves
  HOURS_PER_DAY in charge. "categories" and "leave_types" are
  merged into the defaults; an empty category in "leave_types" marks the
  label Unmapped. "convention" sets the annual-leave base unless
  "categories" sets CA explicitly.

USAGE:
  f := NewRuleSetFactory()
  rs, err := f.LoadFile(cfg.RulesFile)
  calc := entitlement.NewCalculator(rs.Rules)

SEE ALSO:
  - entitlement/rules.go: Rules
  - orchestrator/mapping.go: Mapping
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/orchestrator"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleSetJSON is the JSON representation of a rule set.
type RuleSetJSON struct {
	Convention        string                  `json:"convention,omitempty" validate:"omitempty,oneof=working_days calendar_working_days"`
	CategoryAKeywords []string                `json:"category_a_keywords,omitempty" validate:"dive,required"`
	Categories        map[string]CategoryJSON `json:"categories,omitempty" validate:"dive,keys,oneof=CA CT RTT REC CEX,endkeys"`
	Tranches          []TrancheJSON           `json:"seniority_tranches,omitempty" validate:"dive"`
	PartTimeFraction  *decimal.Decimal        `json:"part_time_fraction,omitempty"`
	HoursPerDay       *decimal.Decimal        `json:"hours_per_day,omitempty"`
	LeaveTypes        map[string]string       `json:"leave_types,omitempty" validate:"dive,keys,required,endkeys,omitempty,oneof=CA CT RTT REC CEX"`
}

// CategoryJSON is the full-time base of one category.
type CategoryJSON struct {
	BaseA    decimal.Decimal `json:"base_a"`
	BaseB    decimal.Decimal `json:"base_b"`
	Prorated bool            `json:"prorated,omitempty"`
}

// TrancheJSON is one seniority step.
type TrancheJSON struct {
	MinYears  int             `json:"min_years" validate:"gt=0"`
	BonusDays decimal.Decimal `json:"bonus_days"`
}

// RuleSet is what a rule-set file configures.
type RuleSet struct {
	Rules   entitlement.Rules
	Mapping orchestrator.Mapping

	// HoursPerDay is zero unless the file sets hours_per_day; the
	// HOURS_PER_DAY setting applies then.
	HoursPerDay decimal.Decimal
}

// Default returns the built-in rule set.
func Default() *RuleSet {
	return &RuleSet{
		Rules:   entitlement.DefaultRules(),
		Mapping: orchestrator.DefaultMapping(),
	}
}

// =============================================================================
// RULE SET FACTORY
// =============================================================================

// RuleSetFactory converts JSON rule sets to Go structs.
type RuleSetFactory struct {
	validate *validator.Validate
}

// NewRuleSetFactory creates a new rule-set factory.
func NewRuleSetFactory() *RuleSetFactory {
	return &RuleSetFactory{validate: validator.New()}
}

// LoadFile reads a rule set from path. An empty path yields the defaults.
func (f *RuleSetFactory) LoadFile(path string) (*RuleSet, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}
	return f.Parse(data)
}

// Parse parses a JSON document into a RuleSet.
func (f *RuleSetFactory) Parse(data []byte) (*RuleSet, error) {
	var rj RuleSetJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rule set JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON converts RuleSetJSON to a RuleSet, merged over the defaults.
func (f *RuleSetFactory) FromJSON(rj RuleSetJSON) (*RuleSet, error) {
	if err := f.validate.Struct(rj); err != nil {
		return nil, fmt.Errorf("invalid rule set: %w", err)
	}

	rs := Default()
	rules := rs.Rules

	if rj.Convention != "" {
		var err error
		if rules, err = rules.WithConvention(entitlement.Convention(rj.Convention)); err != nil {
			return nil, err
		}
	}

	if len(rj.CategoryAKeywords) > 0 {
		rules.CategoryAKeywords = append([]string(nil), rj.CategoryAKeywords...)
	}

	// rules is a fresh copy of the defaults; its map is ours to modify.
	for name, cj := range rj.Categories {
		rules.Categories[ledger.Category(name)] = entitlement.CategoryRule{
			BaseA:    cj.BaseA,
			BaseB:    cj.BaseB,
			Prorated: cj.Prorated,
		}
	}

	if len(rj.Tranches) > 0 {
		rules.Tranches = make([]entitlement.Tranche, 0, len(rj.Tranches))
		for _, tj := range rj.Tranches {
			rules.Tranches = append(rules.Tranches, entitlement.Tranche{MinYears: tj.MinYears, Bonus: tj.BonusDays})
		}
	}

	if rj.PartTimeFraction != nil {
		rules.PartTimeFraction = *rj.PartTimeFraction
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	rs.Rules = rules

	if rj.HoursPerDay != nil {
		if !rj.HoursPerDay.IsPositive() || rj.HoursPerDay.GreaterThan(decimal.NewFromInt(24)) {
			return nil, fmt.Errorf("rules: hours_per_day must be in (0, 24], got %s", rj.HoursPerDay)
		}
		rs.HoursPerDay = *rj.HoursPerDay
	}

	if len(rj.LeaveTypes) > 0 {
		entries := rs.Mapping.Entries()
		for label, cat := range rj.LeaveTypes {
			entries[entitlement.Fold(label)] = ledger.Category(cat)
		}
		rs.Mapping = orchestrator.NewMapping(entries)
	}

	return rs, nil
}

// ToJSON converts a RuleSet to RuleSetJSON. Leave-type labels come out
// folded.
func (f *RuleSetFactory) ToJSON(rs *RuleSet) RuleSetJSON {
	rj := RuleSetJSON{
		Convention:        string(rs.Rules.Convention),
		CategoryAKeywords: append([]string(nil), rs.Rules.CategoryAKeywords...),
		Categories:        make(map[string]CategoryJSON, len(rs.Rules.Categories)),
		LeaveTypes:        make(map[string]string, rs.Mapping.Len()),
	}
	for c, rule := range rs.Rules.Categories {
		rj.Categories[string(c)] = CategoryJSON{BaseA: rule.BaseA, BaseB: rule.BaseB, Prorated: rule.Prorated}
	}

	tranches := append([]entitlement.Tranche(nil), rs.Rules.Tranches...)
	sort.Slice(tranches, func(i, j int) bool { return tranches[i].MinYears < tranches[j].MinYears })
	for _, t := range tranches {
		rj.Tranches = append(rj.Tranches, TrancheJSON{MinYears: t.MinYears, BonusDays: t.Bonus})
	}

	ptf := rs.Rules.PartTimeFraction
	rj.PartTimeFraction = &ptf
	if rs.HoursPerDay.IsPositive() {
		hpd := rs.HoursPerDay
		rj.HoursPerDay = &hpd
	}

	for label, c := range rs.Mapping.Entries() {
		rj.LeaveTypes[label] = string(c)
	}
	return rj
}
