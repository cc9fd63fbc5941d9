package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/orchestrator"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	rs, err := NewRuleSetFactory().Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.True(t, dec("25").Equal(rs.Rules.Categories[ledger.CategoryAnnual].BaseA))
	assert.True(t, dec("18").Equal(rs.Rules.Categories[ledger.CategoryQuarterly].BaseA))
	assert.True(t, rs.HoursPerDay.IsZero(), "unset, the environment decides")
	assert.Equal(t, orchestrator.DefaultMapping().Len(), rs.Mapping.Len())
}

func TestParse_ConventionAndOverrides(t *testing.T) {
	// GIVEN: the jours-ouvrables convention, a custom CT base and tranches
	// THEN: CA is 30, CT is overridden, tranches replaced, mapping extended

	doc := `{
		"convention": "calendar_working_days",
		"categories": {"CT": {"base_a": 20, "base_b": 10, "prorated": true}},
		"seniority_tranches": [{"min_years": 3, "bonus_days": 1}],
		"part_time_fraction": "0.5",
		"hours_per_day": 7.5,
		"leave_types": {"Congé naissance": "CEX", "Formation": ""}
	}`
	rs, err := NewRuleSetFactory().Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, entitlement.ConventionCalendarWorkingDays, rs.Rules.Convention)
	assert.True(t, dec("30").Equal(rs.Rules.Categories[ledger.CategoryAnnual].BaseA))
	assert.True(t, dec("20").Equal(rs.Rules.Categories[ledger.CategoryQuarterly].BaseA))
	assert.True(t, dec("10").Equal(rs.Rules.Categories[ledger.CategoryQuarterly].BaseB))
	assert.True(t, dec("1").Equal(rs.Rules.SeniorityBonus(4)))
	assert.True(t, rs.Rules.SeniorityBonus(20).Equal(dec("1")), "default tranches replaced")
	assert.True(t, dec("0.5").Equal(rs.Rules.PartTimeFraction))
	assert.True(t, dec("7.5").Equal(rs.HoursPerDay))

	c, known := rs.Mapping.Resolve("conge naissance")
	assert.True(t, known)
	assert.Equal(t, ledger.CategoryExceptional, c)

	c, known = rs.Mapping.Resolve("FORMATION")
	assert.True(t, known)
	assert.Equal(t, orchestrator.Unmapped, c)

	c, _ = rs.Mapping.Resolve("RTT")
	assert.Equal(t, ledger.CategoryRTT, c, "defaults kept")
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", `{"convention":`},
		{"unknown convention", `{"convention": "lunar"}`},
		{"unknown category", `{"categories": {"PTO": {"base_a": 1, "base_b": 1}}}`},
		{"negative base", `{"categories": {"CA": {"base_a": -1, "base_b": 25}}}`},
		{"zero tranche", `{"seniority_tranches": [{"min_years": 0, "bonus_days": 1}]}`},
		{"part time above one", `{"part_time_fraction": 1.5}`},
		{"zero hours per day", `{"hours_per_day": 0}`},
		{"unknown leave type category", `{"leave_types": {"Sabbatical": "SAB"}}`},
	}
	f := NewRuleSetFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	f := NewRuleSetFactory()

	rs, err := f.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, entitlement.DefaultRules().Convention, rs.Rules.Convention)
	assert.True(t, rs.HoursPerDay.IsZero())

	// A file without hours_per_day leaves HOURS_PER_DAY in charge.
	partial := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{"convention": "calendar_working_days"}`), 0o600))
	rs, err = f.LoadFile(partial)
	require.NoError(t, err)
	assert.True(t, rs.HoursPerDay.IsZero())

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hours_per_day": 8}`), 0o600))
	rs, err = f.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, dec("8").Equal(rs.HoursPerDay))

	_, err = f.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewRuleSetFactory()
	original, err := f.Parse([]byte(`{"convention": "calendar_working_days", "leave_types": {"Formation": "CEX"}}`))
	require.NoError(t, err)

	rj := f.ToJSON(original)
	assert.Nil(t, rj.HoursPerDay, "unset hours stay unset")
	again, err := f.FromJSON(rj)
	require.NoError(t, err)

	assert.True(t, dec("30").Equal(again.Rules.Categories[ledger.CategoryAnnual].BaseA))
	assert.Equal(t, len(original.Rules.Tranches), len(again.Rules.Tranches))
	assert.Equal(t, original.Mapping.Entries(), again.Mapping.Entries())
}
