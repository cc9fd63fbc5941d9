package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/ledger"
)

func TestFiscalCalendar_YearOf(t *testing.T) {
	june := ledger.FiscalCalendar{StartMonth: time.June}

	assert.Equal(t, 2024, june.YearOf(time.Date(2025, time.May, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2025, june.YearOf(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2025, ledger.CalendarYear.YearOf(time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC)))

	p := june.Period(2025)
	assert.Equal(t, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, time.May, 31, 0, 0, 0, 0, time.UTC), p.End)
	assert.True(t, p.Contains(time.Date(2026, time.May, 31, 18, 0, 0, 0, time.UTC)))
	assert.False(t, p.Contains(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFiscalCalendar_InvalidMonthFallsBackToJanuary(t *testing.T) {
	c := ledger.FiscalCalendar{StartMonth: 13}
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), c.Start(2025))
}

func TestAmount_InDays(t *testing.T) {
	seven := days("7")

	a, err := ledger.Amount{Value: days("14"), Unit: ledger.UnitHours}.InDays(seven)
	require.NoError(t, err)
	assertDecimal(t, "2", a.Value, "14h")
	assert.Equal(t, ledger.UnitDays, a.Unit)

	a, err = ledger.Amount{Value: days("3.5"), Unit: ledger.UnitHours}.InDays(seven)
	require.NoError(t, err)
	assertDecimal(t, "0.5", a.Value, "3.5h")

	a, err = ledger.Amount{Value: days("2"), Unit: ledger.UnitDays}.InDays(seven)
	require.NoError(t, err)
	assertDecimal(t, "2", a.Value, "days pass through")

	_, err = ledger.Amount{Value: days("2"), Unit: "weeks"}.InDays(seven)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestParseCategory(t *testing.T) {
	c, err := ledger.ParseCategory(" rtt ")
	require.NoError(t, err)
	assert.Equal(t, ledger.CategoryRTT, c)

	_, err = ledger.ParseCategory("PTO")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
