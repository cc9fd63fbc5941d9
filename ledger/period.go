package ledger

import "time"

// =============================================================================
// FISCAL YEAR - The period a LeaveBalance is scoped to
// =============================================================================

// Period is a closed date range [Start, End].
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls within the period, day granularity.
func (p Period) Contains(t time.Time) bool {
	d := truncateDay(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// FiscalCalendar maps dates to fiscal years. Fiscal year N starts on the
// first day of StartMonth in calendar year N.
type FiscalCalendar struct {
	StartMonth time.Month
}

// CalendarYear is the January to December fiscal calendar.
var CalendarYear = FiscalCalendar{StartMonth: time.January}

func (c FiscalCalendar) startMonth() time.Month {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return time.January
	}
	return c.StartMonth
}

// YearOf returns the fiscal year containing t.
func (c FiscalCalendar) YearOf(t time.Time) int {
	if t.Month() < c.startMonth() {
		return t.Year() - 1
	}
	return t.Year()
}

// Start returns the first day of fiscal year.
func (c FiscalCalendar) Start(year int) time.Time {
	return time.Date(year, c.startMonth(), 1, 0, 0, 0, 0, time.UTC)
}

// Period returns the date range of fiscal year.
func (c FiscalCalendar) Period(year int) Period {
	start := c.Start(year)
	return Period{Start: start, End: start.AddDate(1, 0, -1)}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
