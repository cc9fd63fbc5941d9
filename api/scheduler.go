/*
scheduler.go - Automated fiscal-year opening

PURPOSE:
  Periodically checks which fiscal year today falls in and, the first time
  a new year is seen, ensures a balance for every employee in the
  directory. Balances are otherwise created lazily on first use; opening
  them up front gives reports a row for every employee from day one.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Opens the current year on start, then only when the year changes
  - EnsureBalance is idempotent, so a restart re-opening the year is harmless
  - Publishes fiscal_year.opened with the count

CONFIGURATION:
  - CheckInterval: How often to check (FISCAL_YEAR_CHECK_INTERVAL, default 1h)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewFiscalYearScheduler(opener, calendar, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: OpenFiscalYear endpoint (manual opening)
  - ledger/ledger.go: Ledger.OpenFiscalYear
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// YEAR OPENER - shared by the endpoint and the scheduler
// =============================================================================

// YearOpener opens a fiscal year for every employee of the directory.
type YearOpener struct {
	Ledger    *ledger.Ledger
	Directory entitlement.Directory
	Publisher *events.Publisher
	Logger    *slog.Logger
}

// Open returns the number of balances that exist for year after the run.
func (o *YearOpener) Open(ctx context.Context, year int) (int, error) {
	ids, err := o.Directory.ListEmployeeIDs(ctx)
	if err != nil {
		return 0, ledger.Storage("list employees", err)
	}
	opened, err := o.Ledger.OpenFiscalYear(ctx, year, ids)

	o.Publisher.Publish(ctx, events.Event{
		Type:       events.TypeFiscalYearOpened,
		FiscalYear: year,
		Data: map[string]any{
			"employees": len(ids),
			"opened":    opened,
			"failed":    err != nil,
		},
	})
	if o.Logger != nil {
		o.Logger.Info("fiscal year opened", "fiscal_year", year, "employees", len(ids), "opened", opened, "err", err)
	}
	return opened, err
}

// =============================================================================
// SCHEDULER
// =============================================================================

// FiscalYearScheduler opens each new fiscal year when it starts.
type FiscalYearScheduler struct {
	Opener        *YearOpener
	Calendar      ledger.FiscalCalendar
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	now        func() time.Time
	checkMu    sync.Mutex
	lastOpened int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewFiscalYearScheduler creates a new scheduler.
func NewFiscalYearScheduler(opener *YearOpener, calendar ledger.FiscalCalendar, logger *slog.Logger) *FiscalYearScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FiscalYearScheduler{
		Opener:        opener,
		Calendar:      calendar,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *FiscalYearScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("fiscal year scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("fiscal year scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for a running check to finish.
func (s *FiscalYearScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.stop = make(chan struct{})
		s.Logger.Info("fiscal year scheduler stopped")
	}
}

func (s *FiscalYearScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.check(context.Background())

	for {
		select {
		case <-ticker.C:
			s.check(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate check (for testing/admin). It returns the
// fiscal year checked.
func (s *FiscalYearScheduler) RunNow(ctx context.Context) int {
	return s.check(ctx)
}

func (s *FiscalYearScheduler) check(ctx context.Context) int {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	year := s.Calendar.YearOf(s.now())
	if year == s.lastOpened {
		return year
	}

	_, err := s.Opener.Open(ctx, year)
	if err != nil && ledger.IsRetryable(err) {
		// Try again on the next tick.
		s.Logger.Warn("fiscal year opening failed", "fiscal_year", year, "err", err)
		return year
	}
	s.lastOpened = year
	return year
}
