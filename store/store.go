/*
Package store selects the persistence backend at startup.

PURPOSE:
  Both binaries (server and worker) need the same view of the database:
  balances, transactions, absences, profiles and the audit log. Open
  returns it for the driver named by DB_DRIVER.

BACKENDS:
  sqlite    single process, file or ":memory:" (development, tests)
  postgres  pgx pool, several server instances

SEE ALSO:
  - store/sqlite/sqlite.go
  - store/postgres/postgres.go
*/
package store

import (
	"context"
	"fmt"

	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/postgres"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/workflow"
)

// Backend is everything the engine persists.
type Backend interface {
	ledger.TxStore
	workflow.AbsenceStore
	entitlement.Directory
	events.AuditLog
	Ping(ctx context.Context) error
}

var (
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open connects to the configured backend. The returned close function
// releases it.
func Open(ctx context.Context, cfg *config.Config) (Backend, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverSQLite, "":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}
