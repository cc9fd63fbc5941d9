/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the leave engine on one
  database, so a balance increment, its transaction record and the absence
  status change commit in a single SQL transaction.

INTERFACES IMPLEMENTED:
  ledger.TxStore:         balances + append-only transaction log
  workflow.AbsenceStore:  absence requests with compare-and-set updates
  entitlement.Directory:  employee profiles
  events.AuditLog:        audit trail written by the worker

APPEND-ONLY ENFORCEMENT:
  leave_transactions is never updated or deleted. Corrections are new
  rows. idempotency_key is UNIQUE: a replayed operation fails the insert
  and surfaces as ledger.ErrDuplicateIdempotencyKey.

KEY TABLES:
  leave_balances:           one row per (employee, fiscal year)
  leave_balance_categories: counters per (employee, fiscal year, category)
  leave_transactions:       immutable ledger of all balance changes
  absences:                 absence requests, status + revision
  employees:                entitlement profiles
  audit_log:                events persisted by the audit worker

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection: SQLite has
  one writer at a time anyway. Balance counters are INTEGER ten-thousandths
  of a day (the scale of the PostgreSQL NUMERIC(10,4) columns), so an
  increment is one UPDATE ... RETURNING in both backends. Amounts in the
  transaction log stay decimal TEXT.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, seeder)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

// Fixed-width so that lexical order is chronological order.
const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout = "2006-01-02"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

var (
	_ ledger.TxStore        = (*Store)(nil)
	_ workflow.AbsenceStore = (*Store)(nil)
	_ entitlement.Directory = (*Store)(nil)
	_ events.AuditLog       = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and writes
	// are serialized by s.mu regardless.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		job_category TEXT NOT NULL DEFAULT '',
		job_title TEXT NOT NULL DEFAULT '',
		hire_date TEXT NOT NULL DEFAULT '',
		work_time TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leave_balances (
		employee_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, fiscal_year)
	);

	CREATE TABLE IF NOT EXISTS leave_balance_categories (
		employee_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		category TEXT NOT NULL,
		-- Counters in ten-thousandths of a day
		initial INTEGER NOT NULL DEFAULT 0,
		taken INTEGER NOT NULL DEFAULT 0,
		reintegrated INTEGER NOT NULL DEFAULT 0,
		balance INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (employee_id, fiscal_year, category),
		FOREIGN KEY (employee_id, fiscal_year)
			REFERENCES leave_balances(employee_id, fiscal_year)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS leave_transactions (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		category TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reason TEXT,
		absence_ref TEXT,
		absence_revision INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		actor_id TEXT,
		automatic INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Hot path: transaction history of one employee
	CREATE INDEX IF NOT EXISTS idx_leave_transactions_employee
		ON leave_transactions(employee_id, fiscal_year, created_at, id);

	CREATE INDEX IF NOT EXISTS idx_leave_transactions_absence
		ON leave_transactions(absence_ref) WHERE absence_ref IS NOT NULL;

	CREATE TABLE IF NOT EXISTS absences (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		unit TEXT NOT NULL,
		status TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_absences_employee
		ON absences(employee_id, start_date);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		employee_id TEXT,
		absence_id TEXT,
		fiscal_year INTEGER,
		actor_id TEXT,
		payload_json TEXT,
		occurred_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_employee
		ON audit_log(employee_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The view passed to fn also implements workflow.AbsenceStore.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, fn)
}

func (s *Store) withTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{db: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the transaction-scoped view; the parent lock is already held.
type txStore struct {
	queries
}

// ===== ledger.Store =====

// InsertBalanceIfAbsent writes the header and category rows atomically.
func (s *Store) InsertBalanceIfAbsent(ctx context.Context, b ledger.LeaveBalance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted bool
	err := s.withTx(ctx, func(st ledger.Store) error {
		var err error
		inserted, err = st.InsertBalanceIfAbsent(ctx, b)
		return err
	})
	return inserted, err
}

func (s *Store) LoadBalance(ctx context.Context, key ledger.Key) (*ledger.LeaveBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LoadBalance(ctx, key)
}

func (s *Store) Increment(ctx context.Context, key ledger.Key, c ledger.Category, d ledger.Delta) (ledger.CategoryBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var after ledger.CategoryBalance
	err := s.withTx(ctx, func(st ledger.Store) error {
		var err error
		after, err = st.Increment(ctx, key, c, d)
		return err
	})
	return after, err
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendTransaction(ctx, tx)
}

func (s *Store) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.TransactionExists(ctx, idempotencyKey)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListTransactions(ctx, f)
}

// ===== workflow.AbsenceStore =====

func (s *Store) GetAbsence(ctx context.Context, id string) (*workflow.AbsenceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetAbsence(ctx, id)
}

func (s *Store) UpdateAbsence(ctx context.Context, req workflow.AbsenceRequest, expect workflow.Status, rev int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateAbsence(ctx, req, expect, rev)
}

func (s *Store) ListAbsences(ctx context.Context, employeeID string) ([]workflow.AbsenceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListAbsences(ctx, employeeID)
}

// ===== entitlement.Directory =====

func (s *Store) GetProfile(ctx context.Context, id string) (*entitlement.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetProfile(ctx, id)
}

func (s *Store) SaveProfile(ctx context.Context, p entitlement.EmployeeProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveProfile(ctx, p)
}

func (s *Store) ListEmployeeIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListEmployeeIDs(ctx)
}

// ===== events.AuditLog =====

func (s *Store) AppendAudit(ctx context.Context, e events.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendAudit(ctx, e)
}

func (s *Store) ListAudit(ctx context.Context, employeeID string, limit int) ([]events.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListAudit(ctx, employeeID, limit)
}

// =============================================================================
// QUERIES - shared by Store (on *sql.DB) and txStore (on *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db querier
}

// ===== balances =====

func (q queries) InsertBalanceIfAbsent(ctx context.Context, b ledger.LeaveBalance) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO leave_balances (employee_id, fiscal_year, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(employee_id, fiscal_year) DO NOTHING
	`, b.EmployeeID, b.FiscalYear, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	for c, cb := range b.Categories {
		if err := q.insertCategory(ctx, b.Key(), c, cb); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (q queries) insertCategory(ctx context.Context, key ledger.Key, c ledger.Category, cb ledger.CategoryBalance) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO leave_balance_categories
		(employee_id, fiscal_year, category, initial, taken, reintegrated, balance)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, key.EmployeeID, key.FiscalYear, string(c),
		toUnits(cb.Initial), toUnits(cb.Taken), toUnits(cb.Reintegrated), toUnits(cb.Balance))
	if err != nil {
		return fmt.Errorf("failed to insert %s counters: %w", c, err)
	}
	return nil
}

func (q queries) LoadBalance(ctx context.Context, key ledger.Key) (*ledger.LeaveBalance, error) {
	var createdAt, updatedAt string
	err := q.db.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM leave_balances WHERE employee_id = ? AND fiscal_year = ?",
		key.EmployeeID, key.FiscalYear,
	).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}

	b := &ledger.LeaveBalance{
		EmployeeID: key.EmployeeID,
		FiscalYear: key.FiscalYear,
		Categories: make(map[ledger.Category]ledger.CategoryBalance),
		CreatedAt:  parseTime(createdAt),
		UpdatedAt:  parseTime(updatedAt),
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT category, initial, taken, reintegrated, balance
		FROM leave_balance_categories
		WHERE employee_id = ? AND fiscal_year = ?
	`, key.EmployeeID, key.FiscalYear)
	if err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			category string
			cu       counterUnits
		)
		if err := rows.Scan(&category, &cu.initial, &cu.taken, &cu.reintegrated, &cu.balance); err != nil {
			return nil, fmt.Errorf("failed to scan counters: %w", err)
		}
		b.Categories[ledger.Category(category)] = cu.decimal()
	}
	return b, rows.Err()
}

// Increment is one UPDATE ... RETURNING on integer counters. A category
// missing from an existing balance is created at zero first.
func (q queries) Increment(ctx context.Context, key ledger.Key, c ledger.Category, d ledger.Delta) (ledger.CategoryBalance, error) {
	const update = `
		UPDATE leave_balance_categories
		SET initial = initial + ?,
		    taken = taken + ?,
		    reintegrated = reintegrated + ?,
		    balance = balance + ?
		WHERE employee_id = ? AND fiscal_year = ? AND category = ?
		RETURNING initial, taken, reintegrated, balance`
	args := []any{toUnits(d.Initial), toUnits(d.Taken), toUnits(d.Reintegrated), toUnits(d.Balance),
		key.EmployeeID, key.FiscalYear, string(c)}

	var cu counterUnits
	err := q.db.QueryRowContext(ctx, update, args...).Scan(&cu.initial, &cu.taken, &cu.reintegrated, &cu.balance)
	if errors.Is(err, sql.ErrNoRows) {
		// A category added to the rules after the balance was opened.
		if _, lerr := q.LoadBalance(ctx, key); lerr != nil {
			return ledger.CategoryBalance{}, lerr
		}
		if ierr := q.insertCategory(ctx, key, c, ledger.CategoryBalance{}); ierr != nil {
			return ledger.CategoryBalance{}, ierr
		}
		err = q.db.QueryRowContext(ctx, update, args...).Scan(&cu.initial, &cu.taken, &cu.reintegrated, &cu.balance)
	}
	if err != nil {
		return ledger.CategoryBalance{}, fmt.Errorf("failed to increment %s: %w", c, err)
	}

	_, err = q.db.ExecContext(ctx,
		"UPDATE leave_balances SET updated_at = ? WHERE employee_id = ? AND fiscal_year = ?",
		formatTime(time.Now()), key.EmployeeID, key.FiscalYear)
	if err != nil {
		return ledger.CategoryBalance{}, fmt.Errorf("failed to touch balance: %w", err)
	}
	return cu.decimal(), nil
}

// ===== transactions =====

func (q queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	query := `
		INSERT INTO leave_transactions
		(id, employee_id, fiscal_year, category, kind, amount, balance_before, balance_after,
		 reason, absence_ref, absence_revision, idempotency_key, actor_id, automatic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(ctx, query,
		tx.ID,
		tx.EmployeeID,
		tx.FiscalYear,
		string(tx.Category),
		string(tx.Kind),
		tx.Amount.String(),
		tx.BalanceBefore.String(),
		tx.BalanceAfter.String(),
		nullString(tx.Reason),
		nullString(tx.AbsenceRef),
		tx.AbsenceRevision,
		tx.IdempotencyKey,
		nullString(tx.ActorID),
		tx.Automatic,
		formatTime(tx.CreatedAt),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return nil
}

func (q queries) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM leave_transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

func (q queries) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	f = f.Normalize()

	where := []string{"employee_id = ?"}
	args := []any{f.EmployeeID}
	if f.FiscalYear != nil {
		where = append(where, "fiscal_year = ?")
		args = append(args, *f.FiscalYear)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.AbsenceRef != "" {
		where = append(where, "absence_ref = ?")
		args = append(args, f.AbsenceRef)
	}
	args = append(args, f.Limit, f.Offset)

	query := `
		SELECT id, employee_id, fiscal_year, category, kind, amount, balance_before, balance_after,
		       reason, absence_ref, absence_revision, idempotency_key, actor_id, automatic, created_at
		FROM leave_transactions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                          ledger.Transaction
		category, kind              string
		amount, before, after       string
		reason, absenceRef, actorID sql.NullString
		createdAt                   string
	)

	err := rows.Scan(
		&tx.ID, &tx.EmployeeID, &tx.FiscalYear, &category, &kind,
		&amount, &before, &after,
		&reason, &absenceRef, &tx.AbsenceRevision, &tx.IdempotencyKey, &actorID, &tx.Automatic,
		&createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Category = ledger.Category(category)
	tx.Kind = ledger.OperationKind(kind)
	tx.Amount = parseDecimal(amount)
	tx.BalanceBefore = parseDecimal(before)
	tx.BalanceAfter = parseDecimal(after)
	tx.Reason = reason.String
	tx.AbsenceRef = absenceRef.String
	tx.ActorID = actorID.String
	tx.CreatedAt = parseTime(createdAt)

	return tx, nil
}

// ===== absences =====

const absenceColumns = `id, employee_id, leave_type, start_date, end_date, amount, unit, status, revision, reason, updated_at`

func (q queries) GetAbsence(ctx context.Context, id string) (*workflow.AbsenceRequest, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+absenceColumns+" FROM absences WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load absence: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, workflow.ErrAbsenceNotFound
	}
	a, err := scanAbsence(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAbsence is a compare-and-set on (status, revision). expect ==
// StatusNone means the record must not exist yet.
func (q queries) UpdateAbsence(ctx context.Context, req workflow.AbsenceRequest, expect workflow.Status, rev int) error {
	if expect == workflow.StatusNone {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO absences (`+absenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, req.ID, req.EmployeeID, req.LeaveType,
			req.Start.Format(dateLayout), req.End.Format(dateLayout),
			req.Amount.String(), string(req.Unit), string(req.Status), req.Revision,
			nullString(req.Reason), formatTime(req.UpdatedAt))
		if isUniqueConstraintError(err) {
			return workflow.ErrStaleAbsence
		}
		if err != nil {
			return fmt.Errorf("failed to insert absence: %w", err)
		}
		return nil
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE absences
		SET employee_id = ?, leave_type = ?, start_date = ?, end_date = ?, amount = ?, unit = ?,
		    status = ?, revision = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status = ? AND revision = ?
	`, req.EmployeeID, req.LeaveType,
		req.Start.Format(dateLayout), req.End.Format(dateLayout),
		req.Amount.String(), string(req.Unit), string(req.Status), req.Revision,
		nullString(req.Reason), formatTime(req.UpdatedAt),
		req.ID, string(expect), rev)
	if err != nil {
		return fmt.Errorf("failed to update absence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM absences WHERE id = ?", req.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return workflow.ErrAbsenceNotFound
	}
	return workflow.ErrStaleAbsence
}

func (q queries) ListAbsences(ctx context.Context, employeeID string) ([]workflow.AbsenceRequest, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+absenceColumns+" FROM absences WHERE employee_id = ? ORDER BY start_date, id",
		employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list absences: %w", err)
	}
	defer rows.Close()

	var out []workflow.AbsenceRequest
	for rows.Next() {
		a, err := scanAbsence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAbsence(rows *sql.Rows) (workflow.AbsenceRequest, error) {
	var (
		a                  workflow.AbsenceRequest
		start, end, amount string
		unit, status       string
		reason             sql.NullString
		updatedAt          string
	)
	err := rows.Scan(&a.ID, &a.EmployeeID, &a.LeaveType, &start, &end, &amount, &unit, &status,
		&a.Revision, &reason, &updatedAt)
	if err != nil {
		return a, fmt.Errorf("failed to scan absence: %w", err)
	}
	a.Start, _ = time.Parse(dateLayout, start)
	a.End, _ = time.Parse(dateLayout, end)
	a.Amount = parseDecimal(amount)
	a.Unit = workflow.Unit(unit)
	a.Status = workflow.Status(status)
	a.Reason = reason.String
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// ===== employees =====

func (q queries) GetProfile(ctx context.Context, id string) (*entitlement.EmployeeProfile, error) {
	var p entitlement.EmployeeProfile
	err := q.db.QueryRowContext(ctx,
		"SELECT id, job_category, job_title, hire_date, work_time FROM employees WHERE id = ?",
		id,
	).Scan(&p.ID, &p.JobCategory, &p.JobTitle, &p.HireDate, &p.WorkTime)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEmployeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load employee: %w", err)
	}
	return &p, nil
}

// SaveProfile upserts an employee.
func (q queries) SaveProfile(ctx context.Context, p entitlement.EmployeeProfile) error {
	now := formatTime(time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO employees (id, job_category, job_title, hire_date, work_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job_category = excluded.job_category,
			job_title = excluded.job_title,
			hire_date = excluded.hire_date,
			work_time = excluded.work_time,
			updated_at = excluded.updated_at
	`, p.ID, p.JobCategory, p.JobTitle, p.HireDate, p.WorkTime, now, now)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

func (q queries) ListEmployeeIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT id FROM employees ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ===== audit =====

func (q queries) AppendAudit(ctx context.Context, e events.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, employee_id, absence_id, fiscal_year, actor_id, payload_json, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, string(e.EventType), nullString(e.EmployeeID), nullString(e.AbsenceID), e.FiscalYear,
		nullString(e.ActorID), string(payload), formatTime(e.OccurredAt))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns entries newest first. An empty employeeID lists all.
func (q queries) ListAudit(ctx context.Context, employeeID string, limit int) ([]events.AuditEntry, error) {
	query := `
		SELECT id, event_type, employee_id, absence_id, fiscal_year, actor_id, payload_json, occurred_at
		FROM audit_log`
	var args []any
	if employeeID != "" {
		query += " WHERE employee_id = ?"
		args = append(args, employeeID)
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []events.AuditEntry
	for rows.Next() {
		var (
			e                              events.AuditEntry
			eventType                      string
			employee, absence, actor, body sql.NullString
			year                           sql.NullInt64
			occurredAt                     string
		)
		if err := rows.Scan(&e.ID, &eventType, &employee, &absence, &year, &actor, &body, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.EventType = events.Type(eventType)
		e.EmployeeID = employee.String
		e.AbsenceID = absence.String
		e.FiscalYear = int(year.Int64)
		e.ActorID = actor.String
		e.OccurredAt = parseTime(occurredAt)
		if body.Valid && body.String != "" && body.String != "null" {
			if err := json.Unmarshal([]byte(body.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Counters are stored with the same scale as the postgres NUMERIC(10,4)
// columns.
const counterScale = 4

type counterUnits struct {
	initial, taken, reintegrated, balance int64
}

func (c counterUnits) decimal() ledger.CategoryBalance {
	return ledger.CategoryBalance{
		Initial:      fromUnits(c.initial),
		Taken:        fromUnits(c.taken),
		Reintegrated: fromUnits(c.reintegrated),
		Balance:      fromUnits(c.balance),
	}
}

func toUnits(d decimal.Decimal) int64 {
	return d.Shift(counterScale).Round(0).IntPart()
}

func fromUnits(n int64) decimal.Decimal {
	return decimal.New(n, -counterScale)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
