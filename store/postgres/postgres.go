/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, on pgx.

PURPOSE:
  Same contract as store/sqlite, for multi-instance deployments. Counters
  are NUMERIC and every increment is a single
  UPDATE ... SET taken = taken + $n ... RETURNING statement, so concurrent
  deductions on one category serialize on the row lock instead of a
  process mutex.

INTERFACES IMPLEMENTED:
  ledger.TxStore, workflow.AbsenceStore, entitlement.Directory,
  events.AuditLog

ISOLATION:
  WithTx runs at READ COMMITTED. The balance header insert uses
  ON CONFLICT DO NOTHING: a concurrent creator waits for the first commit
  and then sees zero rows inserted.

DECIMALS:
  Amounts cross the driver as text ($n::numeric in, col::text out) so no
  value ever passes through float64.

SEE ALSO:
  - store/sqlite/sqlite.go: embedded implementation and tests
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	q    queries
}

var (
	_ ledger.TxStore        = (*Store)(nil)
	_ workflow.AbsenceStore = (*Store)(nil)
	_ entitlement.Directory = (*Store)(nil)
	_ events.AuditLog       = (*Store)(nil)
)

// Connect opens a pool on dsn and migrates the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: queries{db: pool}}
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS employees (
	id TEXT PRIMARY KEY,
	job_category TEXT NOT NULL DEFAULT '',
	job_title TEXT NOT NULL DEFAULT '',
	hire_date TEXT NOT NULL DEFAULT '',
	work_time TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leave_balances (
	employee_id TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (employee_id, fiscal_year)
);

CREATE TABLE IF NOT EXISTS leave_balance_categories (
	employee_id TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	category TEXT NOT NULL,
	initial NUMERIC(10,4) NOT NULL DEFAULT 0,
	taken NUMERIC(10,4) NOT NULL DEFAULT 0,
	reintegrated NUMERIC(10,4) NOT NULL DEFAULT 0,
	balance NUMERIC(10,4) NOT NULL DEFAULT 0,
	PRIMARY KEY (employee_id, fiscal_year, category),
	FOREIGN KEY (employee_id, fiscal_year) REFERENCES leave_balances (employee_id, fiscal_year)
);

CREATE TABLE IF NOT EXISTS leave_transactions (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	employee_id TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	category TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount NUMERIC(10,4) NOT NULL,
	balance_before NUMERIC(10,4) NOT NULL,
	balance_after NUMERIC(10,4) NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	absence_ref TEXT NOT NULL DEFAULT '',
	absence_revision INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	automatic BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_leave_transactions_idempotency UNIQUE (idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_leave_transactions_employee
	ON leave_transactions (employee_id, fiscal_year, created_at, seq);

CREATE TABLE IF NOT EXISTS absences (
	id TEXT PRIMARY KEY,
	employee_id TEXT NOT NULL,
	leave_type TEXT NOT NULL,
	start_date DATE NOT NULL,
	end_date DATE NOT NULL,
	amount NUMERIC(10,4) NOT NULL,
	unit TEXT NOT NULL,
	status TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_absences_employee ON absences (employee_id, start_date);

CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	employee_id TEXT NOT NULL DEFAULT '',
	absence_id TEXT NOT NULL DEFAULT '',
	fiscal_year INTEGER NOT NULL DEFAULT 0,
	actor_id TEXT NOT NULL DEFAULT '',
	payload JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_employee ON audit_log (employee_id, seq);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. The view passed to fn
// also implements workflow.AbsenceStore and entitlement.ProfileSource.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&txStore{queries{db: tx}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	queries
}

// Store-level calls that need several statements open their own
// transaction.

func (s *Store) InsertBalanceIfAbsent(ctx context.Context, b ledger.LeaveBalance) (bool, error) {
	var inserted bool
	err := s.WithTx(ctx, func(st ledger.Store) error {
		var err error
		inserted, err = st.InsertBalanceIfAbsent(ctx, b)
		return err
	})
	return inserted, err
}

func (s *Store) Increment(ctx context.Context, key ledger.Key, c ledger.Category, d ledger.Delta) (ledger.CategoryBalance, error) {
	var after ledger.CategoryBalance
	err := s.WithTx(ctx, func(st ledger.Store) error {
		var err error
		after, err = st.Increment(ctx, key, c, d)
		return err
	})
	return after, err
}

func (s *Store) LoadBalance(ctx context.Context, key ledger.Key) (*ledger.LeaveBalance, error) {
	return s.q.LoadBalance(ctx, key)
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.q.AppendTransaction(ctx, tx)
}

func (s *Store) TransactionExists(ctx context.Context, key string) (bool, error) {
	return s.q.TransactionExists(ctx, key)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return s.q.ListTransactions(ctx, f)
}

func (s *Store) GetAbsence(ctx context.Context, id string) (*workflow.AbsenceRequest, error) {
	return s.q.GetAbsence(ctx, id)
}

func (s *Store) UpdateAbsence(ctx context.Context, req workflow.AbsenceRequest, expect workflow.Status, rev int) error {
	return s.q.UpdateAbsence(ctx, req, expect, rev)
}

func (s *Store) ListAbsences(ctx context.Context, employeeID string) ([]workflow.AbsenceRequest, error) {
	return s.q.ListAbsences(ctx, employeeID)
}

func (s *Store) GetProfile(ctx context.Context, id string) (*entitlement.EmployeeProfile, error) {
	return s.q.GetProfile(ctx, id)
}

func (s *Store) SaveProfile(ctx context.Context, p entitlement.EmployeeProfile) error {
	return s.q.SaveProfile(ctx, p)
}

func (s *Store) ListEmployeeIDs(ctx context.Context) ([]string, error) {
	return s.q.ListEmployeeIDs(ctx)
}

func (s *Store) AppendAudit(ctx context.Context, e events.AuditEntry) error {
	return s.q.AppendAudit(ctx, e)
}

func (s *Store) ListAudit(ctx context.Context, employeeID string, limit int) ([]events.AuditEntry, error) {
	return s.q.ListAudit(ctx, employeeID, limit)
}

// =============================================================================
// QUERIES - shared by the pool and pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db querier
}

// ===== balances =====

func (q queries) InsertBalanceIfAbsent(ctx context.Context, b ledger.LeaveBalance) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO leave_balances (employee_id, fiscal_year, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (employee_id, fiscal_year) DO NOTHING`,
		b.EmployeeID, b.FiscalYear, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for c, cb := range b.Categories {
		_, err := q.db.Exec(ctx, `
			INSERT INTO leave_balance_categories
			(employee_id, fiscal_year, category, initial, taken, reintegrated, balance)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric)`,
			b.EmployeeID, b.FiscalYear, string(c),
			cb.Initial.String(), cb.Taken.String(), cb.Reintegrated.String(), cb.Balance.String())
		if err != nil {
			return false, fmt.Errorf("insert %s counters: %w", c, err)
		}
	}
	return true, nil
}

func (q queries) LoadBalance(ctx context.Context, key ledger.Key) (*ledger.LeaveBalance, error) {
	b := &ledger.LeaveBalance{
		EmployeeID: key.EmployeeID,
		FiscalYear: key.FiscalYear,
		Categories: make(map[ledger.Category]ledger.CategoryBalance),
	}
	err := q.db.QueryRow(ctx,
		`SELECT created_at, updated_at FROM leave_balances WHERE employee_id = $1 AND fiscal_year = $2`,
		key.EmployeeID, key.FiscalYear,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}

	rows, err := q.db.Query(ctx, `
		SELECT category, initial::text, taken::text, reintegrated::text, balance::text
		FROM leave_balance_categories
		WHERE employee_id = $1 AND fiscal_year = $2`,
		key.EmployeeID, key.FiscalYear)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var cb counters
		if err := rows.Scan(&category, &cb.initial, &cb.taken, &cb.reintegrated, &cb.balance); err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		b.Categories[ledger.Category(category)] = cb.parse()
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, rows.Err()
}

// Increment is one atomic UPDATE ... RETURNING. A category missing from an
// existing balance is created at zero first.
func (q queries) Increment(ctx context.Context, key ledger.Key, c ledger.Category, d ledger.Delta) (ledger.CategoryBalance, error) {
	const update = `
		UPDATE leave_balance_categories
		SET initial = initial + $4::numeric,
		    taken = taken + $5::numeric,
		    reintegrated = reintegrated + $6::numeric,
		    balance = balance + $7::numeric
		WHERE employee_id = $1 AND fiscal_year = $2 AND category = $3
		RETURNING initial::text, taken::text, reintegrated::text, balance::text`
	args := []any{key.EmployeeID, key.FiscalYear, string(c),
		d.Initial.String(), d.Taken.String(), d.Reintegrated.String(), d.Balance.String()}

	var cb counters
	err := q.db.QueryRow(ctx, update, args...).Scan(&cb.initial, &cb.taken, &cb.reintegrated, &cb.balance)
	if errors.Is(err, pgx.ErrNoRows) {
		tag, ierr := q.db.Exec(ctx, `
			INSERT INTO leave_balance_categories (employee_id, fiscal_year, category)
			SELECT employee_id, fiscal_year, $3 FROM leave_balances
			WHERE employee_id = $1 AND fiscal_year = $2
			ON CONFLICT DO NOTHING`,
			key.EmployeeID, key.FiscalYear, string(c))
		if ierr != nil {
			return ledger.CategoryBalance{}, fmt.Errorf("create %s counters: %w", c, ierr)
		}
		if tag.RowsAffected() == 0 {
			if _, lerr := q.LoadBalance(ctx, key); lerr != nil {
				return ledger.CategoryBalance{}, lerr
			}
		}
		err = q.db.QueryRow(ctx, update, args...).Scan(&cb.initial, &cb.taken, &cb.reintegrated, &cb.balance)
	}
	if err != nil {
		return ledger.CategoryBalance{}, fmt.Errorf("increment %s: %w", c, err)
	}

	if _, err := q.db.Exec(ctx,
		`UPDATE leave_balances SET updated_at = now() WHERE employee_id = $1 AND fiscal_year = $2`,
		key.EmployeeID, key.FiscalYear); err != nil {
		return ledger.CategoryBalance{}, fmt.Errorf("touch balance: %w", err)
	}
	return cb.parse(), nil
}

type counters struct {
	initial, taken, reintegrated, balance string
}

func (c counters) parse() ledger.CategoryBalance {
	return ledger.CategoryBalance{
		Initial:      parseDecimal(c.initial),
		Taken:        parseDecimal(c.taken),
		Reintegrated: parseDecimal(c.reintegrated),
		Balance:      parseDecimal(c.balance),
	}
}

// ===== transactions =====

func (q queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO leave_transactions
		(id, employee_id, fiscal_year, category, kind, amount, balance_before, balance_after,
		 reason, absence_ref, absence_revision, idempotency_key, actor_id, automatic, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14, $15)`,
		tx.ID, tx.EmployeeID, tx.FiscalYear, string(tx.Category), string(tx.Kind),
		tx.Amount.String(), tx.BalanceBefore.String(), tx.BalanceAfter.String(),
		tx.Reason, tx.AbsenceRef, tx.AbsenceRevision, tx.IdempotencyKey, tx.ActorID, tx.Automatic,
		tx.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (q queries) TransactionExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM leave_transactions WHERE idempotency_key = $1)`, key,
	).Scan(&exists)
	return exists, err
}

func (q queries) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query, args := transactionQuery(f.Normalize())
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := []ledger.Transaction{}
	for rows.Next() {
		var (
			tx                    ledger.Transaction
			category, kind        string
			amount, before, after string
		)
		if err := rows.Scan(&tx.ID, &tx.EmployeeID, &tx.FiscalYear, &category, &kind,
			&amount, &before, &after, &tx.Reason, &tx.AbsenceRef, &tx.AbsenceRevision,
			&tx.IdempotencyKey, &tx.ActorID, &tx.Automatic, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Category = ledger.Category(category)
		tx.Kind = ledger.OperationKind(kind)
		tx.Amount = parseDecimal(amount)
		tx.BalanceBefore = parseDecimal(before)
		tx.BalanceAfter = parseDecimal(after)
		tx.CreatedAt = tx.CreatedAt.UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}

// transactionQuery builds the filtered, paged history query.
func transactionQuery(f ledger.TransactionFilter) (string, []any) {
	args := []any{f.EmployeeID}
	where := []string{"employee_id = $1"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.FiscalYear != nil {
		add("fiscal_year = $%d", *f.FiscalYear)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.AbsenceRef != "" {
		add("absence_ref = $%d", f.AbsenceRef)
	}
	args = append(args, f.Limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT id, employee_id, fiscal_year, category, kind, amount::text, balance_before::text, balance_after::text,
		       reason, absence_ref, absence_revision, idempotency_key, actor_id, automatic, created_at
		FROM leave_transactions
		WHERE %s
		ORDER BY created_at, seq
		LIMIT $%d OFFSET $%d`, strings.Join(where, " AND "), len(args)-1, len(args))
	return query, args
}

// ===== absences =====

const absenceColumns = `id, employee_id, leave_type, start_date, end_date, amount::text, unit, status, revision, reason, updated_at`

func (q queries) GetAbsence(ctx context.Context, id string) (*workflow.AbsenceRequest, error) {
	a, err := scanAbsence(q.db.QueryRow(ctx, `SELECT `+absenceColumns+` FROM absences WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflow.ErrAbsenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load absence: %w", err)
	}
	return &a, nil
}

// UpdateAbsence is a compare-and-set on (status, revision).
func (q queries) UpdateAbsence(ctx context.Context, req workflow.AbsenceRequest, expect workflow.Status, rev int) error {
	if expect == workflow.StatusNone {
		_, err := q.db.Exec(ctx, `
			INSERT INTO absences (id, employee_id, leave_type, start_date, end_date, amount, unit, status, revision, reason, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)`,
			req.ID, req.EmployeeID, req.LeaveType, req.Start, req.End, req.Amount.String(),
			string(req.Unit), string(req.Status), req.Revision, req.Reason, req.UpdatedAt)
		if isUniqueViolation(err) {
			return workflow.ErrStaleAbsence
		}
		if err != nil {
			return fmt.Errorf("insert absence: %w", err)
		}
		return nil
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE absences
		SET employee_id = $2, leave_type = $3, start_date = $4, end_date = $5, amount = $6::numeric,
		    unit = $7, status = $8, revision = $9, reason = $10, updated_at = $11
		WHERE id = $1 AND status = $12 AND revision = $13`,
		req.ID, req.EmployeeID, req.LeaveType, req.Start, req.End, req.Amount.String(),
		string(req.Unit), string(req.Status), req.Revision, req.Reason, req.UpdatedAt,
		string(expect), rev)
	if err != nil {
		return fmt.Errorf("update absence: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM absences WHERE id = $1)`, req.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return workflow.ErrAbsenceNotFound
	}
	return workflow.ErrStaleAbsence
}

func (q queries) ListAbsences(ctx context.Context, employeeID string) ([]workflow.AbsenceRequest, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+absenceColumns+` FROM absences WHERE employee_id = $1 ORDER BY start_date, id`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("list absences: %w", err)
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

func scanAbsence(row pgx.Row) (workflow.AbsenceRequest, error) {
	var (
		a                    workflow.AbsenceRequest
		amount, unit, status string
	)
	err := row.Scan(&a.ID, &a.EmployeeID, &a.LeaveType, &a.Start, &a.End, &amount, &unit, &status,
		&a.Revision, &a.Reason, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.Amount = parseDecimal(amount)
	a.Unit = workflow.Unit(unit)
	a.Status = workflow.Status(status)
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

// ===== employees =====

func (q queries) GetProfile(ctx context.Context, id string) (*entitlement.EmployeeProfile, error) {
	var p entitlement.EmployeeProfile
	err := q.db.QueryRow(ctx,
		`SELECT id, job_category, job_title, hire_date, work_time FROM employees WHERE id = $1`, id,
	).Scan(&p.ID, &p.JobCategory, &p.JobTitle, &p.HireDate, &p.WorkTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrEmployeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load employee: %w", err)
	}
	return &p, nil
}

func (q queries) SaveProfile(ctx context.Context, p entitlement.EmployeeProfile) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO employees (id, job_category, job_title, hire_date, work_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			job_category = EXCLUDED.job_category,
			job_title = EXCLUDED.job_title,
			hire_date = EXCLUDED.hire_date,
			work_time = EXCLUDED.work_time,
			updated_at = now()`,
		p.ID, p.JobCategory, p.JobTitle, p.HireDate, p.WorkTime)
	if err != nil {
		return fmt.Errorf("save employee: %w", err)
	}
	return nil
}

func (q queries) ListEmployeeIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM employees ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ===== audit =====

func (q queries) AppendAudit(ctx context.Context, e events.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO audit_log (id, event_type, employee_id, absence_id, fiscal_year, actor_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.EventType), e.EmployeeID, e.AbsenceID, e.FiscalYear, e.ActorID, string(payload), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (q queries) ListAudit(ctx context.Context, employeeID string, limit int) ([]events.AuditEntry, error) {
	// LIMIT NULL is no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, event_type, employee_id, absence_id, fiscal_year, actor_id, COALESCE(payload::text, ''), occurred_at
		FROM audit_log
		WHERE $1 = '' OR employee_id = $1
		ORDER BY seq DESC
		LIMIT $2`, employeeID, lim)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []events.AuditEntry
	for rows.Next() {
		var (
			e               events.AuditEntry
			eventType, body string
		)
		if err := rows.Scan(&e.ID, &eventType, &e.EmployeeID, &e.AbsenceID, &e.FiscalYear, &e.ActorID, &body, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EventType = events.Type(eventType)
		e.OccurredAt = e.OccurredAt.UTC()
		if body != "" && body != "null" {
			if err := json.Unmarshal([]byte(body), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
