/*
store.go - Persistence contract of the ledger

PURPOSE:
  Defines the interface between the ledger and the database. The store
  offers exactly the primitives the accounting invariant needs:

  - InsertBalanceIfAbsent: "insert if absent" keyed by (employee, fiscal year)
  - Increment:             atomic arithmetic on one category ($inc style,
                           never read-modify-write)
  - AppendTransaction:     append-only log with a UNIQUE idempotency key

TRANSACTIONS:
  TxStore.WithTx runs fn against a transaction-scoped Store. The balance
  increment, the transaction append (and, for stores that also hold absence
  requests, the status change) are committed together or not at all.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and local runs
  - store/sqlite/sqlite.go: database/sql + go-sqlite3
  - store/postgres/postgres.go: pgx
*/
package ledger

import "context"

// Store handles persistence of balances and transactions.
// Transactions are APPEND-ONLY: there is no update or delete.
type Store interface {
	// InsertBalanceIfAbsent creates the record. It returns false, nil when a
	// record for the same key already exists.
	InsertBalanceIfAbsent(ctx context.Context, b LeaveBalance) (bool, error)

	// LoadBalance returns ErrBalanceNotFound when no record exists.
	LoadBalance(ctx context.Context, key Key) (*LeaveBalance, error)

	// Increment atomically adds d to the counters of (key, category) and
	// returns the counters after the increment.
	Increment(ctx context.Context, key Key, category Category, d Delta) (CategoryBalance, error)

	// AppendTransaction persists tx. Returns ErrDuplicateIdempotencyKey if
	// the key exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)

	// ListTransactions returns transactions ordered by CreatedAt, then ID.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// TransactionFilter selects a page of the transaction log.
type TransactionFilter struct {
	EmployeeID string
	FiscalYear *int
	Category   Category
	AbsenceRef string
	Limit      int
	Offset     int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps the paging parameters.
func (f TransactionFilter) Normalize() TransactionFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
