/*
errors.go - Error kinds of the ledger

ERROR KINDS:
  ErrValidation           malformed amount, unknown category, non-positive deduction
  ErrNotFound             no balance or employee for the given key
  ErrConflict             duplicate idempotency key; callers treat it as "already applied"
  ErrStorage              transient infrastructure failure; retried by the orchestrator
  ErrInsufficientBalance  overdraft under the reject policy
  ErrPrecondition         the record changed since the caller read it; not retried

  PolicyWarning is not an error. Under the default overdraft policy a
  mutation that drives a balance negative is applied and the warning is
  returned next to the result.

USAGE:
  if errors.Is(err, ledger.ErrConflict) {
      // already processed, report success
  }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a transaction with the same idempotency
	// key already exists. This is expected behavior for retries.
	ErrConflict = errors.New("duplicate idempotency key")

	// ErrDuplicateIdempotencyKey is kept as the store-facing name of ErrConflict.
	ErrDuplicateIdempotencyKey = ErrConflict

	ErrStorage = errors.New("storage unavailable")

	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrPrecondition = errors.New("precondition failed")

	// ErrBalanceNotFound and ErrEmployeeNotFound narrow ErrNotFound.
	ErrBalanceNotFound  = fmt.Errorf("balance %w", ErrNotFound)
	ErrEmployeeNotFound = fmt.Errorf("employee %w", ErrNotFound)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StorageError wraps a failure of the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Storage wraps err as a StorageError unless it already carries a ledger kind
// or is a context error.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrPrecondition) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Key       Key
	Category  Category
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: available %s, requested %s",
		e.Category, e.Key, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// PolicyWarning flags a mutation that left a balance negative.
type PolicyWarning struct {
	Key      Key
	Category Category
	Balance  decimal.Decimal
}

func (w PolicyWarning) String() string {
	return fmt.Sprintf("%s balance of %s is negative (%s)", w.Category, w.Key, w.Balance)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
