package workflow

import "context"

// AbsenceStore persists absence requests. Stores that also implement
// ledger.TxStore expose it on their transaction view, so a status change
// commits together with the ledger mutation it causes.
type AbsenceStore interface {
	// GetAbsence returns ErrAbsenceNotFound when no request exists.
	GetAbsence(ctx context.Context, id string) (*AbsenceRequest, error)

	// UpdateAbsence writes req if the stored status and revision equal
	// expectStatus and expectRevision. expectStatus == StatusNone means the
	// request must not exist yet. A mismatch returns ErrStaleAbsence.
	UpdateAbsence(ctx context.Context, req AbsenceRequest, expectStatus Status, expectRevision int) error

	// ListAbsences returns the employee's requests ordered by start date.
	ListAbsences(ctx context.Context, employeeID string) ([]AbsenceRequest, error)
}
