/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger, workflow and entitlement types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.validate.Struct before touching the domain. Amounts are decimals
  (JSON strings or numbers) and are checked by the domain itself.

DATES:
  Calendar dates are "2006-01-02". Timestamps are RFC 3339 UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/orchestrator"
	"github.com/warp/leave-engine/workflow"
)

const dateLayout = "2006-01-02"

// =============================================================================
// EMPLOYEES & ENTITLEMENTS
// =============================================================================

// EmployeeDTO is an employee profile in requests and responses.
type EmployeeDTO struct {
	ID          string `json:"id" validate:"required,max=64"`
	JobCategory string `json:"job_category,omitempty" validate:"max=128"`
	JobTitle    string `json:"job_title,omitempty" validate:"max=256"`
	HireDate    string `json:"hire_date,omitempty" validate:"max=32"`
	WorkTime    string `json:"work_time,omitempty" validate:"max=64"`
}

func (e EmployeeDTO) profile() entitlement.EmployeeProfile {
	return entitlement.EmployeeProfile{
		ID:          e.ID,
		JobCategory: e.JobCategory,
		JobTitle:    e.JobTitle,
		HireDate:    e.HireDate,
		WorkTime:    e.WorkTime,
	}
}

func toEmployeeDTO(p entitlement.EmployeeProfile) EmployeeDTO {
	return EmployeeDTO{
		ID:          p.ID,
		JobCategory: p.JobCategory,
		JobTitle:    p.JobTitle,
		HireDate:    p.HireDate,
		WorkTime:    p.WorkTime,
	}
}

// ComputeEntitlementRequest computes entitlements without persisting.
// The reference date defaults to the start of FiscalYear, then to today.
type ComputeEntitlementRequest struct {
	Profile       EmployeeDTO `json:"profile"`
	FiscalYear    int         `json:"fiscal_year,omitempty" validate:"omitempty,gte=1900,lte=2999"`
	ReferenceDate string      `json:"reference_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type EntitlementAmountDTO struct {
	Base  decimal.Decimal `json:"base"`
	Final decimal.Decimal `json:"final"`
}

type EntitlementDTO struct {
	EmployeeID       string                          `json:"employee_id"`
	ReferenceDate    string                          `json:"reference_date"`
	Classification   string                          `json:"classification"`
	TenureYears      int                             `json:"tenure_years"`
	SeniorityBonus   decimal.Decimal                 `json:"seniority_bonus"`
	WorkTimeFraction decimal.Decimal                 `json:"work_time_fraction"`
	Categories       map[string]EntitlementAmountDTO `json:"categories"`
	Warnings         []string                        `json:"warnings,omitempty"`
}

func toEntitlementDTO(id string, ref time.Time, r entitlement.Result) EntitlementDTO {
	dto := EntitlementDTO{
		EmployeeID:       id,
		ReferenceDate:    ref.Format(dateLayout),
		Classification:   string(r.Classification),
		TenureYears:      r.TenureYears,
		SeniorityBonus:   r.SeniorityBonus,
		WorkTimeFraction: r.WorkTimeFraction,
		Categories:       make(map[string]EntitlementAmountDTO, len(r.Categories)),
		Warnings:         r.Warnings,
	}
	for c, a := range r.Categories {
		dto.Categories[string(c)] = EntitlementAmountDTO{Base: a.Base, Final: a.Final}
	}
	return dto
}

// =============================================================================
// BALANCES & TRANSACTIONS
// =============================================================================

type CategoryBalanceDTO struct {
	Initial      decimal.Decimal `json:"initial"`
	Taken        decimal.Decimal `json:"taken"`
	Reintegrated decimal.Decimal `json:"reintegrated"`
	Balance      decimal.Decimal `json:"balance"`
}

type BalanceDTO struct {
	EmployeeID string                        `json:"employee_id"`
	FiscalYear int                           `json:"fiscal_year"`
	Categories map[string]CategoryBalanceDTO `json:"categories"`
	CreatedAt  string                        `json:"created_at,omitempty"`
	UpdatedAt  string                        `json:"updated_at,omitempty"`
}

func toBalanceDTO(b *ledger.LeaveBalance) *BalanceDTO {
	if b == nil {
		return nil
	}
	dto := &BalanceDTO{
		EmployeeID: b.EmployeeID,
		FiscalYear: b.FiscalYear,
		Categories: make(map[string]CategoryBalanceDTO, len(b.Categories)),
		CreatedAt:  formatTime(b.CreatedAt),
		UpdatedAt:  formatTime(b.UpdatedAt),
	}
	for c, cb := range b.Categories {
		dto.Categories[string(c)] = CategoryBalanceDTO{
			Initial:      cb.Initial,
			Taken:        cb.Taken,
			Reintegrated: cb.Reintegrated,
			Balance:      cb.Balance,
		}
	}
	return dto
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID              string          `json:"id"`
	EmployeeID      string          `json:"employee_id"`
	FiscalYear      int             `json:"fiscal_year"`
	Category        string          `json:"category"`
	Kind            string          `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceBefore   decimal.Decimal `json:"balance_before"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	Reason          string          `json:"reason,omitempty"`
	AbsenceRef      string          `json:"absence_ref,omitempty"`
	AbsenceRevision int             `json:"absence_revision,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	ActorID         string          `json:"actor_id,omitempty"`
	Automatic       bool            `json:"automatic"`
	CreatedAt       string          `json:"created_at"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              tx.ID,
		EmployeeID:      tx.EmployeeID,
		FiscalYear:      tx.FiscalYear,
		Category:        string(tx.Category),
		Kind:            string(tx.Kind),
		Amount:          tx.Amount,
		BalanceBefore:   tx.BalanceBefore,
		BalanceAfter:    tx.BalanceAfter,
		Reason:          tx.Reason,
		AbsenceRef:      tx.AbsenceRef,
		AbsenceRevision: tx.AbsenceRevision,
		IdempotencyKey:  tx.IdempotencyKey,
		ActorID:         tx.ActorID,
		Automatic:       tx.Automatic,
		CreatedAt:       formatTime(tx.CreatedAt),
	}
}

type TransactionListDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

type WarningDTO struct {
	EmployeeID string          `json:"employee_id"`
	FiscalYear int             `json:"fiscal_year"`
	Category   string          `json:"category"`
	Balance    decimal.Decimal `json:"balance"`
	Message    string          `json:"message"`
}

func toWarningDTO(w ledger.PolicyWarning) WarningDTO {
	return WarningDTO{
		EmployeeID: w.Key.EmployeeID,
		FiscalYear: w.Key.FiscalYear,
		Category:   string(w.Category),
		Balance:    w.Balance,
		Message:    w.String(),
	}
}

// AdjustmentRequest is a manual grant or correction. Corrections take a
// signed amount; grants a positive one.
type AdjustmentRequest struct {
	EmployeeID     string          `json:"employee_id" validate:"required,max=64"`
	FiscalYear     int             `json:"fiscal_year" validate:"required,gte=1900,lte=2999"`
	Category       string          `json:"category" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason" validate:"required,max=512"`
	ActorID        string          `json:"actor_id,omitempty" validate:"max=64"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=128"`
}

type AdjustmentDTO struct {
	Transaction *TransactionDTO     `json:"transaction,omitempty"`
	Before      *CategoryBalanceDTO `json:"before,omitempty"`
	After       *CategoryBalanceDTO `json:"after,omitempty"`
	Warning     *WarningDTO         `json:"warning,omitempty"`
	Replayed    bool                `json:"replayed"`
}

func toAdjustmentDTO(o *ledger.Outcome) AdjustmentDTO {
	tx := toTransactionDTO(o.Transaction)
	before := CategoryBalanceDTO(o.Before)
	after := CategoryBalanceDTO(o.After)
	dto := AdjustmentDTO{Transaction: &tx, Before: &before, After: &after}
	if o.Warning != nil {
		w := toWarningDTO(*o.Warning)
		dto.Warning = &w
	}
	return dto
}

type OpenFiscalYearDTO struct {
	FiscalYear int    `json:"fiscal_year"`
	Opened     int    `json:"opened"`
	Errors     string `json:"errors,omitempty"`
}

// =============================================================================
// ABSENCES
// =============================================================================

// AbsenceRequestBody creates or edits an absence. ID is optional on create.
type AbsenceRequestBody struct {
	ID         string          `json:"id,omitempty" validate:"max=64"`
	EmployeeID string          `json:"employee_id" validate:"required,max=64"`
	LeaveType  string          `json:"leave_type" validate:"required,max=128"`
	StartDate  string          `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate    string          `json:"end_date" validate:"required,datetime=2006-01-02"`
	Amount     decimal.Decimal `json:"amount"`
	Unit       string          `json:"unit" validate:"required,oneof=days hours"`
	Reason     string          `json:"reason,omitempty" validate:"max=512"`
	ActorID    string          `json:"actor_id,omitempty" validate:"max=64"`
}

func (b AbsenceRequestBody) absence() workflow.AbsenceRequest {
	start, _ := time.Parse(dateLayout, b.StartDate)
	end, _ := time.Parse(dateLayout, b.EndDate)
	return workflow.AbsenceRequest{
		ID:         b.ID,
		EmployeeID: b.EmployeeID,
		LeaveType:  b.LeaveType,
		Start:      start,
		End:        end,
		Amount:     b.Amount,
		Unit:       workflow.Unit(b.Unit),
		Reason:     b.Reason,
	}
}

// TransitionRequest moves an absence to To. From defaults to the stored
// status; when given it must match it.
type TransitionRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to" validate:"required"`
	ActorID string `json:"actor_id,omitempty" validate:"max=64"`
}

type InterruptRequest struct {
	On      string `json:"on" validate:"required,datetime=2006-01-02"`
	ActorID string `json:"actor_id,omitempty" validate:"max=64"`
}

type AbsenceDTO struct {
	ID         string          `json:"id"`
	EmployeeID string          `json:"employee_id"`
	LeaveType  string          `json:"leave_type"`
	StartDate  string          `json:"start_date"`
	EndDate    string          `json:"end_date"`
	Amount     decimal.Decimal `json:"amount"`
	Unit       string          `json:"unit"`
	Status     string          `json:"status"`
	Revision   int             `json:"revision"`
	Reason     string          `json:"reason,omitempty"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
}

func toAbsenceDTO(a workflow.AbsenceRequest) AbsenceDTO {
	return AbsenceDTO{
		ID:         a.ID,
		EmployeeID: a.EmployeeID,
		LeaveType:  a.LeaveType,
		StartDate:  a.Start.Format(dateLayout),
		EndDate:    a.End.Format(dateLayout),
		Amount:     a.Amount,
		Unit:       string(a.Unit),
		Status:     string(a.Status),
		Revision:   a.Revision,
		Reason:     a.Reason,
		UpdatedAt:  formatTime(a.UpdatedAt),
	}
}

// TransitionResultDTO is the outcome of a transition, edit or interruption.
type TransitionResultDTO struct {
	Absence      AbsenceDTO       `json:"absence"`
	Effect       string           `json:"effect"`
	Category     string           `json:"category,omitempty"`
	Transactions []TransactionDTO `json:"transactions"`
	Warnings     []WarningDTO     `json:"warnings,omitempty"`
	Balance      *BalanceDTO      `json:"balance,omitempty"`
	Replayed     bool             `json:"replayed"`
}

func toTransitionResultDTO(r *orchestrator.Result) TransitionResultDTO {
	dto := TransitionResultDTO{
		Absence:      toAbsenceDTO(r.Absence),
		Effect:       r.Effect.String(),
		Category:     string(r.Category),
		Transactions: make([]TransactionDTO, 0, len(r.Outcomes)),
		Balance:      toBalanceDTO(r.Balance),
		Replayed:     r.Replayed,
	}
	for _, o := range r.Outcomes {
		dto.Transactions = append(dto.Transactions, toTransactionDTO(o.Transaction))
	}
	for _, w := range r.Warnings {
		dto.Warnings = append(dto.Warnings, toWarningDTO(w))
	}
	return dto
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	EmployeeID string         `json:"employee_id,omitempty"`
	AbsenceID  string         `json:"absence_id,omitempty"`
	FiscalYear int            `json:"fiscal_year,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

func toAuditEntryDTO(e events.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		EventType:  string(e.EventType),
		EmployeeID: e.EmployeeID,
		AbsenceID:  e.AbsenceID,
		FiscalYear: e.FiscalYear,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
		OccurredAt: formatTime(e.OccurredAt),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
