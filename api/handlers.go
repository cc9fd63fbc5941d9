/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes the entitlement calculator, the balance ledger and the absence
  synchronizer via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Entitlements:
    POST   /api/entitlements/compute                  Compute without persisting

  Employees:
    GET    /api/employees                             List employee IDs
    POST   /api/employees                             Upsert employee profile
    GET    /api/employees/{id}                        Get profile
    GET    /api/employees/{id}/balances/{year}        Get balance
    POST   /api/employees/{id}/balances/{year}        Ensure balance exists
    GET    /api/employees/{id}/transactions           Ledger history
    GET    /api/employees/{id}/absences               Absences of employee
    GET    /api/employees/{id}/audit                  Audit trail

  Absences:
    POST   /api/absences                              Create (→ pending)
    GET    /api/absences/{id}                         Read
    PUT    /api/absences/{id}                         Edit
    POST   /api/absences/{id}/transitions             Change status
    POST   /api/absences/{id}/interrupt               Interrupt approved absence

  Admin:
    POST   /api/admin/grants                          Grant days
    POST   /api/admin/corrections                     Signed correction
    POST   /api/admin/fiscal-years/{year}/open        Open a fiscal year

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the error
  kind (see statusFor):
  - 400: Validation errors, invalid transition
  - 404: Employee, balance or absence not found
  - 409: Absence changed concurrently or locked by another transition
  - 422: Insufficient balance under the reject policy
  - 503: Storage unavailable after retries
  - 500: Anything else
  A replayed operation is not an error: 200 with "replayed": true.

SECURITY NOTE:
  No authentication. actor_id is recorded as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/orchestrator"
	"github.com/warp/leave-engine/workflow"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators of the handlers. Audit may be nil.
type Deps struct {
	Synchronizer *orchestrator.Synchronizer
	Calculator   *entitlement.Calculator
	Directory    entitlement.Directory
	Absences     workflow.AbsenceStore
	Audit        events.AuditLog
	Publisher    *events.Publisher
	Logger       *slog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	sync       *orchestrator.Synchronizer
	ledger     *ledger.Ledger
	calculator *entitlement.Calculator
	directory  entitlement.Directory
	absences   workflow.AbsenceStore
	audit      events.AuditLog
	opener     *YearOpener
	logger     *slog.Logger
	validate   *validator.Validate
	now        func() time.Time
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := d.Synchronizer.Ledger()
	return &Handler{
		sync:       d.Synchronizer,
		ledger:     l,
		calculator: d.Calculator,
		directory:  d.Directory,
		absences:   d.Absences,
		audit:      d.Audit,
		opener:     &YearOpener{Ledger: l, Directory: d.Directory, Publisher: d.Publisher, Logger: logger},
		logger:     logger,
		validate:   validator.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ENTITLEMENT & EMPLOYEE HANDLERS
// =============================================================================

// ComputeEntitlement runs the calculator on a profile from the body.
func (h *Handler) ComputeEntitlement(w http.ResponseWriter, r *http.Request) {
	var req ComputeEntitlementRequest
	if !h.decode(w, r, &req) {
		return
	}

	ref := h.now()
	switch {
	case req.ReferenceDate != "":
		ref, _ = time.Parse(dateLayout, req.ReferenceDate)
	case req.FiscalYear != 0:
		ref = h.ledger.Calendar().Start(req.FiscalYear)
	}

	res := h.calculator.Compute(req.Profile.profile(), ref)
	writeJSON(w, http.StatusOK, toEntitlementDTO(req.Profile.ID, ref, res))
}

// ListEmployees returns the IDs of all known employees.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	ids, err := h.directory.ListEmployeeIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to list employees", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"employees": ids})
}

// GetEmployee returns one profile.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	p, err := h.directory.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*p))
}

// UpsertEmployee creates or replaces a profile. Existing balances keep
// their initial amounts.
func (h *Handler) UpsertEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeDTO
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.directory.SaveProfile(r.Context(), req.profile()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the balance of one fiscal year, 404 if not opened.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	b, err := h.ledger.GetBalance(r.Context(), chi.URLParam(r, "id"), year)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// EnsureBalance opens the fiscal year for one employee if needed.
func (h *Handler) EnsureBalance(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	b, err := h.ledger.EnsureBalance(r.Context(), chi.URLParam(r, "id"), year)
	if err != nil {
		h.writeDomainError(w, "Failed to initialize balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// ListTransactions returns the ledger history, oldest first.
// Query: year, category, absence, limit, offset.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.TransactionFilter{
		EmployeeID: chi.URLParam(r, "id"),
		AbsenceRef: q.Get("absence"),
	}
	if s := q.Get("year"); s != "" {
		year, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		filter.FiscalYear = &year
	}
	if s := q.Get("category"); s != "" {
		c, err := ledger.ParseCategory(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid category", err)
			return
		}
		filter.Category = c
	}
	var err error
	if filter.Limit, err = intQuery(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if filter.Offset, err = intQuery(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	txs, err := h.ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list transactions", err)
		return
	}
	filter = filter.Normalize()
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, TransactionListDTO{Transactions: dtos, Limit: filter.Limit, Offset: filter.Offset})
}

// =============================================================================
// ABSENCE HANDLERS
// =============================================================================

// CreateAbsence records a new absence in pending status. Creating an ID
// that already exists with the same content is a replay; with other
// content it is a 409.
func (h *Handler) CreateAbsence(w http.ResponseWriter, r *http.Request) {
	var req AbsenceRequestBody
	if !h.decode(w, r, &req) {
		return
	}
	a := req.absence()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = workflow.StatusPending

	res, err := h.sync.ApplyTransition(r.Context(), a, workflow.StatusNone, workflow.StatusPending, req.ActorID)
	if err != nil {
		h.writeDomainError(w, "Failed to create absence", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toTransitionResultDTO(res))
}

func (h *Handler) GetAbsence(w http.ResponseWriter, r *http.Request) {
	a, err := h.absences.GetAbsence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get absence", err)
		return
	}
	writeJSON(w, http.StatusOK, toAbsenceDTO(*a))
}

func (h *Handler) ListAbsences(w http.ResponseWriter, r *http.Request) {
	list, err := h.absences.ListAbsences(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to list absences", err)
		return
	}
	dtos := make([]AbsenceDTO, 0, len(list))
	for _, a := range list {
		dtos = append(dtos, toAbsenceDTO(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"absences": dtos})
}

// TransitionAbsence applies a status change and its ledger effect.
func (h *Handler) TransitionAbsence(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	to, err := workflow.ParseStatus(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid target status", err)
		return
	}

	stored, err := h.absences.GetAbsence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get absence", err)
		return
	}
	from := stored.Status
	if req.From != "" {
		if from, err = workflow.ParseStatus(req.From); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid source status", err)
			return
		}
	} else if from == to {
		// Retry of a transition that already landed.
		writeJSON(w, http.StatusOK, TransitionResultDTO{
			Absence:      toAbsenceDTO(*stored),
			Effect:       workflow.EffectNone.String(),
			Transactions: []TransactionDTO{},
			Replayed:     true,
		})
		return
	}

	res, err := h.sync.ApplyTransition(r.Context(), *stored, from, to, req.ActorID)
	if err != nil {
		h.writeDomainError(w, "Failed to apply transition", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// EditAbsence replaces dates, amount or type. Approved absences are
// re-deducted under a new revision.
func (h *Handler) EditAbsence(w http.ResponseWriter, r *http.Request) {
	var req AbsenceRequestBody
	if !h.decode(w, r, &req) {
		return
	}
	stored, err := h.absences.GetAbsence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get absence", err)
		return
	}
	if req.EmployeeID != stored.EmployeeID {
		writeError(w, http.StatusBadRequest, "Employee of an absence cannot change", nil)
		return
	}

	updated := req.absence()
	updated.ID = stored.ID
	res, err := h.sync.ApplyEdit(r.Context(), *stored, updated, req.ActorID)
	if err != nil {
		h.writeDomainError(w, "Failed to edit absence", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// InterruptAbsence ends an approved absence the day before "on".
func (h *Handler) InterruptAbsence(w http.ResponseWriter, r *http.Request) {
	var req InterruptRequest
	if !h.decode(w, r, &req) {
		return
	}
	on, _ := time.Parse(dateLayout, req.On)

	stored, err := h.absences.GetAbsence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get absence", err)
		return
	}
	res, err := h.sync.Interrupt(r.Context(), *stored, on, req.ActorID)
	if err != nil {
		h.writeDomainError(w, "Failed to interrupt absence", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.sync.Grant)
}

func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.sync.Correct)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request,
	op func(context.Context, ledger.Mutation) (*ledger.Outcome, error)) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	category, err := ledger.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return
	}

	out, err := op(r.Context(), ledger.Mutation{
		EmployeeID:     req.EmployeeID,
		FiscalYear:     req.FiscalYear,
		Category:       category,
		Amount:         req.Amount,
		Reason:         req.Reason,
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if ledger.IsConflict(err) {
		writeJSON(w, http.StatusOK, AdjustmentDTO{Replayed: true})
		return
	}
	if err != nil {
		h.writeDomainError(w, "Failed to apply adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdjustmentDTO(out))
}

// OpenFiscalYear ensures a balance for every known employee.
func (h *Handler) OpenFiscalYear(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	opened, err := h.opener.Open(r.Context(), year)
	dto := OpenFiscalYearDTO{FiscalYear: year, Opened: opened}
	if err != nil {
		if ledger.IsRetryable(err) || opened == 0 {
			h.writeDomainError(w, "Failed to open fiscal year", err)
			return
		}
		dto.Errors = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListAudit returns the audit trail of an employee, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "Audit log not configured", nil)
		return
	}
	limit, err := intQuery(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if limit <= 0 || limit > ledger.MaxPageSize {
		limit = ledger.DefaultPageSize
	}
	entries, err := h.audit.ListAudit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to list audit entries", err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func yearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1900 || year > 2999 {
		writeError(w, http.StatusBadRequest, "Invalid fiscal year", err)
		return 0, false
	}
	return year, true
}

func intQuery(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	return n, nil
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, ledger.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, workflow.ErrInvalidRequest),
		errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, workflow.ErrAbsenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "status", status, "err", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
