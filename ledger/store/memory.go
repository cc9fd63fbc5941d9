// Package store provides an in-memory implementation of the ledger,
// workflow, directory and audit stores, for tests and local runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore, workflow.AbsenceStore,
// entitlement.Directory and events.AuditStore.
type Memory struct {
	mu sync.RWMutex
	*state
}

type state struct {
	balances     map[ledger.Key]*ledger.LeaveBalance
	transactions []ledger.Transaction
	idempotency  map[string]bool
	absences     map[string]workflow.AbsenceRequest
	employees    map[string]entitlement.EmployeeProfile
	audit        []events.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() *state {
	return &state{
		balances:    make(map[ledger.Key]*ledger.LeaveBalance),
		idempotency: make(map[string]bool),
		absences:    make(map[string]workflow.AbsenceRequest),
		employees:   make(map[string]entitlement.EmployeeProfile),
	}
}

// ===== ledger.Store =====

func (m *Memory) InsertBalanceIfAbsent(ctx context.Context, b ledger.LeaveBalance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertBalanceIfAbsent(ctx, b)
}

func (m *Memory) LoadBalance(ctx context.Context, key ledger.Key) (*ledger.LeaveBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LoadBalance(ctx, key)
}

func (m *Memory) Increment(ctx context.Context, key ledger.Key, c ledger.Category, d ledger.Delta) (ledger.CategoryBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Increment(ctx, key, c, d)
}

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendTransaction(ctx, tx)
}

func (m *Memory) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.TransactionExists(ctx, idempotencyKey)
}

func (m *Memory) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListTransactions(ctx, f)
}

// ===== workflow.AbsenceStore =====

func (m *Memory) GetAbsence(ctx context.Context, id string) (*workflow.AbsenceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetAbsence(ctx, id)
}

func (m *Memory) UpdateAbsence(ctx context.Context, req workflow.AbsenceRequest, expect workflow.Status, rev int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateAbsence(ctx, req, expect, rev)
}

func (m *Memory) ListAbsences(ctx context.Context, employeeID string) ([]workflow.AbsenceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListAbsences(ctx, employeeID)
}

// ===== entitlement.Directory =====

func (m *Memory) GetProfile(ctx context.Context, id string) (*entitlement.EmployeeProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetProfile(ctx, id)
}

func (m *Memory) SaveProfile(ctx context.Context, p entitlement.EmployeeProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveProfile(ctx, p)
}

func (m *Memory) ListEmployeeIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListEmployeeIDs(ctx)
}

// ===== events.AuditStore =====

func (m *Memory) AppendAudit(ctx context.Context, e events.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendAudit(ctx, e)
}

func (m *Memory) ListAudit(ctx context.Context, employeeID string, limit int) ([]events.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListAudit(ctx, employeeID, limit)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()

	err := fn(&txView{state: m.state})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txView is the transaction-scoped store; the parent lock is already held.
type txView struct {
	*state
}

func (s *state) clone() *state {
	c := newState()
	for k, b := range s.balances {
		c.balances[k] = b.Clone()
	}
	c.transactions = append([]ledger.Transaction(nil), s.transactions...)
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.absences {
		c.absences[k] = v
	}
	for k, v := range s.employees {
		c.employees[k] = v
	}
	c.audit = append([]events.AuditEntry(nil), s.audit...)
	return c
}

// =============================================================================
// UNLOCKED OPERATIONS
// =============================================================================

func (s *state) InsertBalanceIfAbsent(_ context.Context, b ledger.LeaveBalance) (bool, error) {
	key := b.Key()
	if _, ok := s.balances[key]; ok {
		return false, nil
	}
	s.balances[key] = b.Clone()
	return true, nil
}

func (s *state) LoadBalance(_ context.Context, key ledger.Key) (*ledger.LeaveBalance, error) {
	b, ok := s.balances[key]
	if !ok {
		return nil, ledger.ErrBalanceNotFound
	}
	return b.Clone(), nil
}

func (s *state) Increment(_ context.Context, key ledger.Key, c ledger.Category, d ledger.Delta) (ledger.CategoryBalance, error) {
	b, ok := s.balances[key]
	if !ok {
		return ledger.CategoryBalance{}, ledger.ErrBalanceNotFound
	}
	if b.Categories == nil {
		b.Categories = make(map[ledger.Category]ledger.CategoryBalance)
	}
	after := b.Categories[c].Apply(d)
	b.Categories[c] = after
	b.UpdatedAt = time.Now().UTC()
	return after, nil
}

func (s *state) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	s.transactions = append(s.transactions, tx)
	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (s *state) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	return s.idempotency[idempotencyKey], nil
}

func (s *state) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	f = f.Normalize()
	var matched []ledger.Transaction
	for _, tx := range s.transactions {
		if tx.EmployeeID != f.EmployeeID {
			continue
		}
		if f.FiscalYear != nil && tx.FiscalYear != *f.FiscalYear {
			continue
		}
		if f.Category != "" && tx.Category != f.Category {
			continue
		}
		if f.AbsenceRef != "" && tx.AbsenceRef != f.AbsenceRef {
			continue
		}
		matched = append(matched, tx)
	}
	// Equal timestamps keep insertion order.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if f.Offset >= len(matched) {
		return []ledger.Transaction{}, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], nil
}

func (s *state) GetAbsence(_ context.Context, id string) (*workflow.AbsenceRequest, error) {
	a, ok := s.absences[id]
	if !ok {
		return nil, workflow.ErrAbsenceNotFound
	}
	return &a, nil
}

func (s *state) UpdateAbsence(_ context.Context, req workflow.AbsenceRequest, expect workflow.Status, rev int) error {
	cur, ok := s.absences[req.ID]
	switch {
	case expect == workflow.StatusNone && ok:
		return workflow.ErrStaleAbsence
	case expect != workflow.StatusNone && !ok:
		return workflow.ErrAbsenceNotFound
	case ok && (cur.Status != expect || cur.Revision != rev):
		return workflow.ErrStaleAbsence
	}
	s.absences[req.ID] = req
	return nil
}

func (s *state) ListAbsences(_ context.Context, employeeID string) ([]workflow.AbsenceRequest, error) {
	var out []workflow.AbsenceRequest
	for _, a := range s.absences {
		if a.EmployeeID == employeeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) GetProfile(_ context.Context, id string) (*entitlement.EmployeeProfile, error) {
	p, ok := s.employees[id]
	if !ok {
		return nil, ledger.ErrEmployeeNotFound
	}
	return &p, nil
}

func (s *state) SaveProfile(_ context.Context, p entitlement.EmployeeProfile) error {
	s.employees[p.ID] = p
	return nil
}

func (s *state) ListEmployeeIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.employees))
	for id := range s.employees {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *state) AppendAudit(_ context.Context, e events.AuditEntry) error {
	for _, existing := range s.audit {
		if existing.ID == e.ID {
			return nil
		}
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *state) ListAudit(_ context.Context, employeeID string, limit int) ([]events.AuditEntry, error) {
	var out []events.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if employeeID != "" && s.audit[i].EmployeeID != employeeID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
