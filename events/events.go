/*
Package events carries side effects out of the ledger core.

PURPOSE:
  Audit, notification and broadcast are collaborators the core only reports
  to. The orchestrator and the admin endpoints publish an Event after their
  store transaction commits. Publishing is fire-and-forget: a failing sink
  is logged and counted, never surfaced to the caller, and never rolls back
  ledger state.

SINKS:
  LogSink    structured log line per event (default, always on)
  AsynqSink  enqueues a "leave:audit" task; the worker persists it to the
             audit log (asynq.go)
  MultiSink  fans out to several sinks
*/
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT
// =============================================================================

type Type string

const (
	TypeAbsenceTransitioned Type = "absence.transitioned"
	TypeAbsenceEdited       Type = "absence.edited"
	TypeAbsenceInterrupted  Type = "absence.interrupted"
	TypeBalanceGranted      Type = "balance.granted"
	TypeBalanceCorrected    Type = "balance.corrected"
	TypeBalanceOverdrawn    Type = "balance.overdrawn"
	TypeFiscalYearOpened    Type = "fiscal_year.opened"
)

type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	EmployeeID string         `json:"employee_id,omitempty"`
	AbsenceID  string         `json:"absence_id,omitempty"`
	FiscalYear int            `json:"fiscal_year,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sink delivers events to one destination.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// =============================================================================
// PUBLISHER
// =============================================================================

// FailureObserver counts failed deliveries.
type FailureObserver interface {
	EventFailed(t Type)
}

// Publisher stamps events and delivers them to a sink, swallowing failures.
type Publisher struct {
	sink     Sink
	logger   *slog.Logger
	observer FailureObserver
	timeout  time.Duration
	now      func() time.Time
}

func NewPublisher(sink Sink, logger *slog.Logger, observer FailureObserver) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Publisher{
		sink:     sink,
		logger:   logger,
		observer: observer,
		timeout:  5 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish delivers e. The caller's cancellation does not abort delivery:
// the state change being reported is already committed.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.now()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.sink.Publish(ctx, e); err != nil {
		p.logger.Warn("event publish failed",
			slog.String("event_id", e.ID),
			slog.String("type", string(e.Type)),
			slog.Any("error", err))
		if p.observer != nil {
			p.observer.EventFailed(e.Type)
		}
	}
}

// =============================================================================
// SINKS
// =============================================================================

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, e Event) error {
	s.logger.Info("event",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("employee_id", e.EmployeeID),
		slog.String("absence_id", e.AbsenceID),
		slog.Int("fiscal_year", e.FiscalYear),
		slog.String("actor_id", e.ActorID))
	return nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

// AuditEntry is the persisted form of an event.
type AuditEntry struct {
	ID         string
	EventType  Type
	EmployeeID string
	AbsenceID  string
	FiscalYear int
	ActorID    string
	Payload    map[string]any
	OccurredAt time.Time
}

// AuditStore persists audit entries. Appending an existing ID is a no-op.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// AuditLog adds the read side.
type AuditLog interface {
	AuditStore
	ListAudit(ctx context.Context, employeeID string, limit int) ([]AuditEntry, error)
}

func EntryFromEvent(e Event) AuditEntry {
	return AuditEntry{
		ID:         e.ID,
		EventType:  e.Type,
		EmployeeID: e.EmployeeID,
		AbsenceID:  e.AbsenceID,
		FiscalYear: e.FiscalYear,
		ActorID:    e.ActorID,
		Payload:    e.Data,
		OccurredAt: e.OccurredAt,
	}
}
