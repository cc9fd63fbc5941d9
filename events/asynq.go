package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue audit tasks are enqueued on.
	QueueDefault = "default"
	// TaskAudit persists one event to the audit log.
	TaskAudit = "leave:audit"
)

// NewAuditTask wraps e into an asynq task. The event ID is used as the task
// ID, so a duplicate publish is rejected by the queue.
func NewAuditTask(e Event) (*asynq.Task, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAudit, data, asynq.TaskID(e.ID), asynq.MaxRetry(10)), nil
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink enqueues audit tasks.
type AsynqSink struct {
	client Enqueuer
}

func NewAsynqSink(client Enqueuer) *AsynqSink {
	return &AsynqSink{client: client}
}

func (s *AsynqSink) Publish(ctx context.Context, e Event) error {
	task, err := NewAuditTask(e)
	if err != nil {
		return fmt.Errorf("build audit task: %w", err)
	}
	if _, err := s.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue audit task: %w", err)
	}
	return nil
}

// =============================================================================
// WORKER SIDE
// =============================================================================

// AuditHandler processes TaskAudit tasks.
type AuditHandler struct {
	Store  AuditStore
	Logger *slog.Logger
}

func (h *AuditHandler) Handle(ctx context.Context, t *asynq.Task) error {
	if h == nil || h.Store == nil {
		return errors.New("audit: handler not configured")
	}
	var e Event
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry)
	}
	if e.ID == "" || e.Type == "" {
		return fmt.Errorf("audit payload missing id or type: %w", asynq.SkipRetry)
	}
	if err := h.Store.AppendAudit(ctx, EntryFromEvent(e)); err != nil {
		return fmt.Errorf("append audit %s: %w", e.ID, err)
	}
	if h.Logger != nil {
		h.Logger.Debug("audit entry stored", slog.String("event_id", e.ID), slog.String("type", string(e.Type)))
	}
	return nil
}

// Worker wraps the asynq server.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Concurrency int
	Logger      *slog.Logger
	Audit       AuditStore
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	handler := &AuditHandler{Store: cfg.Audit, Logger: cfg.Logger}
	mux.HandleFunc(TaskAudit, handler.Handle)
	return &Worker{server: srv, mux: mux, logger: cfg.Logger}
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
