/*
Package metrics exposes Prometheus collectors for the leave engine.

PURPOSE:
  One Metrics value owns a private registry and implements the observer
  interfaces of the ledger, the orchestrator and the event publisher, so
  each component reports through a narrow interface and never imports
  Prometheus.

SERIES:
  leave_http_requests_total{route,code}
  leave_http_request_duration_seconds{route}
  leave_ledger_operations_total{kind,category}
  leave_ledger_replays_total{kind}
  leave_ledger_negative_balances_total{category}
  leave_transitions_total{from,to,effect,replayed}
  leave_storage_retries_total{op}
  leave_event_failures_total{type}

SEE ALSO:
  - ledger/ledger.go: Observer
  - orchestrator/synchronizer.go: Observer
  - events/events.go: FailureObserver
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/orchestrator"
	"github.com/warp/leave-engine/workflow"
)

type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	operations       *prometheus.CounterVec
	replays          *prometheus.CounterVec
	negativeBalances *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	eventFailures    *prometheus.CounterVec
}

var (
	_ ledger.Observer        = (*Metrics)(nil)
	_ orchestrator.Observer  = (*Metrics)(nil)
	_ events.FailureObserver = (*Metrics)(nil)
)

// New builds the registry with Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leave_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_ledger_operations_total",
			Help: "Committed ledger operations by kind and category.",
		}, []string{"kind", "category"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_ledger_replays_total",
			Help: "Ledger operations rejected as duplicates of an applied idempotency key.",
		}, []string{"kind"}),
		negativeBalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_ledger_negative_balances_total",
			Help: "Operations that left a category balance below zero.",
		}, []string{"category"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_transitions_total",
			Help: "Absence transitions by status change and ledger effect.",
		}, []string{"from", "to", "effect", "replayed"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_storage_retries_total",
			Help: "Retries after a transient storage failure.",
		}, []string{"op"}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leave_event_failures_total",
			Help: "Events the sink failed to accept.",
		}, []string{"type"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal, m.requestDuration,
		m.operations, m.replays, m.negativeBalances,
		m.transitions, m.retries, m.eventFailures,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registerer exposes the registry for collectors owned by other packages.
func (m *Metrics) Registerer() prometheus.Registerer { return m.registry }

// Gatherer exposes the registry to tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// =============================================================================
// HTTP
// =============================================================================

// Middleware records one sample per request, labelled by chi route
// pattern so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// =============================================================================
// OBSERVERS
// =============================================================================

func (m *Metrics) Operation(kind ledger.OperationKind, category ledger.Category) {
	m.operations.WithLabelValues(string(kind), string(category)).Inc()
}

func (m *Metrics) Replay(kind ledger.OperationKind) {
	m.replays.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) NegativeBalance(category ledger.Category) {
	m.negativeBalances.WithLabelValues(string(category)).Inc()
}

func (m *Metrics) Retry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) Transition(from, to workflow.Status, effect workflow.Effect, replayed bool) {
	fromLabel := string(from)
	if from == workflow.StatusNone {
		fromLabel = "none"
	}
	m.transitions.WithLabelValues(fromLabel, string(to), effect.String(), strconv.FormatBool(replayed)).Inc()
}

func (m *Metrics) EventFailed(t events.Type) {
	m.eventFailures.WithLabelValues(string(t)).Inc()
}
