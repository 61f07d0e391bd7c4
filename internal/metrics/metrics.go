// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRetried  = "retried"
	OutcomeRejected = "rejected"
	OutcomePanic    = "panic"
)

// Metrics holds the pipeline's collectors. A nil *Metrics discards everything.
type Metrics struct {
	registry *prometheus.Registry

	tasks       *prometheus.CounterVec
	oracleCalls *prometheus.CounterVec
	allocations *prometheus.CounterVec
	deadLetters prometheus.Counter
	stageDur    *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmops",
		Name:      "tasks_total",
		Help:      "Envelopes handled by the worker pool by task type and outcome",
	}, []string{"task_type", "outcome"})
	m.oracleCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmops",
		Name:      "oracle_calls_total",
		Help:      "Oracle invocations by stage and outcome",
	}, []string{"stage", "outcome"})
	m.allocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmops",
		Name:      "allocations_total",
		Help:      "Tasks dispatched to an agent execution queue",
	}, []string{"agent_type"})
	m.deadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmops",
		Name:      "dead_letter_total",
		Help:      "Envelopes moved to the dead-letter queue",
	})
	m.stageDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarmops",
		Name:      "stage_duration_seconds",
		Help:      "Time spent handling one envelope",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"task_type"})

	m.registry.MustRegister(
		m.tasks, m.oracleCalls, m.allocations, m.deadLetters, m.stageDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TaskHandled records one envelope outcome and its duration.
func (m *Metrics) TaskHandled(taskType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if taskType == "" {
		taskType = "unknown"
	}
	m.tasks.WithLabelValues(taskType, outcome).Inc()
	m.stageDur.WithLabelValues(taskType).Observe(d.Seconds())
}

// OracleCall records one oracle invocation.
func (m *Metrics) OracleCall(stage, outcome string) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(stage, outcome).Inc()
}

// Allocation records one dispatch.
func (m *Metrics) Allocation(agentType string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(agentType).Inc()
}

// DeadLettered records one dead-lettered envelope.
func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Server serves Handler until the context is cancelled.
type Server struct {
	server *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, m *Metrics) *Server {
	return &Server{server: &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
