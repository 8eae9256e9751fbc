// Package metrics exports Prometheus metrics for runs, phases, tools and event delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all orchestrator collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Runs
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunsActive  prometheus.Gauge

	// Phases
	PhaseDuration *prometheus.HistogramVec
	RepairCycles  prometheus.Histogram

	// Tools
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Model backend
	LLMCallsTotal *prometheus.CounterVec
	LLMTokens     *prometheus.CounterVec

	// Events
	EventsEmitted      *prometheus.CounterVec
	DuplicateTerminals prometheus.Counter
	QueueEvictions     prometheus.Counter
	WSConnections      prometheus.Gauge

	// Security
	InjectionBlocks   *prometheus.CounterVec
	GovernanceDenials *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry under namespace.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.NewRegistry())
}

// NewWithRegistry creates metrics registered on reg.
func NewWithRegistry(namespace string, reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed runs by final phase",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		RunsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs currently executing",
			},
		),
		PhaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Workflow phase duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),
		RepairCycles: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repair_cycles",
				Help:      "Repair cycles used per run",
				Buckets:   []float64{0, 1, 2, 3, 5},
			},
		),
		ToolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls by tool and outcome code",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"tool"},
		),
		LLMCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "Model backend calls by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		LLMTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Tokens consumed by model and direction",
			},
			[]string{"model", "direction"},
		),
		EventsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_emitted_total",
				Help:      "Events delivered by type",
			},
			[]string{"type"},
		),
		DuplicateTerminals: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_terminal_attempts_total",
				Help:      "Rejected attempts to send a second terminal event",
			},
		),
		QueueEvictions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_queue_evictions_total",
				Help:      "Events dropped from full replay queues",
			},
		),
		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
		InjectionBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prompt_injection_blocks_total",
				Help:      "Tool calls blocked by the injection classifier, by severity",
			},
			[]string{"severity"},
		),
		GovernanceDenials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "governance_denials_total",
				Help:      "Tool calls denied by governance, by category",
			},
			[]string{"category"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RunFinished records a run's final phase and duration.
func (m *Metrics) RunFinished(status string, duration time.Duration, repairCycles int) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.RepairCycles.Observe(float64(repairCycles))
}

// RecordPhase records a phase duration.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordToolCall records a tool call. An empty code means success.
func (m *Metrics) RecordToolCall(tool, code string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := code
	if outcome == "" {
		outcome = "ok"
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordLLMCall records a model call and its token usage.
func (m *Metrics) RecordLLMCall(model string, err error, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LLMCallsTotal.WithLabelValues(model, outcome).Inc()
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordEvent counts a delivered event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordDuplicateTerminal counts a rejected second terminal event.
func (m *Metrics) RecordDuplicateTerminal() {
	if m == nil {
		return
	}
	m.DuplicateTerminals.Inc()
}

// RecordQueueEviction counts an event dropped from a full replay queue.
func (m *Metrics) RecordQueueEviction() {
	if m == nil {
		return
	}
	m.QueueEvictions.Inc()
}

// WSConnected adjusts the active connection gauge by delta.
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}

// RecordInjectionBlock counts a blocked injection attempt.
func (m *Metrics) RecordInjectionBlock(severity string) {
	if m == nil {
		return
	}
	m.InjectionBlocks.WithLabelValues(severity).Inc()
}

// RecordGovernanceDenial counts a governance denial.
func (m *Metrics) RecordGovernanceDenial(category string) {
	if m == nil {
		return
	}
	m.GovernanceDenials.WithLabelValues(category).Inc()
}
