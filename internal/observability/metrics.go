package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects application metrics for the turn engine, providers and
// tools. All collectors are registered with the default prometheus registry
// and exposed on the admin server's /metrics endpoint.
type Metrics struct {
	// TurnCounter counts completed turns by terminal phase.
	// Labels: phase (completed|paused|stopped|error)
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider stream duration in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, type (input|output|reasoning)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|rejected)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveSessions gauges sessions currently resident in memory.
	ActiveSessions prometheus.Gauge

	// HTTPRequestDuration measures admin API request latency.
	// Labels: method, path, status
	HTTPRequestDuration *prometheus.HistogramVec

	// PushCounter counts push notification dispatches.
	// Labels: kind (created|next|completed), status (ok|error)
	PushCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_turns_total",
			Help: "Turns by terminal phase.",
		}, []string{"phase"}),

		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tether_llm_request_duration_seconds",
			Help:    "Provider stream duration.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_llm_tokens_total",
			Help: "Token consumption by provider and type.",
		}, []string{"provider", "type"}),

		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_tool_executions_total",
			Help: "Tool invocations by status.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tether_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tether_active_sessions",
			Help: "Sessions resident in memory.",
		}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tether_http_request_duration_seconds",
			Help:    "Admin API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status"}),

		PushCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_push_dispatches_total",
			Help: "Push notification dispatches.",
		}, []string{"kind", "status"}),
	}
}
