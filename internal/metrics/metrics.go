package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operator metrics for production monitoring
var (
	// Agent loop metrics
	LoopRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_loop_runs_total",
			Help: "Total number of agent loop invocations by terminal state",
		},
		[]string{"provider", "outcome"}, // outcome: done/error/aborted/confirmation
	)

	LoopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_operator_loop_iterations",
			Help:    "Model calls per loop invocation",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// Tool metrics
	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"}, // status: success/error/timeout/discarded
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_operator_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"tool"},
	)

	// Safety metrics
	SafetyVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_safety_verdicts_total",
			Help: "Safety gate verdicts by tier and outcome",
		},
		[]string{"tier", "outcome"}, // outcome: allowed/confirm/blocked/protected
	)

	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_confirmations_total",
			Help: "Confirmation requests and their decisions",
		},
		[]string{"decision"}, // requested/authorize/deny/expired
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "type"}, // type: input/output
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_operator_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider"},
	)

	// Context manager metrics
	SummarizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_summarizations_total",
			Help: "Background summarization runs",
		},
		[]string{"status"}, // success/failure
	)

	TokenizerFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_tokenizer_fallbacks_total",
			Help: "Token counts that fell back to the character heuristic",
		},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_operator_active_sessions",
			Help: "Number of live sessions",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_operator_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_operator_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)
