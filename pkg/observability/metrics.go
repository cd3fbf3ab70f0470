package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hitl_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Model metrics
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_model_calls_total",
			Help: "Total number of model invocations",
		},
		[]string{"provider", "outcome"},
	)

	modelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hitl_model_call_duration_seconds",
			Help:    "Model invocation duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider"},
	)

	modelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_model_tokens_total",
			Help: "Tokens consumed by model invocations",
		},
		[]string{"provider", "kind"},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_tool_calls_total",
			Help: "Total number of executed tool calls",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hitl_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Orchestration metrics
	approvalDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_approval_decisions_total",
			Help: "Human decisions on gated tool calls",
		},
		[]string{"tool", "decision"},
	)

	threadOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_thread_outcomes_total",
			Help: "Orchestration outcomes by resulting state",
		},
		[]string{"state"},
	)

	guardTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_guard_trips_total",
			Help: "Hard bounds that stopped or short-circuited a loop",
		},
		[]string{"guard"},
	)

	threadsAwaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hitl_threads_awaiting_approval",
			Help: "Threads parked on a pending approval",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			modelCallsTotal,
			modelCallDuration,
			modelTokensTotal,
			toolCallsTotal,
			toolCallDuration,
			approvalDecisionsTotal,
			threadOutcomesTotal,
			guardTripsTotal,
			threadsAwaiting,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordModelCall records one model invocation. outcome is "ok" or an error code.
func RecordModelCall(provider, outcome string, duration time.Duration, promptTokens, completionTokens int) {
	modelCallsTotal.WithLabelValues(provider, outcome).Inc()
	modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if promptTokens > 0 {
		modelTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		modelTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordToolCall records an executed tool call
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordApproval records a human decision on a gated call
func RecordApproval(tool, decision string) {
	approvalDecisionsTotal.WithLabelValues(tool, decision).Inc()
}

// RecordOutcome records the state an orchestration call ended in
func RecordOutcome(state string) {
	threadOutcomesTotal.WithLabelValues(state).Inc()
}

// RecordGuard records a tripped hard bound ("loop_limit" or "search_quota")
func RecordGuard(guard string) {
	guardTripsTotal.WithLabelValues(guard).Inc()
}

// SetThreadsAwaiting sets the parked-threads gauge
func SetThreadsAwaiting(count int) {
	threadsAwaiting.Set(float64(count))
}
