package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Latency bucket sets. LLM calls run seconds to a minute, tool executions
// sit in between, and local work (HTTP handling, store queries) runs
// milliseconds.
var (
	llmBuckets   = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	toolBuckets  = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
	localBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Metrics is the Prometheus metric set for the service. All metrics register
// with the default registry and are served from /metrics.
type Metrics struct {
	// StreamEventCounter counts wire events sent to streaming clients,
	// labeled by event type.
	StreamEventCounter *prometheus.CounterVec

	// FallbackCounter counts orchestrator fallbacks by kind
	// (tool_fallback, non_streaming).
	FallbackCounter *prometheus.CounterVec

	// LLMRequestCounter and LLMRequestDuration track LLM calls by provider
	// and model; the counter adds a status label (success, error).
	LLMRequestCounter  *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens by provider, model, and type
	// (prompt, completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter and ToolExecutionDuration track tool runs by
	// tool name; the counter adds a status label.
	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// QuotaRejections counts requests rejected by the daily quota, by tier.
	QuotaRejections *prometheus.CounterVec

	// ActiveStreams gauges currently open event streams.
	ActiveStreams prometheus.Gauge

	// HTTPRequestCounter and HTTPRequestDuration track handled requests by
	// method, path, and status code.
	HTTPRequestCounter  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// StoreQueryDuration tracks conversation store latency by operation.
	StoreQueryDuration *prometheus.HistogramVec
}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; promauto panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		StreamEventCounter: counter("threadline_stream_events_total",
			"Total stream events sent to clients by event type", "type"),
		FallbackCounter: counter("threadline_fallbacks_total",
			"Total orchestrator fallbacks by kind", "kind"),
		LLMRequestCounter: counter("threadline_llm_requests_total",
			"Total LLM requests by provider, model, and status",
			"provider", "model", "status"),
		LLMRequestDuration: histogram("threadline_llm_request_duration_seconds",
			"Duration of LLM API requests in seconds", llmBuckets,
			"provider", "model"),
		LLMTokensUsed: counter("threadline_llm_tokens_total",
			"Total tokens used by provider, model, and type",
			"provider", "model", "type"),
		ToolExecutionCounter: counter("threadline_tool_executions_total",
			"Total tool executions by tool name and status",
			"tool_name", "status"),
		ToolExecutionDuration: histogram("threadline_tool_execution_duration_seconds",
			"Duration of tool executions in seconds", toolBuckets,
			"tool_name"),
		QuotaRejections: counter("threadline_quota_rejections_total",
			"Total requests rejected by the daily quota, by tier", "tier"),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "threadline_active_streams",
			Help: "Currently open event streams",
		}),
		HTTPRequestCounter: counter("threadline_http_requests_total",
			"Total HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration: histogram("threadline_http_request_duration_seconds",
			"Duration of HTTP requests in seconds", localBuckets,
			"method", "path", "status_code"),
		StoreQueryDuration: histogram("threadline_store_query_duration_seconds",
			"Duration of conversation store operations in seconds", localBuckets,
			"operation"),
	}
}

// RecordStreamEvent increments the event counter for a wire event type.
func (m *Metrics) RecordStreamEvent(eventType string) {
	m.StreamEventCounter.WithLabelValues(eventType).Inc()
}

// RecordFallback increments the fallback counter.
func (m *Metrics) RecordFallback(kind string) {
	m.FallbackCounter.WithLabelValues(kind).Inc()
}

// RecordLLMRequest records one LLM call with its duration. Token counts
// arrive separately through RecordTokens, fed by the usage tracker.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordTokens adds token counts to the consumption counter.
func (m *Metrics) RecordTokens(provider, model string, promptTokens, completionTokens int64) {
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordQuotaRejection counts a request rejected by the daily quota.
func (m *Metrics) RecordQuotaRejection(tier string) {
	m.QuotaRejections.WithLabelValues(tier).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordStoreQuery records one conversation store operation.
func (m *Metrics) RecordStoreQuery(operation string, durationSeconds float64) {
	m.StoreQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
