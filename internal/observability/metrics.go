package observability

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// histogramBuckets is the fixed schedule shared by every Aether histogram
// (seconds).
var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is MetricsExporter: counters/gauges/histograms under a fixed set
// of names, rendered in Prometheus text exposition format on demand from a
// private registry (never the global default). It exposes
// plain Record*/Inc methods rather than subscribing to the bus itself, so
// that the kernel wiring layer (which already imports both eventbus and
// observability) can drive it without this package importing eventbus.
type Metrics struct {
	registry *prometheus.Registry

	AgentsActive          prometheus.Gauge
	WebsocketConnections  prometheus.Gauge
	AgentsTotal           prometheus.Counter
	AgentCompletionsTotal *prometheus.CounterVec
	AgentStepsTotal       *prometheus.CounterVec
	LLMRequestsTotal      *prometheus.CounterVec
	LLMTokensTotal        *prometheus.CounterVec
	ToolExecutionsTotal   *prometheus.CounterVec
	EventsEmittedTotal    *prometheus.CounterVec
	AgentDurationSeconds  *prometheus.HistogramVec
	LLMLatencySeconds     *prometheus.HistogramVec
	ToolLatencySeconds    *prometheus.HistogramVec

	costMu    sync.Mutex
	costTotal map[string]float64
	costOrder []string
}

// NewMetrics creates a Metrics exporter bound to a fresh, private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AgentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_agents_active",
			Help: "Current number of agent processes in a non-terminal state.",
		}),
		WebsocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aether_websocket_connections",
			Help: "Current number of open EventStream (SSE) connections.",
		}),
		AgentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aether_agents_total",
			Help: "Total number of agent processes ever spawned.",
		}),
		AgentCompletionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_agent_completions_total",
			Help: "Total number of agent loop completions by outcome.",
		}, []string{"outcome"}),
		AgentStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_agent_steps_total",
			Help: "Total number of think/act/observe steps by pid and role.",
		}, []string{"pid", "role"}),
		LLMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_llm_requests_total",
			Help: "Total number of LLM oracle requests by provider and model.",
		}, []string{"provider", "model"}),
		LLMTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_llm_tokens_total",
			Help: "Total number of tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		ToolExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_tool_executions_total",
			Help: "Total number of tool invocations by tool name.",
		}, []string{"tool_name"}),
		EventsEmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_events_emitted_total",
			Help: "Total number of bus events emitted by topic.",
		}, []string{"event_type"}),
		AgentDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aether_agent_duration_seconds",
			Help:    "Agent loop wall-clock duration in seconds by outcome.",
			Buckets: histogramBuckets,
		}, []string{"outcome"}),
		LLMLatencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aether_llm_latency_seconds",
			Help:    "LLM oracle request latency in seconds by provider.",
			Buckets: histogramBuckets,
		}, []string{"provider"}),
		ToolLatencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aether_tool_latency_seconds",
			Help:    "Tool invocation latency in seconds by tool name.",
			Buckets: histogramBuckets,
		}, []string{"tool_name"}),

		costTotal: make(map[string]float64),
	}
}

// RecordAgentSpawned increments the total-agents counter. Called on
// process.spawned.
func (m *Metrics) RecordAgentSpawned() {
	m.AgentsTotal.Inc()
}

// RecordAgentCompleted records a terminal outcome and its wall-clock
// duration. Called on agent.completed.
func (m *Metrics) RecordAgentCompleted(outcome string, durationMs float64) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.AgentCompletionsTotal.WithLabelValues(outcome).Inc()
	m.AgentDurationSeconds.WithLabelValues(outcome).Observe(durationMs / 1000)
}

// RecordAgentStep increments the per-pid, per-role step counter. Called on
// agent.thought ("think"), agent.action ("act"), and agent.observation
// ("observe").
func (m *Metrics) RecordAgentStep(pid int64, role string) {
	m.AgentStepsTotal.WithLabelValues(fmt.Sprintf("%d", pid), role).Inc()
}

// RecordToolExecution increments the tool-invocation counter. Called on
// agent.action.
func (m *Metrics) RecordToolExecution(toolName string) {
	m.ToolExecutionsTotal.WithLabelValues(toolName).Inc()
}

// RecordToolLatency observes tool invocation latency, reported by AgentLoop
// alongside RecordToolExecution once a result is in hand.
func (m *Metrics) RecordToolLatency(toolName string, latencySeconds float64) {
	m.ToolLatencySeconds.WithLabelValues(toolName).Observe(latencySeconds)
}

// RecordLLMRequest records an LLM oracle call: provider, model, and
// latency are not carried on any single bus topic, so AgentLoop's Oracle
// wrapper calls this directly.
func (m *Metrics) RecordLLMRequest(provider, model string, latencySeconds float64) {
	m.LLMRequestsTotal.WithLabelValues(provider, model).Inc()
	m.LLMLatencySeconds.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordTokens adds to the token counter for provider and direction
// ("input" or "output"). Called on resource.usage.
func (m *Metrics) RecordTokens(provider, direction string, count float64) {
	if count <= 0 {
		return
	}
	m.LLMTokensTotal.WithLabelValues(provider, direction).Add(count)
}

// RecordEventEmitted increments the per-topic event counter. Called from a
// wildcard bus subscription.
func (m *Metrics) RecordEventEmitted(topic string) {
	m.EventsEmittedTotal.WithLabelValues(topic).Inc()
}

// RecordCost adds to the running estimated-cost total for provider. Cost is
// tracked outside the Prometheus registry so it can be rendered with a
// fixed six-decimal format rather than Prometheus's default
// shortest-representation float formatting.
func (m *Metrics) RecordCost(provider string, usd float64) {
	m.costMu.Lock()
	defer m.costMu.Unlock()
	if _, seen := m.costTotal[provider]; !seen {
		m.costOrder = append(m.costOrder, provider)
	}
	m.costTotal[provider] += usd
}

// RefreshGauges sets AgentsActive from a live count, read from
// ProcessManager just before Export so the gauge reflects current state
// rather than the last transition event.
func (m *Metrics) RefreshGauges(activeAgents int) {
	m.AgentsActive.Set(float64(activeAgents))
}

// ConnectionOpened/ConnectionClosed track EventStream's live SSE connection
// gauge.
func (m *Metrics) ConnectionOpened() { m.WebsocketConnections.Inc() }
func (m *Metrics) ConnectionClosed() { m.WebsocketConnections.Dec() }

// Export renders every metric in Prometheus text exposition format: HELP
// and TYPE lines, per-label-set metric lines in insertion order, and
// cumulative histogram buckets, via prometheus/common/expfmt — then appends
// the separately tracked cost counter with a fixed %.6f format.
func (m *Metrics) Export() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return "", fmt.Errorf("encode metric family %s: %w", mf.GetName(), err)
		}
	}

	buf.WriteString(m.renderCost())
	return buf.String(), nil
}

func (m *Metrics) renderCost() string {
	m.costMu.Lock()
	defer m.costMu.Unlock()

	var b strings.Builder
	b.WriteString("# HELP aether_cost_usd_total Cumulative estimated LLM cost in USD by provider.\n")
	b.WriteString("# TYPE aether_cost_usd_total counter\n")
	for _, provider := range m.costOrder {
		b.WriteString(fmt.Sprintf("aether_cost_usd_total{provider=%q} %.6f\n", provider, m.costTotal[provider]))
	}
	return b.String()
}
