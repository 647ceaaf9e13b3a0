package metricswire

import (
	"strings"
	"testing"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/observability"
	"github.com/aether-kernel/aether/internal/process"
)

func newTestWiring(t *testing.T) (*eventbus.Bus, *observability.Metrics, *process.Manager, func()) {
	t.Helper()
	bus := eventbus.New(nil)
	metrics := observability.NewMetrics()
	processes := process.NewManager(t.TempDir(), bus)
	shutdown := Wire(bus, metrics, processes)
	t.Cleanup(shutdown)
	return bus, metrics, processes, shutdown
}

func TestProcessSpawnedIncrementsAgentsTotal(t *testing.T) {
	_, metrics, processes, _ := newTestWiring(t)
	if _, err := processes.Spawn(process.SpawnConfig{UID: "a", Role: "worker"}); err != nil {
		t.Fatal(err)
	}

	out, _ := metrics.Export()
	if !strings.Contains(out, "aether_agents_total 1") {
		t.Fatalf("expected agents_total 1, got %q", out)
	}
}

func TestAgentActionRecordsStepAndToolExecution(t *testing.T) {
	bus, metrics, _, _ := newTestWiring(t)
	bus.Emit("agent.action", map[string]any{"pid": int64(5), "tool": "file_write"})

	out, _ := metrics.Export()
	if !strings.Contains(out, `aether_agent_steps_total{pid="5",role="act"} 1`) {
		t.Fatalf("missing step line: %q", out)
	}
	if !strings.Contains(out, `aether_tool_executions_total{tool_name="file_write"} 1`) {
		t.Fatalf("missing tool execution line: %q", out)
	}
}

func TestResourceUsageRecordsTokensAndCost(t *testing.T) {
	bus, metrics, _, _ := newTestWiring(t)
	bus.Emit("resource.usage", map[string]any{
		"pid": int64(1),
		"usage": map[string]any{
			"provider":         "anthropic",
			"inputTokens":      100.0,
			"outputTokens":     50.0,
			"estimatedCostUSD": 0.01,
		},
	})

	out, _ := metrics.Export()
	if !strings.Contains(out, `aether_llm_tokens_total{direction="input",provider="anthropic"} 100`) {
		t.Fatalf("missing input tokens line: %q", out)
	}
	if !strings.Contains(out, `aether_cost_usd_total{provider="anthropic"} 0.010000`) {
		t.Fatalf("missing cost line: %q", out)
	}
}

func TestWildcardSubscriptionCountsEventsByTopic(t *testing.T) {
	bus, metrics, _, _ := newTestWiring(t)
	bus.Emit("process.spawned", map[string]any{"pid": int64(1)})
	bus.Emit("process.spawned", map[string]any{"pid": int64(2)})

	out, _ := metrics.Export()
	if !strings.Contains(out, `aether_events_emitted_total{event_type="process.spawned"} 2`) {
		t.Fatalf("missing events_emitted line: %q", out)
	}
}

func TestShutdownIsIdempotentAndStopsUpdates(t *testing.T) {
	bus, metrics, _, shutdown := newTestWiring(t)
	shutdown()
	shutdown()

	bus.Emit("process.spawned", map[string]any{"pid": int64(1)})
	out, _ := metrics.Export()
	if strings.Contains(out, "aether_agents_total 1") {
		t.Fatalf("expected no updates after shutdown: %q", out)
	}
}

func TestRefreshAndExportSetsActiveGaugeFromProcessManager(t *testing.T) {
	_, metrics, processes, _ := newTestWiring(t)
	if _, err := processes.Spawn(process.SpawnConfig{UID: "a", Role: "worker"}); err != nil {
		t.Fatal(err)
	}
	if _, err := processes.Spawn(process.SpawnConfig{UID: "b", Role: "worker"}); err != nil {
		t.Fatal(err)
	}

	out, err := RefreshAndExport(metrics, processes)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "aether_agents_active 2") {
		t.Fatalf("expected agents_active 2, got %q", out)
	}
}
