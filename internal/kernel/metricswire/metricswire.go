// Package metricswire wires MetricsExporter (internal/observability) to the
// bus and ProcessManager. It exists as a separate package because
// observability is imported by eventbus for its logger, so observability
// itself cannot import eventbus without a cycle — something has to sit
// above both and that something is this adapter.
package metricswire

import (
	"sync"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/observability"
	"github.com/aether-kernel/aether/internal/process"
)

// Wire subscribes metrics to the relevant bus topics and returns a shutdown
// func that unsubscribes everything. Safe to call the returned func more
// than once.
func Wire(bus *eventbus.Bus, metrics *observability.Metrics, processes *process.Manager) func() {
	var unsubs []eventbus.UnsubscribeFunc

	unsubs = append(unsubs, bus.Subscribe("process.spawned", func(any) {
		metrics.RecordAgentSpawned()
	}))

	unsubs = append(unsubs, bus.Subscribe("agent.completed", func(payload any) {
		p, _ := payload.(map[string]any)
		outcome, _ := p["outcome"].(string)
		durationMs, _ := numberFrom(p["durationMs"])
		metrics.RecordAgentCompleted(outcome, durationMs)
	}))

	unsubs = append(unsubs, bus.Subscribe("agent.thought", func(payload any) {
		metrics.RecordAgentStep(pidFrom(payload), "think")
	}))

	unsubs = append(unsubs, bus.Subscribe("agent.action", func(payload any) {
		metrics.RecordAgentStep(pidFrom(payload), "act")
		p, _ := payload.(map[string]any)
		if tool, ok := p["tool"].(string); ok && tool != "" {
			metrics.RecordToolExecution(tool)
		}
	}))

	unsubs = append(unsubs, bus.Subscribe("agent.observation", func(payload any) {
		metrics.RecordAgentStep(pidFrom(payload), "observe")
	}))

	unsubs = append(unsubs, bus.Subscribe("resource.usage", func(payload any) {
		p, _ := payload.(map[string]any)
		usage, _ := p["usage"].(map[string]any)
		provider, _ := usage["provider"].(string)
		if provider == "" {
			return
		}
		if in, ok := numberFrom(usage["inputTokens"]); ok {
			metrics.RecordTokens(provider, "input", in)
		}
		if out, ok := numberFrom(usage["outputTokens"]); ok {
			metrics.RecordTokens(provider, "output", out)
		}
		if cost, ok := numberFrom(usage["estimatedCostUSD"]); ok {
			metrics.RecordCost(provider, cost)
		}
	}))

	unsubs = append(unsubs, bus.Subscribe(eventbus.WildcardTopic, func(payload any) {
		if ev, ok := payload.(eventbus.Event); ok {
			metrics.RecordEventEmitted(ev.Topic)
		}
	}))

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// RefreshAndExport refreshes AgentsActive from processes' live state, then
// renders the full Prometheus text exposition. Call this from the HTTP
// metrics handler rather than Metrics.Export directly, so the gauge never
// goes stale between scrapes.
func RefreshAndExport(metrics *observability.Metrics, processes *process.Manager) (string, error) {
	counts := processes.GetCounts()
	active := counts[process.StateRunning] + counts[process.StateSleeping] + counts[process.StatePaused] + counts[process.StateCreated]
	metrics.RefreshGauges(active)
	return metrics.Export()
}

func pidFrom(payload any) int64 {
	p, _ := payload.(map[string]any)
	if v, ok := numberFrom(p["pid"]); ok {
		return int64(v)
	}
	return 0
}

func numberFrom(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
