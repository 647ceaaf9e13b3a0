package usage

import (
	"strings"
	"testing"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/process"
)

func newTestGovernor(t *testing.T, defaults Quota) (*Governor, *eventbus.Bus, *process.Manager, int64) {
	t.Helper()
	bus := eventbus.New(nil)
	procs := process.NewManager(t.TempDir(), bus)
	pid, err := procs.Spawn(process.SpawnConfig{UID: "agent-1"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return NewGovernor(defaults, bus, procs), bus, procs, pid
}

// TestSessionQuotaKillsProcess is scenario S1: a session cap of 500000
// tokens, recorded in two calls that together exceed it, must emit
// resource.exceeded with a reason naming the session limit and terminate
// the process to zombie.
func TestSessionQuotaKillsProcess(t *testing.T) {
	g, bus, procs, pid := newTestGovernor(t, Quota{MaxTokensPerSession: 500_000})

	var exceeded map[string]any
	bus.Subscribe("resource.exceeded", func(payload any) {
		exceeded = payload.(map[string]any)
	})

	g.RecordTokenUsage(pid, 400_000, 50_000, "anthropic")
	if exceeded != nil {
		t.Fatalf("resource.exceeded fired early: %+v", exceeded)
	}
	g.RecordTokenUsage(pid, 60_000, 10_000, "anthropic")

	if exceeded == nil {
		t.Fatal("expected resource.exceeded to fire")
	}
	if exceeded["pid"] != pid {
		t.Fatalf("resource.exceeded pid = %v, want %d", exceeded["pid"], pid)
	}
	reason, _ := exceeded["reason"].(string)
	if !strings.Contains(reason, "Session token limit") {
		t.Fatalf("reason = %q, want mention of session token limit", reason)
	}
	if procs.Get(pid).State != process.StateZombie {
		t.Fatalf("process state = %s, want zombie", procs.Get(pid).State)
	}
}

func TestCheckQuotaAllowsUnderLimit(t *testing.T) {
	g, _, _, pid := newTestGovernor(t, Quota{MaxTokensPerSession: 500_000})
	g.RecordTokenUsage(pid, 1000, 500, "openai")
	if check := g.CheckQuota(pid); !check.Allowed {
		t.Fatalf("expected allowed, got %+v", check)
	}
}

func TestIsRunawayAt20PercentOver(t *testing.T) {
	g, _, _, pid := newTestGovernor(t, Quota{MaxSteps: 10})
	for i := 0; i < 11; i++ {
		g.RecordTokenUsage(pid, 10, 10, "openai")
	}
	if !g.IsRunaway(pid) {
		t.Fatal("expected runaway at steps=11 against a ceiling of 10")
	}
}

func TestIsRunawayDoesNotKill(t *testing.T) {
	g, _, procs, pid := newTestGovernor(t, Quota{MaxSteps: 10})
	for i := 0; i < 11; i++ {
		g.RecordTokenUsage(pid, 10, 10, "openai")
	}
	g.IsRunaway(pid)
	if procs.Get(pid).State == process.StateZombie {
		t.Fatal("IsRunaway must not itself terminate the process")
	}
}

func TestSetQuotaOverridesDefaults(t *testing.T) {
	g, _, _, pid := newTestGovernor(t, Quota{MaxTokensPerSession: 500_000})
	g.SetQuota(pid, Quota{MaxTokensPerSession: 100})
	g.RecordTokenUsage(pid, 50, 60, "openai")
	if check := g.CheckQuota(pid); check.Allowed {
		t.Fatal("expected override quota of 100 tokens to be exceeded")
	}
}

func TestEstimateCostMatchesKnownProvider(t *testing.T) {
	g, _, _, _ := newTestGovernor(t, Quota{})
	cost := g.EstimateCost(1_000_000, 1_000_000, "claude-opus-4")
	if cost != 15.0+75.0 {
		t.Fatalf("cost = %f, want 90.0", cost)
	}
}

func TestEstimateCostFallsBackForUnknownProvider(t *testing.T) {
	g, _, _, _ := newTestGovernor(t, Quota{})
	cost := g.EstimateCost(1_000_000, 1_000_000, "some-unknown-vendor")
	if cost != fallbackCost.Input+fallbackCost.Output {
		t.Fatalf("cost = %f, want fallback 4.0", cost)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	g, _, _, pid := newTestGovernor(t, Quota{})
	g.RecordTokenUsage(pid, 10, 10, "openai")
	g.Cleanup(pid)
	g.Cleanup(pid)
	if u := g.GetUsage(pid); u != nil {
		t.Fatalf("expected nil usage after cleanup, got %+v", u)
	}
}

func TestGetSummaryListsAllTrackedPIDs(t *testing.T) {
	g, _, procs, pid1 := newTestGovernor(t, Quota{})
	pid2, _ := procs.Spawn(process.SpawnConfig{UID: "agent-2"})
	g.RecordTokenUsage(pid1, 10, 10, "openai")
	g.RecordTokenUsage(pid2, 20, 20, "anthropic")

	summary := g.GetSummary()
	if len(summary) != 2 {
		t.Fatalf("summary has %d entries, want 2", len(summary))
	}
}
