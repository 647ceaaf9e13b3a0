package agentloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aether-kernel/aether/internal/agent"
	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/process"
	"github.com/aether-kernel/aether/internal/usage"
)

type completeTool struct{}

func (completeTool) Name() string                 { return "complete" }
func (completeTool) Description() string          { return "finishes the agent's task" }
func (completeTool) Schema() json.RawMessage       { return json.RawMessage(`{}`) }
func (completeTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "done"}, nil
}

type completeOracle struct{}

func (completeOracle) NextAction(context.Context, []HistoryEntry, []agent.Tool) (Action, int, int, error) {
	return Action{Tool: "complete"}, 10, 5, nil
}

type errorOracle struct{}

func (errorOracle) NextAction(context.Context, []HistoryEntry, []agent.Tool) (Action, int, int, error) {
	return Action{}, 0, 0, context.DeadlineExceeded
}

type thinkTool struct{}

func (thinkTool) Name() string                 { return "think" }
func (thinkTool) Description() string          { return "records a thought" }
func (thinkTool) Schema() json.RawMessage       { return json.RawMessage(`{}`) }
func (thinkTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "thought recorded"}, nil
}

func newLoop(t *testing.T, oracle Oracle, tools map[string]agent.Tool, maxSteps int) (*Loop, *process.Manager, int64) {
	t.Helper()
	bus := eventbus.New(nil)
	procs := process.NewManager(t.TempDir(), bus)
	pid, err := procs.Spawn(process.SpawnConfig{UID: "agent-1"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	governor := usage.NewGovernor(usage.Quota{MaxTokensPerSession: 1_000_000}, bus, procs)
	loop := New(Config{
		PID:               pid,
		Bus:               bus,
		Processes:         procs,
		Governor:          governor,
		Oracle:            oracle,
		Tools:             tools,
		MaxSteps:          maxSteps,
		InterStepInterval: time.Millisecond,
		ApprovalTimeout:   50 * time.Millisecond,
		Provider:          "anthropic",
	})
	return loop, procs, pid
}

func TestCompleteToolEndsLoop(t *testing.T) {
	loop, procs, pid := newLoop(t, completeOracle{}, map[string]agent.Tool{"complete": completeTool{}}, 200)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if procs.Get(pid).State != process.StateZombie {
		t.Fatalf("state = %s, want zombie", procs.Get(pid).State)
	}
	if procs.Get(pid).Phase != process.PhaseCompleted {
		t.Fatalf("phase = %s, want completed", procs.Get(pid).Phase)
	}
}

func TestMaxStepsCapTerminates(t *testing.T) {
	loop, procs, pid := newLoop(t, fixedToolOracle{tool: "think"}, map[string]agent.Tool{"think": thinkTool{}}, 3)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if procs.Get(pid).State != process.StateZombie {
		t.Fatalf("state after step cap = %s, want zombie", procs.Get(pid).State)
	}
}

type fixedToolOracle struct{ tool string }

func (f fixedToolOracle) NextAction(context.Context, []HistoryEntry, []agent.Tool) (Action, int, int, error) {
	return Action{Tool: f.tool}, 1, 1, nil
}

func TestUnknownToolDoesNotCrashLoop(t *testing.T) {
	loop, procs, pid := newLoop(t, fixedToolOracle{tool: "nonexistent"}, map[string]agent.Tool{}, 2)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if procs.Get(pid).State != process.StateZombie {
		t.Fatalf("state = %s, want zombie after hitting step cap", procs.Get(pid).State)
	}
}

func TestOracleFailureFallsBackToHeuristic(t *testing.T) {
	loop, procs, pid := newLoop(t, errorOracle{}, map[string]agent.Tool{"think": thinkTool{}}, 2)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if procs.Get(pid).State != process.StateZombie {
		t.Fatalf("expected loop to keep advancing via the heuristic fallback instead of deadlocking")
	}
}

func TestCancellationStopsLoopImmediately(t *testing.T) {
	loop, procs, pid := newLoop(t, fixedToolOracle{tool: "think"}, map[string]agent.Tool{"think": thinkTool{}}, 200)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if procs.Get(pid).Phase != process.PhaseFailed {
		t.Fatalf("phase = %s, want failed after immediate cancellation", procs.Get(pid).Phase)
	}
}
