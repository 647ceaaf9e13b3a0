// Package agentloop implements AgentLoop, the per-process think-act-observe
// driver. One Loop owns one spawned process's conversation history and
// drives it from booting to completion or cancellation, entirely through
// the kernel's EventBus and ProcessManager.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aether-kernel/aether/internal/agent"
	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/observability"
	"github.com/aether-kernel/aether/internal/process"
	"github.com/aether-kernel/aether/internal/usage"
	"github.com/aether-kernel/aether/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

const (
	historyLimit          = 40
	observationTruncation = 1000
	actionEventTruncation = 500
	approvalTimeout       = 5 * time.Minute
)

// HistoryEntry is one line of a Loop's rolling conversation history.
type HistoryEntry struct {
	Role    string
	Content string
}

// Action is the oracle's decision for one step: which tool to invoke with
// which arguments, plus the reasoning that led there.
type Action struct {
	Reasoning string
	Tool      string
	Args      map[string]any
}

// Oracle asks an LLM (or a deterministic fallback) for the next action.
type Oracle interface {
	NextAction(ctx context.Context, history []HistoryEntry, tools []agent.Tool) (Action, int, int, error)
}

// Config constructs a Loop.
type Config struct {
	PID               int64
	Bus               *eventbus.Bus
	Processes         *process.Manager
	Governor          *usage.Governor
	Oracle            Oracle
	Tools             map[string]agent.Tool
	MaxSteps          int
	InterStepInterval time.Duration
	ApprovalTimeout   time.Duration
	Provider          string

	// Recorder captures a replayable event timeline (run/tool/LLM
	// lifecycle) for this process. Nil disables timeline recording.
	Recorder *observability.EventRecorder
	// Tracer emits OpenTelemetry spans around oracle calls and tool
	// executions. Nil yields a no-op tracer's behavior (no spans created).
	Tracer *observability.Tracer
}

// Loop is one agent process's think-act-observe driver.
type Loop struct {
	pid       int64
	bus       *eventbus.Bus
	processes *process.Manager
	governor  *usage.Governor
	oracle    Oracle
	tools     map[string]agent.Tool
	executor  *agent.Executor
	maxSteps  int
	interStep time.Duration
	approvalT time.Duration
	provider  string

	recorder *observability.EventRecorder
	tracer   *observability.Tracer

	history []HistoryEntry
}

// New creates a Loop from cfg, applying default timing values for any
// zero-valued fields.
func New(cfg Config) *Loop {
	interStep := cfg.InterStepInterval
	if interStep <= 0 {
		interStep = 3 * time.Second
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 200
	}
	approvalT := cfg.ApprovalTimeout
	if approvalT <= 0 {
		approvalT = approvalTimeout
	}
	return &Loop{
		pid:       cfg.PID,
		bus:       cfg.Bus,
		processes: cfg.Processes,
		governor:  cfg.Governor,
		oracle:    cfg.Oracle,
		tools:     cfg.Tools,
		executor:  agent.NewExecutor(cfg.Tools, nil),
		maxSteps:  maxSteps,
		interStep: interStep,
		approvalT: approvalT,
		provider:  cfg.Provider,
		recorder:  cfg.Recorder,
		tracer:    cfg.Tracer,
	}
}

// Run drives the loop to completion, cancellation, or the step cap. It
// returns nil in every case: all terminal conditions are recorded on the
// process record and the bus, not via a returned error.
func (l *Loop) Run(ctx context.Context) error {
	runID := fmt.Sprintf("run-%d", l.pid)
	ctx = observability.AddRunID(ctx, runID)
	ctx = observability.AddAgentID(ctx, fmt.Sprintf("%d", l.pid))
	runStart := time.Now()
	if l.recorder != nil {
		_ = l.recorder.RecordRunStart(ctx, runID, map[string]any{"pid": l.pid, "provider": l.provider})
		defer func() { _ = l.recorder.RecordRunEnd(ctx, time.Since(runStart), nil) }()
	}

	for step := 0; step < l.maxSteps; step++ {
		if l.cancelled(ctx) {
			return nil
		}

		if l.paused() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			step--
			continue
		}

		if done := l.step(ctx, step); done {
			return nil
		}
	}

	l.recordThought(fmt.Sprintf("reached the %d-step cap", l.maxSteps))
	phase := process.PhaseCompleted
	_ = l.processes.SetState(l.pid, process.StateZombie, &phase)
	_ = l.processes.Exit(l.pid, 0)
	return nil
}

func (l *Loop) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		l.fail("cancelled")
		return true
	}
	proc := l.processes.Get(l.pid)
	if proc == nil || proc.State == process.StateZombie || proc.State == process.StateDead {
		return true
	}
	return false
}

func (l *Loop) paused() bool {
	proc := l.processes.Get(l.pid)
	return proc != nil && proc.State == process.StateStopped
}

func (l *Loop) fail(reason string) {
	l.recordThought("terminated: " + reason)
	phase := process.PhaseFailed
	_ = l.processes.SetState(l.pid, process.StateZombie, &phase)
}

// step runs one think-act-observe iteration. It returns true when the loop
// should stop (the complete tool ran, or an unrecoverable condition fired).
func (l *Loop) step(ctx context.Context, stepNum int) bool {
	thinking := process.PhaseThinking
	_ = l.processes.SetState(l.pid, process.StateRunning, &thinking)

	oracleCtx := ctx
	var oracleSpan trace.Span
	if l.tracer != nil {
		oracleCtx, oracleSpan = l.tracer.TraceLLMRequest(ctx, l.provider, "")
	}
	action, in, out, err := l.oracle.NextAction(oracleCtx, l.lastHistory(), l.toolCatalog())
	if oracleSpan != nil {
		if err != nil {
			l.tracer.RecordError(oracleSpan, err)
		} else {
			l.tracer.SetAttributes(oracleSpan, "tokens.input", in, "tokens.output", out, "tool", action.Tool)
		}
		oracleSpan.End()
	}
	if err != nil {
		action = l.heuristicFallback()
	} else if l.governor != nil {
		l.governor.RecordTokenUsage(l.pid, int64(in), int64(out), l.provider)
	}

	tool, known := l.tools[action.Tool]
	if !known {
		l.observe(fmt.Sprintf("Unknown tool: %s", action.Tool))
		l.sleepInterStep(ctx)
		return false
	}

	if requiresApproval(tool) {
		if !l.awaitApproval(ctx) {
			l.observe("approval rejected or timed out")
			l.sleepInterStep(ctx)
			return false
		}
	}

	executing := process.PhaseExecuting
	_ = l.processes.SetState(l.pid, process.StateRunning, &executing)
	if l.bus != nil {
		l.bus.Emit("agent.action", map[string]any{
			"pid": l.pid, "tool": action.Tool, "args": action.Args,
		})
	}

	result, toolErr := l.invokeTool(ctx, tool, action.Args)

	observing := process.PhaseObserving
	_ = l.processes.SetState(l.pid, process.StateRunning, &observing)
	resultText := result
	if toolErr != nil {
		resultText = fmt.Sprintf("error: %v", toolErr)
	}
	l.observe(resultText)

	if action.Tool == "complete" {
		if l.bus != nil {
			l.bus.Emit("agent.progress", map[string]any{"pid": l.pid, "stepCount": stepNum})
		}
		completed := process.PhaseCompleted
		_ = l.processes.SetState(l.pid, process.StateZombie, &completed)
		_ = l.processes.Exit(l.pid, 0)
		return true
	}

	l.sleepInterStep(ctx)
	return false
}

// invokeTool runs tool through the shared agent.Executor, which applies
// per-call concurrency backpressure, a timeout, retries on retryable
// errors, and panic recovery classified as a ToolErrorPanic — rather than
// calling tool.Execute directly and losing all three.
func (l *Loop) invokeTool(ctx context.Context, tool agent.Tool, args map[string]any) (string, error) {
	payload, marshalErr := marshalArgs(args)
	if marshalErr != nil {
		return "", marshalErr
	}

	toolCtx := ctx
	var toolSpan trace.Span
	if l.tracer != nil {
		toolCtx, toolSpan = l.tracer.TraceToolExecution(ctx, tool.Name())
	}
	if l.recorder != nil {
		_ = l.recorder.RecordToolStart(toolCtx, tool.Name(), args)
	}
	start := time.Now()

	call := models.ToolCall{ID: fmt.Sprintf("%d-%s", l.pid, tool.Name()), Name: tool.Name(), Input: payload}
	execResult := l.executor.Execute(toolCtx, call)

	if l.recorder != nil {
		_ = l.recorder.RecordToolEnd(toolCtx, tool.Name(), time.Since(start), execResult.Result, execResult.Error)
	}
	if toolSpan != nil {
		if execResult.Error != nil {
			l.tracer.RecordError(toolSpan, execResult.Error)
		}
		toolSpan.End()
	}

	if execResult.Error != nil {
		return "", execResult.Error
	}
	if execResult.Result.IsError {
		return execResult.Result.Content, fmt.Errorf("tool reported an error")
	}
	return execResult.Result.Content, nil
}

func (l *Loop) awaitApproval(ctx context.Context) bool {
	waiting := process.PhaseWaiting
	_ = l.processes.SetState(l.pid, process.StateSleeping, &waiting)
	if l.bus == nil {
		return false
	}
	l.bus.Emit("process.approval_required", map[string]any{"pid": l.pid})

	approved := make(chan bool, 1)
	unsubApprove := l.bus.Subscribe("agent.approved", func(payload any) {
		if !payloadMatchesPID(payload, l.pid) {
			return
		}
		select {
		case approved <- true:
		default:
		}
	})
	defer unsubApprove()
	unsubReject := l.bus.Subscribe("agent.rejected", func(payload any) {
		if !payloadMatchesPID(payload, l.pid) {
			return
		}
		select {
		case approved <- false:
		default:
		}
	})
	defer unsubReject()

	timer := time.NewTimer(l.approvalT)
	defer timer.Stop()

	select {
	case ok := <-approved:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// payloadMatchesPID reports whether an agent.approved/agent.rejected payload
// names pid. Emitted payloads carry pid as int64, but json round-tripping
// (e.g. replayed over the event stream) can yield a float64 instead.
func payloadMatchesPID(payload any, pid int64) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	switch v := m["pid"].(type) {
	case int64:
		return v == pid
	case float64:
		return int64(v) == pid
	case int:
		return int64(v) == pid
	}
	return false
}

func (l *Loop) observe(result string) {
	truncated := truncate(result, observationTruncation)
	if l.bus != nil {
		l.bus.Emit("agent.observation", map[string]any{
			"pid": l.pid, "result": truncate(result, actionEventTruncation),
		})
	}
	l.history = append(l.history, HistoryEntry{Role: "tool", Content: truncated})
	if len(l.history) > historyLimit {
		l.history = l.history[len(l.history)-historyLimit:]
	}
}

func (l *Loop) recordThought(text string) {
	if l.bus != nil {
		l.bus.Emit("agent.thought", map[string]any{"pid": l.pid, "text": text})
	}
	l.history = append(l.history, HistoryEntry{Role: "agent", Content: text})
}

func (l *Loop) lastHistory() []HistoryEntry {
	if len(l.history) <= historyLimit {
		return l.history
	}
	return l.history[len(l.history)-historyLimit:]
}

func (l *Loop) toolCatalog() []agent.Tool {
	out := make([]agent.Tool, 0, len(l.tools))
	for _, t := range l.tools {
		out = append(out, t)
	}
	return out
}

func (l *Loop) sleepInterStep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.interStep):
	}
}

// heuristicFallback never blocks: when the oracle fails, the loop asks for
// a harmless, side-effect-free action so it keeps making progress instead
// of deadlocking.
func (l *Loop) heuristicFallback() Action {
	return Action{Reasoning: "oracle unavailable, using deterministic fallback", Tool: "think", Args: nil}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func marshalArgs(args map[string]any) ([]byte, error) {
	if args == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(args)
}

// requiresApproval reports whether tool declares a requiresApproval tag in
// its schema. Tools are not required to implement a marker interface; an
// optional interface keeps AgentLoop decoupled from any one tool package.
type approvalAware interface {
	RequiresApproval() bool
}

func requiresApproval(tool agent.Tool) bool {
	if aware, ok := tool.(approvalAware); ok {
		return aware.RequiresApproval()
	}
	return false
}
