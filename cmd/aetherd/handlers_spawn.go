package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/aether-kernel/aether/internal/kernel/agentloop"
	"github.com/aether-kernel/aether/internal/kernel/llmoracle"
	"github.com/aether-kernel/aether/internal/process"
)

type spawnParams struct {
	Role     string
	Goal     string
	UID      string
	MaxSteps int
}

// runSpawn spawns one agent process and drives its AgentLoop to completion
// synchronously on the current terminal, outside the HTTP surface. It
// exercises the full ModelRouter -> LLM provider -> AgentLoop -> tool path
// without requiring the long-running kernel to be up.
func runSpawn(ctx context.Context, configPath string, debug bool, params spawnParams) error {
	k, err := buildKernel(configPath, debug)
	if err != nil {
		return fmt.Errorf("build kernel: %w", err)
	}
	defer k.shutdown()

	if len(k.families) == 0 {
		return fmt.Errorf("no LLM provider configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or AWS_REGION")
	}

	maxSteps := params.MaxSteps
	if maxSteps <= 0 {
		maxSteps = k.cfg.MaxSteps
	}

	pid, err := k.processes.Spawn(process.SpawnConfig{
		UID:      params.UID,
		OwnerUID: params.UID,
		Role:     params.Role,
		Goal:     params.Goal,
	})
	if err != nil {
		return fmt.Errorf("spawn process: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	oracle := llmoracle.New(k.families, k.fallback, maxSteps, fmt.Sprintf("You are %s. Your goal: %s", params.Role, params.Goal))

	loop := agentloop.New(agentloop.Config{
		PID:               pid,
		Bus:               k.bus,
		Processes:         k.processes,
		Governor:          k.governor,
		Oracle:            oracle,
		Tools:             k.toolset,
		MaxSteps:          maxSteps,
		InterStepInterval: k.cfg.InterStepInterval(),
		ApprovalTimeout:   k.cfg.ApprovalTimeout(),
		Provider:          "aether-spawn",
		Recorder:          k.timeline,
		Tracer:            k.tracer,
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		printOutcome(k, pid)
		return err
	case <-ctx.Done():
		<-done
		printOutcome(k, pid)
		return nil
	case <-time.After(k.cfg.MaxWallClock() + 30*time.Second):
		cancel()
		<-done
		return fmt.Errorf("spawn: process %d exceeded its wall-clock budget", pid)
	}
}

func printOutcome(k *kernel, pid int64) {
	proc := k.processes.Get(pid)
	if proc == nil {
		return
	}
	k.logger.Info(context.Background(), "agent run finished", "pid", pid, "state", proc.State, "phase", proc.Phase)
}
