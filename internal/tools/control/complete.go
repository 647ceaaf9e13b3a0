// Package control provides the kernel-native tools an agent uses to manage
// its own lifecycle rather than its workspace: signaling completion. These
// are not a messaging, sandbox, or sub-agent concern like the rest of
// internal/tools, so they get their own package.
package control

import (
	"context"
	"encoding/json"

	"github.com/aether-kernel/aether/internal/agent"
)

// CompleteTool lets an agent signal that its goal is done. AgentLoop
// special-cases the "complete" tool name: a successful call ends the loop
// and marks the process StateZombie/PhaseCompleted.
type CompleteTool struct{}

// NewCompleteTool creates the complete tool.
func NewCompleteTool() *CompleteTool {
	return &CompleteTool{}
}

func (t *CompleteTool) Name() string { return "complete" }

func (t *CompleteTool) Description() string {
	return "Signal that the agent's goal has been achieved and end the run. Call this once the task is done."
}

func (t *CompleteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {
				"type": "string",
				"description": "A short summary of what was accomplished."
			}
		}
	}`)
}

func (t *CompleteTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Summary string `json:"summary"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &input)
	}
	if input.Summary == "" {
		input.Summary = "done"
	}
	return &agent.ToolResult{Content: input.Summary}, nil
}
