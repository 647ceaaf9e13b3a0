// Package llmoracle implements agentloop.Oracle against the real LLM
// provider stack: it routes each step to a model family via
// internal/kernel/router, drains the provider's streaming response, and
// falls back to a deterministic heuristic action when the provider errs or
// returns no usable tool call.
package llmoracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aether-kernel/aether/internal/agent"
	"github.com/aether-kernel/aether/internal/kernel/agentloop"
	"github.com/aether-kernel/aether/internal/kernel/router"
)

// FamilyModel maps a router.Family to the concrete provider and model that
// serve it.
type FamilyModel struct {
	Provider agent.LLMProvider
	Model    string
}

// Oracle bridges agentloop.Oracle to agent.LLMProvider, one instance per
// running process so its step counter stays accurate for routing.
type Oracle struct {
	families map[router.Family]FamilyModel
	fallback FamilyModel
	maxSteps int
	system   string

	step int
}

// New creates an Oracle. families must contain at least one entry;
// fallback is used for any router.Family absent from families.
func New(families map[router.Family]FamilyModel, fallback FamilyModel, maxSteps int, systemPrompt string) *Oracle {
	return &Oracle{families: families, fallback: fallback, maxSteps: maxSteps, system: systemPrompt}
}

// NextAction implements agentloop.Oracle.
func (o *Oracle) NextAction(ctx context.Context, history []agentloop.HistoryEntry, tools []agent.Tool) (agentloop.Action, int, int, error) {
	toolNames := make([]string, 0, len(tools))
	for _, t := range tools {
		toolNames = append(toolNames, t.Name())
	}

	family := router.Route(router.Input{Tools: toolNames, StepCount: o.step, MaxSteps: o.maxSteps})
	o.step++

	fm, ok := o.families[family]
	if !ok {
		fm = o.fallback
	}
	if fm.Provider == nil {
		return agentloop.Action{}, 0, 0, fmt.Errorf("llmoracle: no provider configured for family %q", family)
	}

	req := &agent.CompletionRequest{
		Model:    fm.Model,
		System:   o.system,
		Messages: toMessages(history),
		Tools:    tools,
	}

	chunks, err := fm.Provider.Complete(ctx, req)
	if err != nil {
		return agentloop.Action{}, 0, 0, fmt.Errorf("llmoracle: %s completion: %w", fm.Provider.Name(), err)
	}

	var reasoning string
	var toolCall *struct {
		name string
		args map[string]any
	}
	var inputTokens, outputTokens int

	for chunk := range chunks {
		if chunk.Error != nil {
			return agentloop.Action{}, 0, 0, fmt.Errorf("llmoracle: %s stream: %w", fm.Provider.Name(), chunk.Error)
		}
		if chunk.Thinking != "" {
			reasoning += chunk.Thinking
		}
		if chunk.Text != "" {
			reasoning += chunk.Text
		}
		if chunk.ToolCall != nil {
			var args map[string]any
			if len(chunk.ToolCall.Input) > 0 {
				if err := json.Unmarshal(chunk.ToolCall.Input, &args); err != nil {
					return agentloop.Action{}, 0, 0, fmt.Errorf("llmoracle: decode tool call args: %w", err)
				}
			}
			toolCall = &struct {
				name string
				args map[string]any
			}{name: chunk.ToolCall.Name, args: args}
		}
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
		}
	}

	if toolCall == nil {
		return agentloop.Action{}, inputTokens, outputTokens, fmt.Errorf("llmoracle: %s returned no tool call", fm.Provider.Name())
	}

	return agentloop.Action{
		Reasoning: reasoning,
		Tool:      toolCall.name,
		Args:      toolCall.args,
	}, inputTokens, outputTokens, nil
}

func toMessages(history []agentloop.HistoryEntry) []agent.CompletionMessage {
	msgs := make([]agent.CompletionMessage, 0, len(history))
	for _, h := range history {
		role := h.Role
		if role == "agent" {
			role = "assistant"
		}
		msgs = append(msgs, agent.CompletionMessage{Role: role, Content: h.Content})
	}
	return msgs
}
