// Package usage provides token usage accounting, cost estimation, and
// formatting, shared by Governor's per-PID quota tracking and the
// provider_usage tool's display of fetched provider billing data.
package usage

import (
	"fmt"
	"math"
)

// Usage represents token usage for a single request.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Cost represents pricing for a model (per million tokens).
type Cost struct {
	Input      float64 `json:"input" yaml:"input"`
	Output     float64 `json:"output" yaml:"output"`
	CacheRead  float64 `json:"cache_read" yaml:"cache_read"`
	CacheWrite float64 `json:"cache_write" yaml:"cache_write"`
}

// Estimate calculates the estimated cost for the given usage.
func (c *Cost) Estimate(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	total := float64(usage.InputTokens)*c.Input +
		float64(usage.OutputTokens)*c.Output +
		float64(usage.CacheReadTokens)*c.CacheRead +
		float64(usage.CacheWriteTokens)*c.CacheWrite
	return total / 1_000_000
}

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 1 {
		return fmt.Sprintf("$%.2f", amount)
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatUsageDetailed formats usage with breakdown.
func FormatUsageDetailed(usage *Usage) string {
	if usage == nil {
		return "No usage"
	}
	parts := []string{}
	if usage.InputTokens > 0 {
		parts = append(parts, fmt.Sprintf("in: %s", FormatTokenCount(usage.InputTokens)))
	}
	if usage.OutputTokens > 0 {
		parts = append(parts, fmt.Sprintf("out: %s", FormatTokenCount(usage.OutputTokens)))
	}
	if usage.CacheReadTokens > 0 {
		parts = append(parts, fmt.Sprintf("cache-r: %s", FormatTokenCount(usage.CacheReadTokens)))
	}
	if usage.CacheWriteTokens > 0 {
		parts = append(parts, fmt.Sprintf("cache-w: %s", FormatTokenCount(usage.CacheWriteTokens)))
	}
	if len(parts) == 0 {
		return "0 tokens"
	}
	return fmt.Sprintf("%s (%s)", FormatTokenCount(usage.Total()), joinParts(parts))
}

func joinParts(parts []string) string {
	result := ""
	for i, p := range parts {
		if i > 0 {
			result += ", "
		}
		result += p
	}
	return result
}
