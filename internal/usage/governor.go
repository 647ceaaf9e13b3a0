package usage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/process"
)

// Quota is a per-PID override of the governor's default ceilings.
type Quota struct {
	MaxTokensPerSession int64
	MaxTokensPerDay     int64
	MaxSteps            int
	MaxWallClockMs      int64
}

// dayBucket is one entry of the explicit daily-token ring. See DESIGN.md's
// Open Question resolution: the window evicts entries older than 24h on
// every record rather than accumulating unboundedly.
type dayBucket struct {
	windowStart time.Time
	tokens      int64
}

// agentUsage is the per-PID usage record.
type agentUsage struct {
	usage            Usage
	totalSteps       int64
	startedAt        time.Time
	estimatedCostUSD float64
	provider         string

	dayWindow dayBucket
}

// QuotaCheck is the result of checkQuota.
type QuotaCheck struct {
	Allowed bool
	Reason  string
}

// Summary is a point-in-time snapshot of one PID's usage and quota state.
type Summary struct {
	PID              int64
	InputTokens      int64
	OutputTokens     int64
	Steps            int64
	EstimatedCostUSD float64
	Provider         string
	Runaway          bool
}

// String renders a Summary the way the provider_usage tool renders fetched
// provider totals: a token breakdown plus the estimated cost.
func (s Summary) String() string {
	u := Usage{InputTokens: s.InputTokens, OutputTokens: s.OutputTokens}
	return fmt.Sprintf("%s, %s", FormatUsageDetailed(&u), FormatUSD(s.EstimatedCostUSD))
}

// costTable is an ordered provider->Cost lookup. Matching is
// substring-based on the lowercased provider string; first match wins.
// Order is significant and stable.
type costEntry struct {
	substr string
	cost   Cost
}

var costTable = []costEntry{
	{"claude-opus", Cost{Input: 15.0, Output: 75.0}},
	{"claude-sonnet", Cost{Input: 3.0, Output: 15.0}},
	{"claude-haiku", Cost{Input: 0.8, Output: 4.0}},
	{"anthropic", Cost{Input: 3.0, Output: 15.0}},
	{"gpt-4o", Cost{Input: 2.5, Output: 10.0}},
	{"gpt-4", Cost{Input: 10.0, Output: 30.0}},
	{"gpt-3.5", Cost{Input: 0.5, Output: 1.5}},
	{"openai", Cost{Input: 2.5, Output: 10.0}},
	{"gemini-1.5-pro", Cost{Input: 1.25, Output: 5.0}},
	{"gemini", Cost{Input: 0.075, Output: 0.3}},
	{"bedrock", Cost{Input: 3.0, Output: 15.0}},
}

var fallbackCost = Cost{Input: 1.0, Output: 3.0}

// Signaler sends a control signal to a PID. Satisfied by *process.Manager.
type Signaler interface {
	Signal(pid int64, sig process.Signal) error
}

// Governor is the ResourceGovernor: per-agent quota enforcement, runaway
// detection, and cost estimation.
type Governor struct {
	mu    sync.Mutex
	usage map[int64]*agentUsage
	quota map[int64]Quota

	defaults Quota
	bus      *eventbus.Bus
	proc     Signaler
}

// NewGovernor creates a Governor with the given defaults, read once at
// construction.
func NewGovernor(defaults Quota, bus *eventbus.Bus, proc Signaler) *Governor {
	return &Governor{
		usage:    make(map[int64]*agentUsage),
		quota:    make(map[int64]Quota),
		defaults: defaults,
		bus:      bus,
		proc:     proc,
	}
}

// RecordTokenUsage records an LLM call's token usage for pid, lazily
// creating its usage record, then runs checkQuota and terminates the
// process if any ceiling is exceeded.
func (g *Governor) RecordTokenUsage(pid int64, in, out int64, provider string) {
	g.mu.Lock()
	u, ok := g.usage[pid]
	if !ok {
		u = &agentUsage{startedAt: time.Now()}
		g.usage[pid] = u
	}
	u.usage.Add(&Usage{InputTokens: in, OutputTokens: out})
	u.totalSteps++
	u.provider = provider
	u.estimatedCostUSD += g.estimateCostLocked(in, out, provider)

	now := time.Now()
	if now.Sub(u.dayWindow.windowStart) > 24*time.Hour {
		u.dayWindow = dayBucket{windowStart: now, tokens: 0}
	}
	u.dayWindow.tokens += in + out
	g.mu.Unlock()

	check := g.CheckQuota(pid)
	if !check.Allowed {
		if g.bus != nil {
			g.bus.Emit("resource.exceeded", map[string]any{
				"pid": pid, "reason": check.Reason, "usage": g.GetUsage(pid),
			})
		}
		if g.proc != nil {
			_ = g.proc.Signal(pid, process.SIGTERM)
		}
	}
}

// CheckQuota reports whether pid is within every configured ceiling.
func (g *Governor) CheckQuota(pid int64) QuotaCheck {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[pid]
	if !ok {
		return QuotaCheck{Allowed: true}
	}
	q := g.quotaForLocked(pid)

	session := u.usage.Total()
	if q.MaxTokensPerSession > 0 && session > q.MaxTokensPerSession {
		return QuotaCheck{Allowed: false, Reason: fmt.Sprintf("Session token limit exceeded: %d > %d", session, q.MaxTokensPerSession)}
	}
	if q.MaxTokensPerDay > 0 && u.dayWindow.tokens > q.MaxTokensPerDay {
		return QuotaCheck{Allowed: false, Reason: fmt.Sprintf("Daily token limit exceeded: %d > %d", u.dayWindow.tokens, q.MaxTokensPerDay)}
	}
	if q.MaxSteps > 0 && u.totalSteps > int64(q.MaxSteps) {
		return QuotaCheck{Allowed: false, Reason: fmt.Sprintf("Step limit exceeded: %d > %d", u.totalSteps, q.MaxSteps)}
	}
	if q.MaxWallClockMs > 0 && time.Since(u.startedAt).Milliseconds() > q.MaxWallClockMs {
		return QuotaCheck{Allowed: false, Reason: fmt.Sprintf("Wall clock limit exceeded: %dms > %dms", time.Since(u.startedAt).Milliseconds(), q.MaxWallClockMs)}
	}
	return QuotaCheck{Allowed: true}
}

// IsRunaway reports whether pid's usage exceeds any ceiling by at least
// 20%, without terminating it.
func (g *Governor) IsRunaway(pid int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[pid]
	if !ok {
		return false
	}
	q := g.quotaForLocked(pid)

	session := u.usage.Total()
	if q.MaxTokensPerSession > 0 && float64(session) >= 1.2*float64(q.MaxTokensPerSession) {
		return true
	}
	if q.MaxTokensPerDay > 0 && float64(u.dayWindow.tokens) >= 1.2*float64(q.MaxTokensPerDay) {
		return true
	}
	if q.MaxSteps > 0 && float64(u.totalSteps) >= 1.2*float64(q.MaxSteps) {
		return true
	}
	if q.MaxWallClockMs > 0 && float64(time.Since(u.startedAt).Milliseconds()) >= 1.2*float64(q.MaxWallClockMs) {
		return true
	}
	return false
}

// GetQuota returns the effective quota for pid (its override, or the
// governor's defaults).
func (g *Governor) GetQuota(pid int64) Quota {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quotaForLocked(pid)
}

func (g *Governor) quotaForLocked(pid int64) Quota {
	if q, ok := g.quota[pid]; ok {
		return q
	}
	return g.defaults
}

// SetQuota overrides pid's quota. Zero fields fall back to the defaults.
func (g *Governor) SetQuota(pid int64, partial Quota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.defaults
	if partial.MaxTokensPerSession != 0 {
		q.MaxTokensPerSession = partial.MaxTokensPerSession
	}
	if partial.MaxTokensPerDay != 0 {
		q.MaxTokensPerDay = partial.MaxTokensPerDay
	}
	if partial.MaxSteps != 0 {
		q.MaxSteps = partial.MaxSteps
	}
	if partial.MaxWallClockMs != 0 {
		q.MaxWallClockMs = partial.MaxWallClockMs
	}
	g.quota[pid] = q
}

// GetUsage returns a snapshot of pid's usage, or nil if none recorded yet.
func (g *Governor) GetUsage(pid int64) *Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[pid]
	if !ok {
		return nil
	}
	return &Summary{
		PID:              pid,
		InputTokens:      u.usage.InputTokens,
		OutputTokens:     u.usage.OutputTokens,
		Steps:            u.totalSteps,
		EstimatedCostUSD: u.estimatedCostUSD,
		Provider:         u.provider,
	}
}

// GetSummary returns a snapshot for every PID with recorded usage.
func (g *Governor) GetSummary() []Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Summary, 0, len(g.usage))
	for pid, u := range g.usage {
		out = append(out, Summary{
			PID:              pid,
			InputTokens:      u.usage.InputTokens,
			OutputTokens:     u.usage.OutputTokens,
			Steps:            u.totalSteps,
			EstimatedCostUSD: u.estimatedCostUSD,
			Provider:         u.provider,
		})
	}
	return out
}

// EstimateCost estimates the USD cost of an LLM call using the ordered
// provider cost table, falling back to (1.0, 3.0) $/M tokens when no entry
// matches.
func (g *Governor) EstimateCost(in, out int64, provider string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.estimateCostLocked(in, out, provider)
}

func (g *Governor) estimateCostLocked(in, out int64, provider string) float64 {
	lower := strings.ToLower(provider)
	cost := fallbackCost
	for _, entry := range costTable {
		if strings.Contains(lower, entry.substr) {
			cost = entry.cost
			break
		}
	}
	return cost.Estimate(&Usage{InputTokens: in, OutputTokens: out})
}

// Cleanup deletes pid's usage record and quota override. Idempotent.
func (g *Governor) Cleanup(pid int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.usage, pid)
	delete(g.quota, pid)
}
