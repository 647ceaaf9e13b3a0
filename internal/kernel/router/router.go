// Package router implements ModelRouter: a pure function that picks a
// model family for an agent's next step from its tool set, step count, and
// step budget. It is deliberately free of I/O or provider knowledge; the
// caller maps the returned family to a concrete model/provider pair.
package router

// Family is a model tier.
type Family string

const (
	FlashFamily    Family = "flash"
	FrontierFamily Family = "frontier"
	StandardFamily Family = "standard"
)

// Input is the decision input: the agent's declared tool set, its current
// step count, its step budget, and an optional goal string reserved for
// future rules.
type Input struct {
	Tools     []string
	StepCount int
	MaxSteps  int
	Goal      string
}

// rule is one entry of the ordered default rule set. exactly true means
// every tool in Input.Tools must be in Tools (flash-family shape); false
// means at least one must match (frontier-family shape). maxStepsRule
// rules ignore Tools/family matching and instead gate on StepCount versus
// a threshold, provided none of the agent's tools are in a "complex" set.
type rule struct {
	family    Family
	tools     map[string]struct{}
	exactly   bool
	isMaxStep bool
	threshold int
	complex   map[string]struct{}
}

var flashTools = toSet(
	"file_read", "file_write", "memory_query", "file_list",
	"list_files", "read_file", "write_file", "think", "recall", "remember",
)

var codeTools = toSet("code_generate", "code_analyze", "code_review")

var browserTools = toSet(
	"browser_navigate", "browser_click", "browser_extract", "browser_screenshot",
)

var complexTools = union(codeTools, browserTools)

// defaultRules is the ordered rule set routing falls back to. First match wins.
var defaultRules = []rule{
	{family: FlashFamily, tools: flashTools, exactly: true},
	{family: FrontierFamily, tools: codeTools, exactly: false},
	{family: FrontierFamily, tools: browserTools, exactly: false},
	{family: FlashFamily, isMaxStep: true, threshold: 5, complex: complexTools},
}

const fallbackFamily = StandardFamily

// Route selects a model family for in. It is a pure function: the same
// input always yields the same output.
func Route(in Input) Family {
	toolSet := toSet(in.Tools...)
	for _, r := range defaultRules {
		if r.isMaxStep {
			if in.StepCount < r.threshold && !intersects(toolSet, r.complex) {
				return r.family
			}
			continue
		}
		if r.exactly {
			if len(toolSet) > 0 && isSubsetOf(toolSet, r.tools) {
				return r.family
			}
			continue
		}
		if intersects(toolSet, r.tools) {
			return r.family
		}
	}
	return fallbackFamily
}

func toSet(items ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func union(sets ...map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

func isSubsetOf(sub, super map[string]struct{}) bool {
	for k := range sub {
		if _, ok := super[k]; !ok {
			return false
		}
	}
	return true
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
