package router

import "testing"

func TestFlashWhenEveryToolIsFlash(t *testing.T) {
	got := Route(Input{Tools: []string{"file_read", "write_file"}, StepCount: 20, MaxSteps: 200})
	if got != FlashFamily {
		t.Fatalf("got %s, want flash", got)
	}
}

func TestFrontierWhenAnyCodeToolPresent(t *testing.T) {
	got := Route(Input{Tools: []string{"file_read", "code_review"}, StepCount: 20, MaxSteps: 200})
	if got != FrontierFamily {
		t.Fatalf("got %s, want frontier", got)
	}
}

func TestFrontierWhenAnyBrowserToolPresent(t *testing.T) {
	got := Route(Input{Tools: []string{"browser_click"}, StepCount: 20, MaxSteps: 200})
	if got != FrontierFamily {
		t.Fatalf("got %s, want frontier", got)
	}
}

func TestFlashOnEarlyStepsWithoutComplexTools(t *testing.T) {
	got := Route(Input{Tools: []string{"some_custom_tool"}, StepCount: 2, MaxSteps: 200})
	if got != FlashFamily {
		t.Fatalf("got %s, want flash (early steps)", got)
	}
}

func TestEarlyStepsRuleSkippedWithComplexTool(t *testing.T) {
	got := Route(Input{Tools: []string{"code_generate"}, StepCount: 1, MaxSteps: 200})
	if got != FrontierFamily {
		t.Fatalf("got %s, want frontier (complex tool overrides early-step flash)", got)
	}
}

func TestFallbackToStandard(t *testing.T) {
	got := Route(Input{Tools: []string{"some_custom_tool"}, StepCount: 50, MaxSteps: 200})
	if got != StandardFamily {
		t.Fatalf("got %s, want standard fallback", got)
	}
}

func TestEmptyToolsFallsThroughToEarlySteps(t *testing.T) {
	got := Route(Input{Tools: nil, StepCount: 0, MaxSteps: 200})
	if got != FlashFamily {
		t.Fatalf("got %s, want flash for empty tool set on an early step", got)
	}
}

func TestRouteIsPure(t *testing.T) {
	in := Input{Tools: []string{"file_read", "code_review"}, StepCount: 20, MaxSteps: 200}
	a := Route(in)
	b := Route(in)
	if a != b {
		t.Fatalf("Route returned different results for identical input: %s vs %s", a, b)
	}
}
