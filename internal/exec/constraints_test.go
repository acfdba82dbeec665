package exec

import (
	"strings"
	"testing"

	"github.com/danshapiro/amp/internal/plan"
	"github.com/danshapiro/amp/internal/tools"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(nil); got != 1 { // "null" is 4 bytes
		t.Errorf("nil args = %d", got)
	}
	args := map[string]any{"q": strings.Repeat("x", 38)}
	// {"q":"xxx...x"} is 8 + 38 = 46 bytes.
	if got := EstimateTokens(args); got != 11 {
		t.Errorf("EstimateTokens = %d, want 11", got)
	}
}

func TestCheckPlanConstraints(t *testing.T) {
	specs := map[string]*tools.ToolSpec{
		"a": capSpec("a", 0.002, 300),
		"b": capSpec("b", 0.003, 400),
	}
	p := &plan.Plan{
		Nodes: []plan.Node{
			{ID: "n1", Op: plan.OpCall, Tool: "a"},
			{ID: "n2", Op: plan.OpCall, Tool: "b"},
			{ID: "n3", Op: plan.OpCall, Capability: "search"},
		},
	}

	p.Signals = signals(0.01, 1000)
	if err := CheckPlanConstraints(p, specs); err != nil {
		t.Errorf("within budget: %v", err)
	}

	p.Signals = signals(0.004, 1000)
	err := CheckPlanConstraints(p, specs)
	if err == nil {
		t.Fatal("expected cost preflight failure")
	}
	if be, ok := err.(*BudgetExceededError); !ok || be.Dimension != "cost_usd" {
		t.Errorf("err = %v", err)
	}

	p.Signals = signals(0.01, 500)
	err = CheckPlanConstraints(p, specs)
	if be, ok := err.(*BudgetExceededError); !ok || be.Dimension != "latency_ms" {
		t.Errorf("err = %v", err)
	}

	p.Signals = nil
	if err := CheckPlanConstraints(p, specs); err != nil {
		t.Errorf("no signals: %v", err)
	}
}

func TestCheckToolConstraints(t *testing.T) {
	max := 5
	spec := &tools.ToolSpec{
		Name:        "tight",
		Constraints: &tools.Constraints{InputTokensMax: &max},
	}
	small := map[string]any{"q": "hi"}
	if err := CheckToolConstraints(spec, small); err != nil {
		t.Errorf("small args: %v", err)
	}
	big := map[string]any{"q": strings.Repeat("x", 100)}
	if err := CheckToolConstraints(spec, big); err == nil {
		t.Error("oversized args accepted")
	}
	if err := CheckToolConstraints(&tools.ToolSpec{Name: "open"}, big); err != nil {
		t.Errorf("unconstrained tool: %v", err)
	}
}

func TestFitsRemainingBudget(t *testing.T) {
	tr := NewBudgetTracker(signals(0.001, 500))
	if ok, _ := FitsRemainingBudget(capSpec("fits", 0.0005, 200), tr); !ok {
		t.Error("tool within headroom rejected")
	}
	ok, reason := FitsRemainingBudget(capSpec("pricey", 0.01, 200), tr)
	if ok || !strings.HasPrefix(reason, "cost too high") {
		t.Errorf("ok=%v reason=%q", ok, reason)
	}
	ok, reason = FitsRemainingBudget(capSpec("slow", 0.0005, 800), tr)
	if ok || !strings.HasPrefix(reason, "latency too high") {
		t.Errorf("ok=%v reason=%q", ok, reason)
	}
	if ok, _ := FitsRemainingBudget(capSpec("any", 100, 1<<30), NewBudgetTracker(nil)); !ok {
		t.Error("uncapped run rejected a tool")
	}
}
