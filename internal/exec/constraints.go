package exec

import (
	"encoding/json"
	"fmt"

	"github.com/danshapiro/amp/internal/plan"
	"github.com/danshapiro/amp/internal/tools"
)

// EstimateTokens approximates token usage of serialized args, at roughly
// four characters per token.
func EstimateTokens(args map[string]any) uint64 {
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return uint64(len(b)) / 4
}

// CheckPlanConstraints is the planner preflight: summed per-tool declared
// estimates against the plan's signals, before any node runs. Capability
// nodes are skipped here since their tool is not yet known.
func CheckPlanConstraints(p *plan.Plan, specs map[string]*tools.ToolSpec) error {
	var estCost float64
	var estLatency int64
	for _, n := range p.Nodes {
		if n.Tool == "" {
			continue
		}
		spec, ok := specs[n.Tool]
		if !ok || spec.Constraints == nil {
			continue
		}
		estCost += spec.CostPerCall()
		estLatency += int64(spec.LatencyP50())
	}
	if p.Signals == nil {
		return nil
	}
	if cap := p.Signals.LatencyBudgetMS; cap != nil && estLatency > *cap {
		return &BudgetExceededError{Dimension: "latency_ms", Used: float64(estLatency), Cap: float64(*cap)}
	}
	if cap := p.Signals.CostCapUSD; cap != nil && estCost > *cap {
		return &BudgetExceededError{Dimension: "cost_usd", Used: estCost, Cap: *cap}
	}
	return nil
}

// CheckToolConstraints validates one call against the tool's declared
// per-call limits.
func CheckToolConstraints(spec *tools.ToolSpec, args map[string]any) error {
	if spec.Constraints == nil {
		return nil
	}
	if max := spec.Constraints.InputTokensMax; max != nil {
		if est := EstimateTokens(args); est > uint64(*max) {
			return fmt.Errorf("tool %s: estimated input tokens %d exceed max %d", spec.Name, est, *max)
		}
	}
	return nil
}

// FitsRemainingBudget reports whether the tool's declared estimates fit the
// tracker's current headroom. Used by the router's pre-flight filter; the
// authoritative accounting still happens post-invocation on observed usage.
func FitsRemainingBudget(spec *tools.ToolSpec, tracker *BudgetTracker) (bool, string) {
	costRem, latRem := tracker.Remaining()
	if costRem != nil && spec.CostPerCall() > *costRem {
		return false, fmt.Sprintf("cost too high: %.4f over remaining %.4f", spec.CostPerCall(), *costRem)
	}
	if latRem != nil && int64(spec.LatencyP50()) > *latRem {
		return false, fmt.Sprintf("latency too high: %dms over remaining %dms", spec.LatencyP50(), *latRem)
	}
	return true, ""
}
