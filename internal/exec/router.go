package exec

import (
	"context"

	"github.com/danshapiro/amp/internal/tools"
)

// RejectedCandidate records why a tool advertising the capability was not
// chosen, for the capability-route trace event.
type RejectedCandidate struct {
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// RouteResult is the router's auditable decision.
type RouteResult struct {
	Capability string
	Chosen     *tools.Entry
	Rejected   []RejectedCandidate
}

// Route maps a capability tag to one concrete tool. Selection is
// deterministic for a given cache snapshot and budget state: candidates are
// filtered by capability and remaining budget, then the cheapest wins, ties
// broken by lower p50 latency, then registration order.
func Route(ctx context.Context, nodeID, capability string, cache *tools.Cache, tracker *BudgetTracker) (*RouteResult, error) {
	entries, err := cache.All(ctx)
	if err != nil {
		return nil, &ToolInvocationError{Node: nodeID, Tool: capability, Err: err}
	}
	res := &RouteResult{Capability: capability}
	for _, e := range entries {
		if e.Spec == nil || !e.Spec.HasCapability(capability) {
			continue
		}
		if ok, reason := FitsRemainingBudget(e.Spec, tracker); !ok {
			res.Rejected = append(res.Rejected, RejectedCandidate{Tool: e.Spec.Name, Reason: reason})
			continue
		}
		if res.Chosen == nil {
			res.Chosen = e
			continue
		}
		cur, cand := res.Chosen.Spec, e.Spec
		switch {
		case cand.CostPerCall() < cur.CostPerCall():
			res.Rejected = append(res.Rejected, RejectedCandidate{Tool: cur.Name, Reason: "cost too high"})
			res.Chosen = e
		case cand.CostPerCall() == cur.CostPerCall() && cand.LatencyP50() < cur.LatencyP50():
			res.Rejected = append(res.Rejected, RejectedCandidate{Tool: cur.Name, Reason: "latency too high"})
			res.Chosen = e
		default:
			reason := "cost too high"
			if cand.CostPerCall() == cur.CostPerCall() {
				reason = "latency too high"
				if cand.LatencyP50() == cur.LatencyP50() {
					reason = "later registration"
				}
			}
			res.Rejected = append(res.Rejected, RejectedCandidate{Tool: cand.Name, Reason: reason})
		}
	}
	if res.Chosen == nil {
		return res, &RoutingError{Node: nodeID, Capability: capability}
	}
	return res, nil
}

// TraceData shapes the decision for the capability-route event.
func (r *RouteResult) TraceData() map[string]any {
	data := map[string]any{"capability": r.Capability}
	if r.Chosen != nil {
		data["chosen"] = r.Chosen.Spec.Name
		data["cost_per_call_usd"] = r.Chosen.Spec.CostPerCall()
	}
	if len(r.Rejected) > 0 {
		rejected := make([]map[string]any, len(r.Rejected))
		for i, rej := range r.Rejected {
			rejected[i] = map[string]any{"tool": rej.Tool, "reason": rej.Reason}
		}
		data["rejected"] = rejected
	}
	return data
}
