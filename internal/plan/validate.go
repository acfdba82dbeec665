package plan

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one validation finding. Errors reject the plan; warnings are
// surfaced to the caller but do not block execution.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
}

// ValidationError is returned when a plan fails a structural or referential
// check. It names the first failing rule; Diagnostics carries the full list.
type ValidationError struct {
	Rule        string
	Message     string
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation: %s: %s", e.Rule, e.Message)
}

// Validate runs all lint rules and returns every diagnostic.
func Lint(p *Plan) []Diagnostic {
	if p == nil {
		return []Diagnostic{{Rule: "plan_nil", Severity: SeverityError, Message: "plan is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintNonEmpty(p)...)
	diags = append(diags, lintUniqueIDs(p)...)
	diags = append(diags, lintOps(p)...)
	diags = append(diags, lintToolOrCapability(p)...)
	diags = append(diags, lintEdgeTargetsExist(p)...)
	diags = append(diags, lintAcyclic(p)...)
	diags = append(diags, lintSignals(p)...)
	return diags
}

// Validate returns a ValidationError wrapping the first error-severity
// diagnostic, or nil when the plan is executable.
func (p *Plan) Validate() error {
	diags := Lint(p)
	for _, d := range diags {
		if d.Severity == SeverityError {
			return &ValidationError{Rule: d.Rule, Message: d.Message, Diagnostics: diags}
		}
	}
	return nil
}

func lintNonEmpty(p *Plan) []Diagnostic {
	if len(p.Nodes) == 0 {
		return []Diagnostic{{Rule: "plan_non_empty", Severity: SeverityError, Message: "plan has no nodes"}}
	}
	return nil
}

func lintUniqueIDs(p *Plan) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, n := range p.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			diags = append(diags, Diagnostic{Rule: "node_id", Severity: SeverityError, Message: "node has empty id"})
			continue
		}
		if seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_unique",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node id %q", id),
				NodeID:   id,
			})
		}
		seen[id] = true
	}
	return diags
}

func lintOps(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, n := range p.Nodes {
		if _, err := ParseOp(string(n.Op)); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "op_known",
				Severity: SeverityError,
				Message:  err.Error(),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintToolOrCapability(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, n := range p.Nodes {
		hasTool := strings.TrimSpace(n.Tool) != ""
		hasCap := strings.TrimSpace(n.Capability) != ""
		if hasTool && hasCap {
			diags = append(diags, Diagnostic{
				Rule:     "tool_xor_capability",
				Severity: SeverityError,
				Message:  "node declares both tool and capability",
				NodeID:   n.ID,
			})
		}
		if n.Op.InvokesTool() && !hasTool && !hasCap {
			diags = append(diags, Diagnostic{
				Rule:     "tool_required",
				Severity: SeverityError,
				Message:  fmt.Sprintf("op %q invokes a tool but node declares neither tool nor capability", n.Op),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintEdgeTargetsExist(p *Plan) []Diagnostic {
	ids := map[string]bool{}
	for _, n := range p.Nodes {
		ids[n.ID] = true
	}
	var diags []Diagnostic
	for _, e := range p.Edges {
		if !ids[e.From] {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references missing from-node %q", e.From),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if !ids[e.To] {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references missing to-node %q", e.To),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

// lintAcyclic runs Kahn's algorithm; any leftover node is on a cycle.
func lintAcyclic(p *Plan) []Diagnostic {
	indeg := map[string]int{}
	adj := map[string][]string{}
	for _, n := range p.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range p.Edges {
		if _, ok := indeg[e.From]; !ok {
			continue // dangling edges reported by edge_target_exists
		}
		if _, ok := indeg[e.To]; !ok {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		indeg[e.To]++
	}
	var queue []string
	for _, n := range p.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(p.Nodes) {
		var cyclic []string
		for id, d := range indeg {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return []Diagnostic{{
			Rule:     "acyclic",
			Severity: SeverityError,
			Message:  fmt.Sprintf("edge set induces a cycle involving %v", cyclic),
		}}
	}
	return nil
}

func lintSignals(p *Plan) []Diagnostic {
	if p.Signals == nil || p.Signals.Risk == nil {
		return nil
	}
	r := *p.Signals.Risk
	if r < 0 || r > 1 {
		return []Diagnostic{{
			Rule:     "risk_range",
			Severity: SeverityError,
			Message:  fmt.Sprintf("risk %v outside [0,1]", r),
		}}
	}
	return nil
}
