// Package policy enforces tool and memory policies: deny_if predicates on
// resolved arguments, attribution requirements, and the memory-write
// acceptance gate.
package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/amp/internal/evidence"
	"github.com/danshapiro/amp/internal/tools"
)

type Severity string

const (
	// SeverityAdvisory violations are recorded and execution continues.
	SeverityAdvisory Severity = "advisory"
	// SeverityFatal violations halt the run.
	SeverityFatal Severity = "fatal"
)

// Violation is one policy finding. Fatal violations stop the scheduler.
type Violation struct {
	Rule     string         `json:"rule"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Tool     string         `json:"tool,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("policy violation [%s] %s: %s", v.Severity, v.Rule, v.Message)
}

// AdvisoryConfidenceFloor is the mean-confidence level below which evidence
// draws an advisory violation (the run continues).
const AdvisoryConfidenceFloor = 0.7

// MemoryWriteConfidenceMin is the gate on persisting derived facts.
const MemoryWriteConfidenceMin = 0.8

// Engine evaluates policies against the run context. Stateless; safe for
// concurrent use.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// CheckInvocation evaluates a tool's deny_if clauses against the resolved
// args about to be sent. Any matching clause is a fatal violation.
//
// Clause forms:
//
//	key=value   exact string match on fmt.Sprint of the arg
//	key~pattern doublestar glob match on the arg's string form
//	key         matches when the arg is present and non-empty
func (e *Engine) CheckInvocation(spec *tools.ToolSpec, args map[string]any) []Violation {
	if spec == nil || spec.Policy == nil {
		return nil
	}
	var out []Violation
	for _, clause := range spec.Policy.DenyIf {
		matched, err := matchDenyClause(clause, args)
		if err != nil {
			out = append(out, Violation{
				Rule:     "deny_if_malformed",
				Severity: SeverityFatal,
				Message:  err.Error(),
				Tool:     spec.Name,
			})
			continue
		}
		if matched {
			out = append(out, Violation{
				Rule:     "deny_if",
				Severity: SeverityFatal,
				Message:  fmt.Sprintf("args match deny clause %q", clause),
				Tool:     spec.Name,
				Details:  map[string]any{"clause": clause},
			})
		}
	}
	return out
}

func matchDenyClause(clause string, args map[string]any) (bool, error) {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return false, fmt.Errorf("empty deny_if clause")
	}
	if i := strings.Index(clause, "~"); i > 0 {
		key := strings.TrimSpace(clause[:i])
		pattern := strings.TrimSpace(clause[i+1:])
		v, ok := args[key]
		if !ok || v == nil {
			return false, nil
		}
		matched, err := doublestar.Match(pattern, fmt.Sprint(v))
		if err != nil {
			return false, fmt.Errorf("deny_if pattern %q: %w", pattern, err)
		}
		return matched, nil
	}
	if i := strings.Index(clause, "="); i > 0 {
		key := strings.TrimSpace(clause[:i])
		want := strings.TrimSpace(clause[i+1:])
		v, ok := args[key]
		if !ok || v == nil {
			return false, nil
		}
		return fmt.Sprint(v) == want, nil
	}
	v, ok := args[clause]
	return ok && v != nil && fmt.Sprint(v) != "", nil
}

// CheckEvidence applies run-level evidence policies. Low mean confidence is
// advisory only; the hard gate lives in the verify operation.
func (e *Engine) CheckEvidence(res evidence.VerificationResult) []Violation {
	var out []Violation
	if res.TotalClaims > 0 && res.MeanConfidence < AdvisoryConfidenceFloor {
		out = append(out, Violation{
			Rule:     "minimum_confidence",
			Severity: SeverityAdvisory,
			Message:  fmt.Sprintf("mean evidence confidence %.2f below %.2f", res.MeanConfidence, AdvisoryConfidenceFloor),
		})
	}
	return out
}

// CheckAttribution enforces attribution_required: any invocation of such a
// tool must carry at least one citation in its trace event. Advisory; an
// assert over the citation state escalates it.
func (e *Engine) CheckAttribution(spec *tools.ToolSpec, citations []string) []Violation {
	if spec == nil || spec.Provenance == nil || !spec.Provenance.AttributionRequired {
		return nil
	}
	if len(citations) > 0 {
		return nil
	}
	return []Violation{{
		Rule:     "attribution_required",
		Severity: SeverityAdvisory,
		Message:  fmt.Sprintf("tool %s requires attribution but no citations were produced", spec.Name),
		Tool:     spec.Name,
	}}
}

// CheckMemoryWrite is the acceptance gate for persisting derived facts:
// mean verdict confidence must reach MemoryWriteConfidenceMin and provenance
// must be non-empty. Run before any network call. Any violation rejects the
// write, but the run continues, so the severity is advisory; only a
// downstream assert over the write outcome escalates it.
func (e *Engine) CheckMemoryWrite(ev *evidence.Evidence, provenance []string) []Violation {
	var out []Violation
	if ev == nil {
		out = append(out, Violation{
			Rule:     "memory_write_confidence",
			Severity: SeverityAdvisory,
			Message:  fmt.Sprintf("memory write without evidence: confidence 0.00 < required %.2f", MemoryWriteConfidenceMin),
		})
	} else {
		res := evidence.Verify(ev)
		if res.MeanConfidence < MemoryWriteConfidenceMin {
			out = append(out, Violation{
				Rule:     "memory_write_confidence",
				Severity: SeverityAdvisory,
				Message:  fmt.Sprintf("mean confidence %.2f < required %.2f", res.MeanConfidence, MemoryWriteConfidenceMin),
			})
		}
	}
	if len(provenance) == 0 {
		out = append(out, Violation{
			Rule:     "memory_write_provenance",
			Severity: SeverityAdvisory,
			Message:  "memory write requires non-empty provenance",
		})
	}
	return out
}

// Fatal reports whether any violation in the list is fatal.
func Fatal(violations []Violation) *Violation {
	for i := range violations {
		if violations[i].Severity == SeverityFatal {
			return &violations[i]
		}
	}
	return nil
}
