package exec

import (
	"fmt"

	"github.com/danshapiro/amp/internal/policy"
)

// ArgumentResolutionError is local to a node: a reference expression did not
// resolve against the context.
type ArgumentResolutionError struct {
	Node string
	Ref  string
	Msg  string
}

func (e *ArgumentResolutionError) Error() string {
	return fmt.Sprintf("node %s: resolve %q: %s", e.Node, e.Ref, e.Msg)
}

// ToolInvocationError wraps a network, timeout, or remote tool failure.
type ToolInvocationError struct {
	Node string
	Tool string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("node %s: tool %s: %v", e.Node, e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// RoutingError reports that no registered tool satisfies a capability.
type RoutingError struct {
	Node       string
	Capability string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("node %s: no tool satisfies capability %q", e.Node, e.Capability)
}

// BudgetExceededError is fatal and halts the run.
type BudgetExceededError struct {
	Dimension string
	Used      float64
	Cap       float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s %.4f over cap %.4f", e.Dimension, e.Used, e.Cap)
}

// PolicyViolationError carries a fatal policy violation.
type PolicyViolationError struct {
	Node      string
	Violation policy.Violation
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Violation)
}

// EvidenceBelowThresholdError fails a run whose verify result does not meet
// the plan's min_confidence stop condition.
type EvidenceBelowThresholdError struct {
	Node       string
	Confidence float64
	Threshold  float64
}

func (e *EvidenceBelowThresholdError) Error() string {
	return fmt.Sprintf("node %s: evidence confidence %.2f below threshold %.2f", e.Node, e.Confidence, e.Threshold)
}

// AssertionError is a fatal assertion failure.
type AssertionError struct {
	Node string
	Cond string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("node %s: assertion failed: %s", e.Node, e.Cond)
}
