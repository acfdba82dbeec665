// Package plan defines the plan intermediate representation: the JSON wire
// format callers submit, parsed into a strict in-memory model and validated
// before anything is scheduled.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Op is the closed operation vocabulary. It is part of the protocol: adding
// an operation means extending this set and the scheduler's dispatch, not
// registering into an open table.
type Op string

const (
	OpCall     Op = "call"
	OpMap      Op = "map"
	OpReduce   Op = "reduce"
	OpBranch   Op = "branch"
	OpAssert   Op = "assert"
	OpSpawn    Op = "spawn"
	OpMemRead  Op = "mem.read"
	OpMemWrite Op = "mem.write"
	OpVerify   Op = "verify"
	OpRetry    Op = "retry"
)

func ParseOp(s string) (Op, error) {
	switch Op(strings.TrimSpace(s)) {
	case OpCall, OpMap, OpReduce, OpBranch, OpAssert, OpSpawn, OpMemRead, OpMemWrite, OpVerify, OpRetry:
		return Op(strings.TrimSpace(s)), nil
	default:
		return "", fmt.Errorf("unknown op %q", s)
	}
}

// InvokesTool reports whether the operation reaches an external service and
// therefore must name a tool or a capability.
func (o Op) InvokesTool() bool {
	switch o {
	case OpCall, OpMap, OpReduce, OpVerify, OpRetry:
		return true
	default:
		return false
	}
}

// Signals are caller-declared run ceilings. All fields are optional; a nil
// pointer means the dimension is uncapped.
type Signals struct {
	LatencyBudgetMS *int64   `json:"latency_budget_ms,omitempty"`
	CostCapUSD      *float64 `json:"cost_cap_usd,omitempty"`
	Risk            *float64 `json:"risk,omitempty"`
}

type StopConditions struct {
	MaxNodes      *int     `json:"max_nodes,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Node is one operation in the plan DAG. Args values are either JSON
// literals or reference expressions (strings starting with '$') into
// previously bound outputs.
type Node struct {
	ID         string                     `json:"id"`
	Op         Op                         `json:"op"`
	Tool       string                     `json:"tool,omitempty"`
	Capability string                     `json:"capability,omitempty"`
	Args       map[string]json.RawMessage `json:"args,omitempty"`
	Bind       map[string]string          `json:"bind,omitempty"`
	Out        map[string]string          `json:"out,omitempty"`
}

// Plan is immutable once validated. The scheduler never mutates it.
type Plan struct {
	ID             string          `json:"id,omitempty"`
	Signals        *Signals        `json:"signals,omitempty"`
	Nodes          []Node          `json:"nodes"`
	Edges          []Edge          `json:"edges,omitempty"`
	StopConditions *StopConditions `json:"stop_conditions,omitempty"`
}

// Parse decodes a plan strictly (unknown fields rejected) and validates it.
// A plan failing structural or referential validation is rejected before
// scheduling, never partially executed.
func Parse(b []byte) (*Plan, error) {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, &ValidationError{Rule: "plan_json", Message: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// NodeByID returns the node with the given id, or nil.
func (p *Plan) NodeByID(id string) *Node {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// Incoming returns ids of nodes with an edge into id.
func (p *Plan) Incoming(id string) []string {
	var out []string
	for _, e := range p.Edges {
		if e.To == id {
			out = append(out, e.From)
		}
	}
	return out
}

// Outgoing returns ids of nodes this id has an edge to.
func (p *Plan) Outgoing(id string) []string {
	var out []string
	for _, e := range p.Edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

// ArgString returns the string form of an argument, resolving only JSON
// string literals. ok is false when the arg is absent or not a string.
func (n *Node) ArgString(key string) (string, bool) {
	raw, ok := n.Args[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ArgStringList decodes an argument as a list of strings.
func (n *Node) ArgStringList(key string) ([]string, bool) {
	raw, ok := n.Args[key]
	if !ok {
		return nil, false
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
