package exec

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/amp/internal/mem"
	"github.com/danshapiro/amp/internal/plan"
	"github.com/danshapiro/amp/internal/policy"
	"github.com/danshapiro/amp/internal/tools"
	"github.com/danshapiro/amp/internal/trace"
)

// NodeState is the per-node lifecycle within a run.
type NodeState string

const (
	StatePending   NodeState = "pending"
	StateReady     NodeState = "ready"
	StateRunning   NodeState = "running"
	StateCompleted NodeState = "completed"
	StateFailed    NodeState = "failed"
	StateSkipped   NodeState = "skipped"
)

// Terminal reports whether the state can no longer change.
func (s NodeState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

// MemoryToolName is the registry binding the memory operations use.
const MemoryToolName = "mesh.mem.sqlite"

// ExecutionContext owns all mutable state of one run: variable bindings,
// node states, telemetry, and the trace stream. Exclusively owned by one
// execution, never shared across runs. The variable map and node states are
// guarded by one lock because wave members mutate them concurrently.
type ExecutionContext struct {
	RunID string
	Plan  *plan.Plan

	Tools  *tools.Cache
	Client *tools.Client
	Budget *BudgetTracker
	Policy *policy.Engine
	Trace  *trace.Writer

	mu     sync.RWMutex
	vars   map[string]any
	states map[string]NodeState

	memOnce sync.Once
	memory  *mem.Store
}

// NewExecutionContext seeds a context from a validated plan and initial
// input variables.
func NewExecutionContext(p *plan.Plan, cache *tools.Cache, client *tools.Client, tw *trace.Writer, input map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		RunID:  ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String(),
		Plan:   p,
		Tools:  cache,
		Client: client,
		Budget: NewBudgetTracker(p.Signals),
		Policy: policy.NewEngine(),
		Trace:  tw,
		vars:   map[string]any{},
		states: map[string]NodeState{},
	}
	for k, v := range input {
		ec.vars[k] = v
	}
	for _, n := range p.Nodes {
		ec.states[n.ID] = StatePending
	}
	return ec
}

// SetVar publishes a value into the variable mapping.
func (ec *ExecutionContext) SetVar(name string, v any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.vars[name] = v
}

// Var returns a bound value.
func (ec *ExecutionContext) Var(name string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.vars[name]
	return v, ok
}

// VarsSnapshot copies the current bindings for resolution. Values are
// shared, not deep-copied; handlers must not mutate resolved values.
func (ec *ExecutionContext) VarsSnapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.vars))
	for k, v := range ec.vars {
		out[k] = v
	}
	return out
}

// Lookup resolves a dotted variable path for condition evaluation.
func (ec *ExecutionContext) Lookup(key string) (any, bool) {
	v, err := ResolveRef("$"+key, ec.VarsSnapshot())
	if err != nil {
		return nil, false
	}
	return v, true
}

// State returns a node's current state.
func (ec *ExecutionContext) State(id string) NodeState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.states[id]
}

// SetState transitions a node; terminal states never change again.
func (ec *ExecutionContext) SetState(id string, s NodeState) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.states[id].Terminal() {
		return false
	}
	ec.states[id] = s
	return true
}

// States copies the per-node state map.
func (ec *ExecutionContext) States() map[string]NodeState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]NodeState, len(ec.states))
	for k, v := range ec.states {
		out[k] = v
	}
	return out
}

// Memory lazily builds the memory client from the registry binding.
func (ec *ExecutionContext) Memory() *mem.Store {
	ec.memOnce.Do(func() {
		if url, ok := ec.Tools.URLFor(MemoryToolName); ok {
			ec.memory = mem.NewStore(url, 30*time.Second)
		}
	})
	return ec.memory
}

// SetMemory overrides the memory client, used by tests.
func (ec *ExecutionContext) SetMemory(s *mem.Store) {
	ec.memOnce.Do(func() {})
	ec.memory = s
}
