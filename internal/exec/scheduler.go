package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danshapiro/amp/internal/plan"
	"github.com/danshapiro/amp/internal/tools"
	"github.com/danshapiro/amp/internal/trace"
)

// RunStatus is the run's final outcome.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusHalted    RunStatus = "halted"
)

// RunResult reports how a run ended, with per-node states and final totals.
type RunResult struct {
	Status     RunStatus            `json:"status"`
	HaltReason string               `json:"halt_reason,omitempty"`
	FailedNode string               `json:"failed_node,omitempty"`
	NodeStates map[string]NodeState `json:"node_states"`
	Totals     Totals               `json:"totals"`
	Err        error                `json:"-"`
}

// Scheduler drives a validated plan to completion. One instance may serve
// many runs; all per-run state lives in the ExecutionContext.
type Scheduler struct {
	// MaxConcurrency bounds concurrent node execution within a wave.
	// Zero means 4.
	MaxConcurrency int
}

// runState tracks run-fatal conditions across concurrent node executions.
type runState struct {
	mu       sync.Mutex
	fatalErr error
	status   RunStatus
	failNode string
	executed int
	stopped  bool
	haltNote string
}

func (rs *runState) fatal(node string, err error, status RunStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.fatalErr != nil {
		return
	}
	rs.fatalErr = err
	rs.status = status
	rs.failNode = node
	rs.stopped = true
}

func (rs *runState) isStopped() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stopped
}

// Run executes the plan. Structural validation failures and unresolvable
// tool references are rejected before any node runs and returned as an
// error; everything after that is reported in the RunResult.
func (s *Scheduler) Run(ctx context.Context, ec *ExecutionContext) (*RunResult, error) {
	p := ec.Plan
	if err := p.Validate(); err != nil {
		return nil, err
	}

	specs, err := s.prefetchSpecs(ctx, ec)
	if err != nil {
		return nil, err
	}

	// Planner preflight: summed declared estimates against signals.
	// Advisory; the authoritative halt happens on observed usage after the
	// offending invocation.
	preflight := map[string]any{"scope": "plan", "ok": true}
	if err := CheckPlanConstraints(p, specs); err != nil {
		preflight["ok"] = false
		preflight["reason"] = err.Error()
	}
	_ = ec.Trace.Emit(trace.Event{EventType: trace.EventConstraintCheck, Data: preflight})

	waves, decisions := Optimize(p, specs)
	for _, d := range decisions {
		_ = ec.Trace.Emit(trace.Event{
			EventType: trace.EventPlanOptimizer,
			Data:      map[string]any{"wave": d.Wave, "order": d.Order, "note": d.Note},
		})
	}

	rs := &runState{}
	workers := s.MaxConcurrency
	if workers <= 0 {
		workers = 4
	}
	for _, wave := range waves {
		if rs.isStopped() {
			break
		}
		jobs := make(chan string)
		var wg sync.WaitGroup
		n := workers
		if len(wave) < n {
			n = len(wave)
		}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for id := range jobs {
					s.executeNode(ctx, ec, rs, id)
				}
			}()
		}
		for _, id := range wave {
			jobs <- id
		}
		close(jobs)
		wg.Wait()
	}

	s.skipAll(ec, "run ended")
	s.emitBudgetSummary(ec)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	res := &RunResult{
		Status:     StatusCompleted,
		NodeStates: ec.States(),
		Totals:     ec.Budget.Totals(),
	}
	switch {
	case rs.fatalErr != nil:
		res.Status = rs.status
		res.HaltReason = rs.fatalErr.Error()
		res.FailedNode = rs.failNode
		res.Err = rs.fatalErr
	case rs.haltNote != "":
		res.Status = StatusHalted
		res.HaltReason = rs.haltNote
	}
	return res, nil
}

// prefetchSpecs resolves every concretely named tool up front so a plan
// naming an unregistered tool is rejected before execution starts.
func (s *Scheduler) prefetchSpecs(ctx context.Context, ec *ExecutionContext) (map[string]*tools.ToolSpec, error) {
	specs := map[string]*tools.ToolSpec{}
	for _, n := range ec.Plan.Nodes {
		if n.Tool == "" {
			continue
		}
		if _, ok := specs[n.Tool]; ok {
			continue
		}
		e, err := ec.Tools.Get(ctx, n.Tool)
		if err != nil {
			return nil, &plan.ValidationError{
				Rule:    "tool_resolvable",
				Message: fmt.Sprintf("node %s: %v", n.ID, err),
			}
		}
		specs[n.Tool] = e.Spec
	}
	return specs, nil
}

func (s *Scheduler) executeNode(ctx context.Context, ec *ExecutionContext, rs *runState, id string) {
	if ec.State(id).Terminal() {
		return // skipped by a branch decision
	}

	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		s.skipNode(ec, id, "run stopped")
		return
	}
	if sc := ec.Plan.StopConditions; sc != nil && sc.MaxNodes != nil && rs.executed >= *sc.MaxNodes {
		rs.stopped = true
		rs.haltNote = fmt.Sprintf("stop condition: max_nodes %d reached", *sc.MaxNodes)
		rs.mu.Unlock()
		s.skipNode(ec, id, "max_nodes reached")
		return
	}
	rs.executed++
	rs.mu.Unlock()

	ec.SetState(id, StateRunning)
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventStepStart,
		Data:      map[string]any{"node": id},
	})

	node := ec.Plan.NodeByID(id)
	err := s.dispatch(ctx, ec, node)
	if err == nil {
		ec.SetState(id, StateCompleted)
		_ = ec.Trace.Emit(trace.Event{
			EventType: trace.EventStepEnd,
			Data:      map[string]any{"node": id, "status": string(StateCompleted)},
		})
		return
	}

	ec.SetState(id, StateFailed)
	kind, status := classify(err)
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventError,
		Data:      map[string]any{"node": id, "kind": kind, "error": err.Error()},
	})
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventStepEnd,
		Data:      map[string]any{"node": id, "status": string(StateFailed)},
	})
	rs.fatal(id, err, status)
}

// dispatch is the single exhaustive switch over the operation vocabulary.
func (s *Scheduler) dispatch(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	switch node.Op {
	case plan.OpCall:
		return s.execCall(ctx, ec, node)
	case plan.OpMap:
		return s.execMap(ctx, ec, node)
	case plan.OpReduce:
		return s.execReduce(ctx, ec, node)
	case plan.OpBranch:
		return s.execBranch(ec, node)
	case plan.OpAssert:
		return s.execAssert(ec, node)
	case plan.OpSpawn:
		return s.execSpawn(ec, node)
	case plan.OpMemRead:
		return s.execMemRead(ctx, ec, node)
	case plan.OpMemWrite:
		return s.execMemWrite(ctx, ec, node)
	case plan.OpVerify:
		return s.execVerify(ctx, ec, node)
	case plan.OpRetry:
		return s.execRetry(ctx, ec, node)
	default:
		return fmt.Errorf("node %s: unknown op %q", node.ID, node.Op)
	}
}

// classify names the error kind for the trace and decides whether the run
// ends failed or halted.
func classify(err error) (kind string, status RunStatus) {
	var budget *BudgetExceededError
	var pol *PolicyViolationError
	var ev *EvidenceBelowThresholdError
	var assertErr *AssertionError
	var res *ArgumentResolutionError
	var inv *ToolInvocationError
	var route *RoutingError
	switch {
	case errors.As(err, &budget):
		return "BudgetExceeded", StatusHalted
	case errors.As(err, &pol):
		return "PolicyViolation", StatusHalted
	case errors.As(err, &ev):
		return "EvidenceBelowThreshold", StatusFailed
	case errors.As(err, &assertErr):
		return "AssertionFailure", StatusFailed
	case errors.As(err, &res):
		return "ArgumentResolutionError", StatusFailed
	case errors.As(err, &route):
		return "RoutingError", StatusFailed
	case errors.As(err, &inv):
		return "ToolInvocationError", StatusFailed
	default:
		return "ExecutionError", StatusFailed
	}
}

func (s *Scheduler) skipNode(ec *ExecutionContext, id, reason string) {
	if !ec.SetState(id, StateSkipped) {
		return
	}
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventStepSkip,
		Data:      map[string]any{"node": id, "reason": reason},
	})
}

func (s *Scheduler) skipAll(ec *ExecutionContext, reason string) {
	for id, st := range ec.States() {
		if !st.Terminal() {
			s.skipNode(ec, id, reason)
		}
	}
}

func (s *Scheduler) emitBudgetSummary(ec *ExecutionContext) {
	totals := ec.Budget.Totals()
	cost := totals.CostUSD
	tin := totals.TokensIn
	tout := totals.TokensOut
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventBudgetSummary,
		CostUSD:   &cost,
		TokensIn:  &tin,
		TokensOut: &tout,
		Data:      ec.Budget.Summary(),
	})
}
