package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/amp/internal/cond"
	"github.com/danshapiro/amp/internal/evidence"
	"github.com/danshapiro/amp/internal/plan"
	"github.com/danshapiro/amp/internal/policy"
	"github.com/danshapiro/amp/internal/tools"
	"github.com/danshapiro/amp/internal/trace"
)

// resolveNodeArgs merges bind references (applied first) with args into the
// resolved argument map for an invocation.
func resolveNodeArgs(ec *ExecutionContext, node *plan.Node) (map[string]any, error) {
	vars := ec.VarsSnapshot()
	out := map[string]any{}
	for name, ref := range node.Bind {
		if !strings.HasPrefix(ref, "$") {
			ref = "$" + ref
		}
		v, err := ResolveRef(ref, vars)
		if err != nil {
			return nil, &ArgumentResolutionError{Node: node.ID, Ref: ref, Msg: err.Error()}
		}
		out[name] = v
	}
	resolved, err := ResolveArgs(node.ID, node.Args, vars)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved {
		out[k] = v
	}
	return out, nil
}

// resolveEntry resolves the node's tool, routing a capability tag through
// the deterministic router and recording the decision.
func (s *Scheduler) resolveEntry(ctx context.Context, ec *ExecutionContext, node *plan.Node) (*tools.Entry, error) {
	if node.Tool != "" {
		e, err := ec.Tools.Get(ctx, node.Tool)
		if err != nil {
			return nil, &ToolInvocationError{Node: node.ID, Tool: node.Tool, Err: err}
		}
		return e, nil
	}
	res, err := Route(ctx, node.ID, node.Capability, ec.Tools, ec.Budget)
	if res != nil {
		_ = ec.Trace.Emit(trace.Event{
			EventType: trace.EventCapabilityRoute,
			Data:      mergeData(res.TraceData(), map[string]any{"node": node.ID}),
		})
	}
	if err != nil {
		return nil, err
	}
	return res.Chosen, nil
}

// invokeEntry runs the pre-flight/invoke/account/police sequence for one
// tool call and returns the decoded result with any citations it carried.
func (s *Scheduler) invokeEntry(ctx context.Context, ec *ExecutionContext, node *plan.Node, entry *tools.Entry, args map[string]any) (any, []string, error) {
	spec := entry.Spec

	if err := CheckToolConstraints(spec, args); err != nil {
		_ = ec.Trace.Emit(trace.Event{
			EventType: trace.EventConstraintCheck,
			Data:      map[string]any{"node": node.ID, "tool": spec.Name, "ok": false, "reason": err.Error()},
		})
		return nil, nil, err
	}
	if err := entry.ValidateInput(args); err != nil {
		_ = ec.Trace.Emit(trace.Event{
			EventType: trace.EventConstraintCheck,
			Data:      map[string]any{"node": node.ID, "tool": spec.Name, "ok": false, "reason": err.Error()},
		})
		return nil, nil, err
	}
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventConstraintCheck,
		Data:      map[string]any{"node": node.ID, "tool": spec.Name, "ok": true},
	})

	// deny_if is evaluated before the call; a match means the call is never
	// issued.
	if vs := ec.Policy.CheckInvocation(spec, args); len(vs) > 0 {
		emitViolations(ec, node.ID, vs)
		if f := policy.Fatal(vs); f != nil {
			return nil, nil, &PolicyViolationError{Node: node.ID, Violation: *f}
		}
	}

	start := time.Now()
	raw, invokeErr := ec.Client.Invoke(ctx, entry.URL, spec.Name, args)
	latencyMS := time.Since(start).Milliseconds()

	usage := Usage{
		LatencyMS: latencyMS,
		TokensIn:  EstimateTokens(args),
	}
	if invokeErr == nil {
		usage.CostUSD = spec.CostPerCall()
		usage.TokensOut = uint64(len(raw)) / 4
	}
	overrun := ec.Budget.Record(usage)

	var result any
	var citations []string
	if invokeErr == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			invokeErr = fmt.Errorf("decode result: %w", err)
		} else {
			citations = extractCitations(result)
		}
	}

	ev := trace.Event{
		EventType: trace.EventToolInvoke,
		CostUSD:   &usage.CostUSD,
		TokensIn:  &usage.TokensIn,
		TokensOut: &usage.TokensOut,
		Citations: citations,
		Data: map[string]any{
			"node":       node.ID,
			"tool":       spec.Name,
			"latency_ms": latencyMS,
		},
	}
	if invokeErr != nil {
		ev.Data["error"] = invokeErr.Error()
	}
	_ = ec.Trace.Emit(ev)

	// The overrun verdict outranks the invocation error: the run must halt
	// on the first invocation whose post-update totals exceed a cap, even
	// when that invocation itself failed (a retry wrapper would otherwise
	// keep issuing calls).
	if overrun != nil {
		return result, citations, overrun
	}
	if invokeErr != nil {
		return nil, nil, &ToolInvocationError{Node: node.ID, Tool: spec.Name, Err: invokeErr}
	}
	if vs := ec.Policy.CheckAttribution(spec, citations); len(vs) > 0 {
		emitViolations(ec, node.ID, vs)
	}
	return result, citations, nil
}

func emitViolations(ec *ExecutionContext, nodeID string, vs []policy.Violation) {
	for _, v := range vs {
		_ = ec.Trace.Emit(trace.Event{
			EventType: trace.EventPolicyViolation,
			Data: map[string]any{
				"node":     nodeID,
				"rule":     v.Rule,
				"severity": string(v.Severity),
				"message":  v.Message,
				"tool":     v.Tool,
			},
		})
	}
}

func extractCitations(result any) []string {
	obj, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := obj["citations"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// bindOut publishes the node result into context variables. An out key is a
// path into the result ("" , "." or "$" meaning the whole result); the
// value is the variable name.
func bindOut(ec *ExecutionContext, node *plan.Node, result any) error {
	for path, varName := range node.Out {
		val := result
		if path != "" && path != "." && path != "$" {
			v, err := Traverse(result, strings.Split(path, "."))
			if err != nil {
				return &ArgumentResolutionError{Node: node.ID, Ref: path, Msg: err.Error()}
			}
			val = v
		}
		ec.SetVar(varName, val)
	}
	return nil
}

func (s *Scheduler) execCall(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	entry, err := s.resolveEntry(ctx, ec, node)
	if err != nil {
		return err
	}
	args, err := resolveNodeArgs(ec, node)
	if err != nil {
		return err
	}
	result, _, err := s.invokeEntry(ctx, ec, node, entry, args)
	if err != nil {
		return err
	}
	return bindOut(ec, node, result)
}

// execMap invokes the tool once per element, concurrently, collecting
// results in input order regardless of completion order.
func (s *Scheduler) execMap(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	entry, err := s.resolveEntry(ctx, ec, node)
	if err != nil {
		return err
	}
	args, err := resolveNodeArgs(ec, node)
	if err != nil {
		return err
	}
	coll, ok := args["collection"].([]any)
	if !ok {
		return &ArgumentResolutionError{Node: node.ID, Ref: "collection", Msg: "map requires a 'collection' argument resolving to a list"}
	}

	results := make([]any, len(coll))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i, item := range coll {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			perArgs := make(map[string]any, len(args)+1)
			for k, v := range args {
				if k == "collection" {
					continue
				}
				perArgs[k] = v
			}
			perArgs["item"] = item
			perArgs["index"] = i
			res, _, err := s.invokeEntry(ctx, ec, node, entry, perArgs)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = res
		}(i, item)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return bindOut(ec, node, results)
}

// execReduce combines a prior sequence into one value via the designated
// tool, invoked once with the whole collection.
func (s *Scheduler) execReduce(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	entry, err := s.resolveEntry(ctx, ec, node)
	if err != nil {
		return err
	}
	args, err := resolveNodeArgs(ec, node)
	if err != nil {
		return err
	}
	coll, ok := args["collection"].([]any)
	if !ok {
		return &ArgumentResolutionError{Node: node.ID, Ref: "collection", Msg: "reduce requires a 'collection' argument resolving to a list"}
	}
	invokeArgs := make(map[string]any, len(args))
	for k, v := range args {
		if k == "collection" {
			continue
		}
		invokeArgs[k] = v
	}
	invokeArgs["items"] = coll
	result, _, err := s.invokeEntry(ctx, ec, node, entry, invokeArgs)
	if err != nil {
		return err
	}
	return bindOut(ec, node, result)
}

// execBranch evaluates the condition and skips the unchosen side's
// exclusive subtree: nodes reachable from the unchosen targets but not from
// the chosen ones.
func (s *Scheduler) execBranch(ec *ExecutionContext, node *plan.Node) error {
	condStr, ok := node.ArgString("cond")
	if !ok {
		return &ArgumentResolutionError{Node: node.ID, Ref: "cond", Msg: "branch requires a 'cond' argument"}
	}
	thenIDs, _ := node.ArgStringList("then")
	elseIDs, _ := node.ArgStringList("else")
	outgoing := map[string]bool{}
	for _, id := range ec.Plan.Outgoing(node.ID) {
		outgoing[id] = true
	}
	for _, id := range append(append([]string{}, thenIDs...), elseIDs...) {
		if !outgoing[id] {
			return &ArgumentResolutionError{Node: node.ID, Ref: id, Msg: "branch target is not a successor"}
		}
	}

	taken, err := cond.Evaluate(condStr, ec.Lookup)
	if err != nil {
		return &ArgumentResolutionError{Node: node.ID, Ref: condStr, Msg: err.Error()}
	}
	chosen, unchosen := thenIDs, elseIDs
	label := "then"
	if !taken {
		chosen, unchosen = elseIDs, thenIDs
		label = "else"
	}

	keep := reachable(ec.Plan, chosen)
	for id := range reachable(ec.Plan, unchosen) {
		if !keep[id] {
			s.skipNode(ec, id, fmt.Sprintf("branch %s chose %s", node.ID, label))
		}
	}
	return bindOut(ec, node, map[string]any{"cond": condStr, "taken": label})
}

// reachable returns roots plus everything downstream of them.
func reachable(p *plan.Plan, roots []string) map[string]bool {
	seen := map[string]bool{}
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, p.Outgoing(cur)...)
	}
	return seen
}

func (s *Scheduler) execAssert(ec *ExecutionContext, node *plan.Node) error {
	condStr, ok := node.ArgString("cond")
	if !ok {
		return &ArgumentResolutionError{Node: node.ID, Ref: "cond", Msg: "assert requires a 'cond' argument"}
	}
	passed, err := cond.Evaluate(condStr, ec.Lookup)
	if err != nil {
		return &ArgumentResolutionError{Node: node.ID, Ref: condStr, Msg: err.Error()}
	}
	if !passed {
		return &AssertionError{Node: node.ID, Cond: condStr}
	}
	return nil
}

// execSpawn is an audited fan-out grouping point; the wave scheduler
// supplies the actual concurrency of its successors.
func (s *Scheduler) execSpawn(ec *ExecutionContext, node *plan.Node) error {
	targets, ok := node.ArgStringList("targets")
	if !ok {
		targets = ec.Plan.Outgoing(node.ID)
	} else {
		outgoing := map[string]bool{}
		for _, id := range ec.Plan.Outgoing(node.ID) {
			outgoing[id] = true
		}
		for _, id := range targets {
			if !outgoing[id] {
				return &ArgumentResolutionError{Node: node.ID, Ref: id, Msg: "spawn target is not a successor"}
			}
		}
	}
	return bindOut(ec, node, map[string]any{"spawned": targets})
}

func (s *Scheduler) execMemRead(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	args, err := resolveNodeArgs(ec, node)
	if err != nil {
		return err
	}
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return &ArgumentResolutionError{Node: node.ID, Ref: "key", Msg: "mem.read requires a 'key' argument"}
	}
	store := ec.Memory()
	if store == nil {
		return &ToolInvocationError{Node: node.ID, Tool: MemoryToolName, Err: fmt.Errorf("memory tool not registered")}
	}
	entry, err := store.Read(ctx, key)
	if err != nil {
		return &ToolInvocationError{Node: node.ID, Tool: MemoryToolName, Err: err}
	}
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventMemoryOp,
		Data:      map[string]any{"node": node.ID, "op": "read", "key": key, "hit": entry != nil},
	})
	result := map[string]any{"found": entry != nil, "value": nil}
	if entry != nil {
		var v any
		if err := json.Unmarshal(entry.Value, &v); err != nil {
			return &ToolInvocationError{Node: node.ID, Tool: MemoryToolName, Err: err}
		}
		result["value"] = v
		result["provenance"] = entry.Provenance
		if entry.Confidence != nil {
			result["confidence"] = *entry.Confidence
		}
	}
	return bindOut(ec, node, result)
}

// execMemWrite pre-checks the write-acceptance invariant before any network
// call. A rejected write is recorded and the node completes; only a
// downstream assert escalates it.
func (s *Scheduler) execMemWrite(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	args, err := resolveNodeArgs(ec, node)
	if err != nil {
		return err
	}
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return &ArgumentResolutionError{Node: node.ID, Ref: "key", Msg: "mem.write requires a 'key' argument"}
	}
	value, ok := args["value"]
	if !ok {
		return &ArgumentResolutionError{Node: node.ID, Ref: "value", Msg: "mem.write requires a 'value' argument"}
	}
	provenance := stringList(args["provenance"])
	ttl, _ := args["ttl"].(string)

	ev, err := writeEvidence(node.ID, key, args)
	if err != nil {
		return err
	}

	if vs := ec.Policy.CheckMemoryWrite(ev, provenance); len(vs) > 0 {
		emitViolations(ec, node.ID, vs)
		_ = ec.Trace.Emit(trace.Event{
			EventType: trace.EventMemoryOp,
			Data:      map[string]any{"node": node.ID, "op": "write", "key": key, "accepted": false},
		})
		return bindOut(ec, node, map[string]any{"written": false, "reason": vs[0].Message})
	}

	store := ec.Memory()
	if store == nil {
		return &ToolInvocationError{Node: node.ID, Tool: MemoryToolName, Err: fmt.Errorf("memory tool not registered")}
	}
	if err := store.Write(ctx, key, value, ev, provenance, ttl); err != nil {
		return &ToolInvocationError{Node: node.ID, Tool: MemoryToolName, Err: err}
	}
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventMemoryOp,
		Data:      map[string]any{"node": node.ID, "op": "write", "key": key, "accepted": true},
	})
	return bindOut(ec, node, map[string]any{"written": true})
}

// writeEvidence builds the evidence backing a memory write from either an
// explicit evidence payload or a bare confidence value.
func writeEvidence(nodeID, key string, args map[string]any) (*evidence.Evidence, error) {
	if raw, ok := args["evidence"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, &ArgumentResolutionError{Node: nodeID, Ref: "evidence", Msg: err.Error()}
		}
		ev, err := evidence.Parse(b)
		if err != nil {
			return nil, &ArgumentResolutionError{Node: nodeID, Ref: "evidence", Msg: err.Error()}
		}
		return ev, nil
	}
	if conf, ok := args["confidence"].(float64); ok {
		return &evidence.Evidence{
			Verdicts: []evidence.Verdict{{ClaimID: key, Verdict: evidence.VerdictSupported, Confidence: conf}},
		}, nil
	}
	return nil, nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// execVerify invokes the verification tool, aggregates the returned
// evidence, and enforces the plan's min_confidence stop condition.
func (s *Scheduler) execVerify(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	entry, err := s.resolveEntry(ctx, ec, node)
	if err != nil {
		return err
	}
	args, err := resolveNodeArgs(ec, node)
	if err != nil {
		return err
	}
	result, _, err := s.invokeEntry(ctx, ec, node, entry, args)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return &ToolInvocationError{Node: node.ID, Tool: entry.Spec.Name, Err: err}
	}
	ev, err := evidence.Parse(raw)
	if err != nil {
		return &ToolInvocationError{Node: node.ID, Tool: entry.Spec.Name, Err: err}
	}
	res := evidence.Verify(ev)
	_ = ec.Trace.Emit(trace.Event{
		EventType: trace.EventEvidenceCheck,
		Data: map[string]any{
			"node":                 node.ID,
			"mean_confidence":      res.MeanConfidence,
			"total_claims":         res.TotalClaims,
			"supported_claims":     res.SupportedClaims,
			"contradicted_claims":  res.ContradictedClaims,
			"needs_citation_count": res.NeedsCitationCount,
		},
	})
	if vs := ec.Policy.CheckEvidence(res); len(vs) > 0 {
		emitViolations(ec, node.ID, vs)
	}

	summary := map[string]any{
		"evidence":            result,
		"mean_confidence":     res.MeanConfidence,
		"min_confidence":      res.MinConfidence,
		"max_confidence":      res.MaxConfidence,
		"total_claims":        res.TotalClaims,
		"supported_claims":    res.SupportedClaims,
		"contradicted_claims": res.ContradictedClaims,
	}
	if err := bindOut(ec, node, summary); err != nil {
		return err
	}

	if sc := ec.Plan.StopConditions; sc != nil && sc.MinConfidence != nil && res.MeanConfidence < *sc.MinConfidence {
		return &EvidenceBelowThresholdError{Node: node.ID, Confidence: res.MeanConfidence, Threshold: *sc.MinConfidence}
	}
	return nil
}

// execRetry wraps a single invocation with bounded attempts and
// deterministic backoff. Budget and policy failures are never retried.
func (s *Scheduler) execRetry(ctx context.Context, ec *ExecutionContext, node *plan.Node) error {
	entry, err := s.resolveEntry(ctx, ec, node)
	if err != nil {
		return err
	}
	args, err := resolveNodeArgs(ec, node)
	if err != nil {
		return err
	}

	maxAttempts := 3
	cfg := defaultBackoffConfig()
	if v, ok := args["max_attempts"].(float64); ok && v >= 1 {
		maxAttempts = int(v)
	}
	if v, ok := args["backoff_ms"].(float64); ok && v >= 0 {
		cfg.InitialDelayMS = int(v)
	}
	if v, ok := args["jitter"].(bool); ok {
		cfg.Jitter = v
	}
	invokeArgs := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case "max_attempts", "backoff_ms", "jitter":
			continue
		}
		invokeArgs[k] = v
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, _, err := s.invokeEntry(ctx, ec, node, entry, invokeArgs)
		if err == nil {
			return bindOut(ec, node, result)
		}
		lastErr = err
		var invErr *ToolInvocationError
		if !errors.As(err, &invErr) {
			return err // budget, policy, constraint: not retryable
		}
		if attempt == maxAttempts {
			break
		}
		delay := DelayForAttempt(attempt, cfg, backoffSeed(ec.RunID, node.ID, attempt))
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &ToolInvocationError{Node: node.ID, Tool: entry.Spec.Name, Err: ctx.Err()}
			case <-timer.C:
			}
		}
	}
	return lastErr
}

func mergeData(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
