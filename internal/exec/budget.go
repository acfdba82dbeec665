package exec

import (
	"sync"

	"github.com/danshapiro/amp/internal/plan"
)

// Usage is one invocation's observed consumption. Latency is wall-clock as
// measured around the call, not the tool's declared estimate.
type Usage struct {
	CostUSD   float64
	LatencyMS int64
	TokensIn  uint64
	TokensOut uint64
}

// Totals are the run's cumulative consumption. Monotonic.
type Totals struct {
	CostUSD   float64 `json:"cost_usd"`
	LatencyMS int64   `json:"latency_ms"`
	TokensIn  uint64  `json:"tokens_in"`
	TokensOut uint64  `json:"tokens_out"`
}

// BudgetTracker is the single source of truth for consumption. Record and
// Check are serialized under one lock so near-simultaneous completions
// cannot lose updates.
type BudgetTracker struct {
	mu      sync.Mutex
	totals  Totals
	signals plan.Signals
}

func NewBudgetTracker(signals *plan.Signals) *BudgetTracker {
	t := &BudgetTracker{}
	if signals != nil {
		t.signals = *signals
	}
	return t
}

// Record adds usage and returns the overrun verdict for the post-update
// totals, nil when within budget. The first non-nil verdict halts the run.
func (t *BudgetTracker) Record(u Usage) *BudgetExceededError {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals.CostUSD += u.CostUSD
	t.totals.LatencyMS += u.LatencyMS
	t.totals.TokensIn += u.TokensIn
	t.totals.TokensOut += u.TokensOut
	return t.checkLocked()
}

// Check compares current totals against the declared ceilings.
func (t *BudgetTracker) Check() *BudgetExceededError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked()
}

func (t *BudgetTracker) checkLocked() *BudgetExceededError {
	if cap := t.signals.CostCapUSD; cap != nil && t.totals.CostUSD > *cap {
		return &BudgetExceededError{Dimension: "cost_usd", Used: t.totals.CostUSD, Cap: *cap}
	}
	if cap := t.signals.LatencyBudgetMS; cap != nil && t.totals.LatencyMS > *cap {
		return &BudgetExceededError{Dimension: "latency_ms", Used: float64(t.totals.LatencyMS), Cap: float64(*cap)}
	}
	return nil
}

// Totals returns a copy of the current totals.
func (t *BudgetTracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// Remaining returns headroom per capped dimension; nil pointer means the
// dimension is uncapped.
func (t *BudgetTracker) Remaining() (costUSD *float64, latencyMS *int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cap := t.signals.CostCapUSD; cap != nil {
		c := *cap - t.totals.CostUSD
		if c < 0 {
			c = 0
		}
		costUSD = &c
	}
	if cap := t.signals.LatencyBudgetMS; cap != nil {
		l := *cap - t.totals.LatencyMS
		if l < 0 {
			l = 0
		}
		latencyMS = &l
	}
	return
}

// Summary is the payload of the final budget-summary trace event.
func (t *BudgetTracker) Summary() map[string]any {
	totals := t.Totals()
	costRem, latRem := t.Remaining()
	out := map[string]any{
		"cost_usd":   totals.CostUSD,
		"latency_ms": totals.LatencyMS,
		"tokens_in":  totals.TokensIn,
		"tokens_out": totals.TokensOut,
	}
	if costRem != nil {
		out["cost_remaining_usd"] = *costRem
	}
	if latRem != nil {
		out["latency_remaining_ms"] = *latRem
	}
	return out
}
