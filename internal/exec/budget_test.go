package exec

import (
	"math"
	"sync"
	"testing"

	"github.com/danshapiro/amp/internal/plan"
)

func signals(costCap float64, latencyCap int64) *plan.Signals {
	return &plan.Signals{CostCapUSD: &costCap, LatencyBudgetMS: &latencyCap}
}

func TestBudgetTrackerWithinBudget(t *testing.T) {
	tr := NewBudgetTracker(signals(0.01, 5000))
	if over := tr.Record(Usage{CostUSD: 0.002, LatencyMS: 100, TokensIn: 50, TokensOut: 80}); over != nil {
		t.Fatalf("unexpected overrun: %v", over)
	}
	totals := tr.Totals()
	if totals.CostUSD != 0.002 || totals.LatencyMS != 100 || totals.TokensIn != 50 || totals.TokensOut != 80 {
		t.Errorf("totals = %+v", totals)
	}
	costRem, latRem := tr.Remaining()
	if math.Abs(*costRem-0.008) > 1e-9 || *latRem != 4900 {
		t.Errorf("remaining = %v / %v", *costRem, *latRem)
	}
}

func TestBudgetTrackerHaltsOnFirstOverrun(t *testing.T) {
	tr := NewBudgetTracker(signals(0.001, 10000))
	if over := tr.Record(Usage{CostUSD: 0.0009}); over != nil {
		t.Fatalf("within budget but overrun: %v", over)
	}
	over := tr.Record(Usage{CostUSD: 0.0005})
	if over == nil {
		t.Fatal("expected cost overrun")
	}
	if over.Dimension != "cost_usd" {
		t.Errorf("dimension = %q", over.Dimension)
	}
}

func TestBudgetTrackerLatencyOverrun(t *testing.T) {
	tr := NewBudgetTracker(signals(1.0, 100))
	over := tr.Record(Usage{LatencyMS: 150})
	if over == nil || over.Dimension != "latency_ms" {
		t.Errorf("overrun = %v", over)
	}
}

func TestBudgetTrackerUncapped(t *testing.T) {
	tr := NewBudgetTracker(nil)
	if over := tr.Record(Usage{CostUSD: 1000, LatencyMS: 1 << 40}); over != nil {
		t.Errorf("uncapped run overran: %v", over)
	}
	costRem, latRem := tr.Remaining()
	if costRem != nil || latRem != nil {
		t.Error("uncapped dimensions should have nil remaining")
	}
}

func TestBudgetTrackerMonotonicUnderConcurrency(t *testing.T) {
	tr := NewBudgetTracker(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Record(Usage{CostUSD: 0.001, LatencyMS: 1, TokensIn: 1, TokensOut: 1})
			}
		}()
	}
	wg.Wait()
	totals := tr.Totals()
	if totals.TokensIn != 1600 || totals.LatencyMS != 1600 {
		t.Errorf("lost updates: %+v", totals)
	}
	if totals.CostUSD < 1.599 || totals.CostUSD > 1.601 {
		t.Errorf("cost = %v", totals.CostUSD)
	}
}

func TestBudgetSummaryPayload(t *testing.T) {
	tr := NewBudgetTracker(signals(0.01, 1000))
	tr.Record(Usage{CostUSD: 0.004, LatencyMS: 300})
	sum := tr.Summary()
	if sum["cost_usd"] != 0.004 || sum["latency_ms"] != int64(300) {
		t.Errorf("summary totals = %v", sum)
	}
	if math.Abs(sum["cost_remaining_usd"].(float64)-0.006) > 1e-9 || sum["latency_remaining_ms"].(int64) != 700 {
		t.Errorf("summary headroom = %v", sum)
	}
}
