package exec

import (
	"sort"

	"github.com/danshapiro/amp/internal/plan"
	"github.com/danshapiro/amp/internal/tools"
)

// Wave is one scheduling step: node ids whose dependencies are satisfied by
// prior waves, ordered by ascending estimated cost x latency so cheap, fast
// calls run first and budget overruns surface early.
type Wave []string

// OptimizerDecision records one within-wave reordering for the
// plan-optimizer trace event.
type OptimizerDecision struct {
	Wave  int      `json:"wave"`
	Order []string `json:"order"`
	Note  string   `json:"note,omitempty"`
}

// Optimize groups the plan into dependency-safe waves. Nodes never cross a
// wave boundary implied by an edge; only mutually independent nodes within
// a wave are reordered.
func Optimize(p *plan.Plan, specs map[string]*tools.ToolSpec) ([]Wave, []OptimizerDecision) {
	indeg := map[string]int{}
	for _, n := range p.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range p.Edges {
		indeg[e.To]++
	}

	estimate := func(id string) float64 {
		n := p.NodeByID(id)
		if n == nil || n.Tool == "" {
			return 0
		}
		spec, ok := specs[n.Tool]
		if !ok {
			return 0
		}
		cost := spec.CostPerCall()
		lat := float64(spec.LatencyP50())
		if cost == 0 {
			cost = 1
		}
		if lat == 0 {
			lat = 1
		}
		return cost * lat
	}

	var waves []Wave
	var decisions []OptimizerDecision
	remaining := len(p.Nodes)
	for remaining > 0 {
		var wave Wave
		for _, n := range p.Nodes {
			if indeg[n.ID] == 0 {
				wave = append(wave, n.ID)
			}
		}
		if len(wave) == 0 {
			break // cycle; validation rejects this before execution
		}
		declared := append(Wave(nil), wave...)
		sort.SliceStable(wave, func(i, j int) bool {
			return estimate(wave[i]) < estimate(wave[j])
		})
		reordered := false
		for i := range wave {
			if wave[i] != declared[i] {
				reordered = true
				break
			}
		}
		if reordered {
			decisions = append(decisions, OptimizerDecision{
				Wave:  len(waves),
				Order: append([]string(nil), wave...),
				Note:  "reordered by ascending estimated cost x latency",
			})
		}
		for _, id := range wave {
			indeg[id] = -1 // scheduled
			for _, next := range p.Outgoing(id) {
				if indeg[next] > 0 {
					indeg[next]--
				}
			}
		}
		waves = append(waves, wave)
		remaining -= len(wave)
	}
	return waves, decisions
}
