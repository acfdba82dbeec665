// Package tools models external tool contracts (ToolSpec) and the HTTP ABI
// used to fetch them and invoke the services behind them.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolSpec is a tool's machine-readable contract. Immutable once fetched for
// a run; cache entries carry the fetch timestamp for staleness decisions.
type ToolSpec struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	IO           IOSpec       `json:"io"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Constraints  *Constraints `json:"constraints,omitempty"`
	Provenance   *Provenance  `json:"provenance,omitempty"`
	Quality      *Quality     `json:"quality,omitempty"`
	Policy       *Policy      `json:"policy,omitempty"`
}

type IOSpec struct {
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
}

type Constraints struct {
	InputTokensMax *int     `json:"input_tokens_max,omitempty"`
	LatencyP50MS   *int     `json:"latency_p50_ms,omitempty"`
	CostPerCallUSD *float64 `json:"cost_per_call_usd,omitempty"`
	RateLimitQPS   *int     `json:"rate_limit_qps,omitempty"`
	SideEffects    *bool    `json:"side_effects,omitempty"`
}

type Provenance struct {
	AttributionRequired bool `json:"attribution_required,omitempty"`
}

type Quality struct {
	FreshnessWindow string   `json:"freshness_window,omitempty"` // ISO 8601 duration
	CoverageTags    []string `json:"coverage_tags,omitempty"`
}

type Policy struct {
	DenyIf []string `json:"deny_if,omitempty"`
}

// HasCapability reports whether the spec advertises the given tag.
func (s *ToolSpec) HasCapability(tag string) bool {
	tag = strings.TrimSpace(tag)
	for _, c := range s.Capabilities {
		if strings.TrimSpace(c) == tag {
			return true
		}
	}
	return false
}

// CostPerCall returns the declared per-call cost estimate, zero when absent.
func (s *ToolSpec) CostPerCall() float64 {
	if s.Constraints == nil || s.Constraints.CostPerCallUSD == nil {
		return 0
	}
	return *s.Constraints.CostPerCallUSD
}

// LatencyP50 returns the declared p50 latency estimate in ms, zero when absent.
func (s *ToolSpec) LatencyP50() int {
	if s.Constraints == nil || s.Constraints.LatencyP50MS == nil {
		return 0
	}
	return *s.Constraints.LatencyP50MS
}

// CompileInputSchema compiles io.input into a validator. An absent or empty
// schema compiles to one that accepts any object.
func (s *ToolSpec) CompileInputSchema() (*jsonschema.Schema, error) {
	params := s.IO.Input
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %s input schema: %w", s.Name, err)
	}
	return sch, nil
}

// Entry is a cached spec together with its invocation address and fetch time.
type Entry struct {
	Spec      *ToolSpec
	URL       string
	FetchedAt time.Time

	schemaOnce  sync.Once
	schemaErr   error
	inputSchema *jsonschema.Schema
}

// ValidateInput checks resolved arguments against the tool's input schema.
// The schema is compiled lazily on first use and reused for the run; the
// compile is serialized because map elements and parallel wave nodes share
// the entry.
func (e *Entry) ValidateInput(args map[string]any) error {
	e.schemaOnce.Do(func() {
		e.inputSchema, e.schemaErr = e.Spec.CompileInputSchema()
	})
	if e.schemaErr != nil {
		return e.schemaErr
	}
	// The validator wants plain decoded JSON values.
	generic := make(map[string]any, len(args))
	for k, v := range args {
		generic[k] = v
	}
	if err := e.inputSchema.Validate(normalizeForSchema(generic)); err != nil {
		return fmt.Errorf("tool %s args schema validation failed: %w", e.Spec.Name, err)
	}
	return nil
}

// normalizeForSchema round-trips a value through JSON so typed Go values
// (int, struct-shaped maps) compare the way the validator expects.
func normalizeForSchema(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
