package trace

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Read decodes an NDJSON trace stream. Blank lines are skipped; a malformed
// line fails the whole read with its line number.
func Read(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return events, nil
}

// Replay is the reconstructed decision sequence of a run.
type Replay struct {
	PlanID string
	Events []Event
}

// Summary returns the ordered event-type sequence, the backbone a consumer
// compares across runs.
func (r *Replay) Summary() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.EventType
	}
	return out
}

// NodeOutcomes maps node id to its final recorded status, taken from
// step-end and step-skip events.
func (r *Replay) NodeOutcomes() map[string]string {
	out := map[string]string{}
	for _, e := range r.Events {
		node, _ := e.Data["node"].(string)
		if node == "" {
			continue
		}
		switch e.EventType {
		case EventStepEnd:
			if status, ok := e.Data["status"].(string); ok {
				out[node] = status
			}
		case EventStepSkip:
			out[node] = "skipped"
		}
	}
	return out
}

// TotalCost sums cost over tool-invoke events.
func (r *Replay) TotalCost() float64 {
	var sum float64
	for _, e := range r.Events {
		if e.EventType == EventToolInvoke && e.CostUSD != nil {
			sum += *e.CostUSD
		}
	}
	return sum
}

// Load reads a stream and checks ordering: step ids must be strictly
// increasing and every event must carry the same plan id.
func Load(r io.Reader) (*Replay, error) {
	events, err := Read(r)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("trace is empty")
	}
	planID := events[0].PlanID
	prev := ""
	for i, e := range events {
		if e.PlanID != planID {
			return nil, fmt.Errorf("trace event %d has plan id %q, want %q", i, e.PlanID, planID)
		}
		if e.StepID <= prev {
			return nil, fmt.Errorf("trace event %d step id %q not after %q", i, e.StepID, prev)
		}
		prev = e.StepID
	}
	return &Replay{PlanID: planID, Events: events}, nil
}

// VerifyAll checks every event's signature.
func VerifyAll(events []Event, pub ed25519.PublicKey) error {
	for i := range events {
		if err := Verify(&events[i], pub); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}
