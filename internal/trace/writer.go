package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Writer emits signed events as NDJSON, one line per event, append-only.
// Step ids are monotonic ULIDs, so the file order and the id order agree
// even under concurrent emitters.
type Writer struct {
	planID string
	signer *Signer

	mu      sync.Mutex
	out     io.Writer
	entropy *ulid.MonotonicEntropy
	count   int
}

func NewWriter(out io.Writer, planID string, signer *Signer) *Writer {
	seed := time.Now().UnixNano()
	return &Writer{
		planID:  planID,
		signer:  signer,
		out:     out,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
	}
}

// Emit assigns the step id and timestamp, signs, and writes the event.
func (w *Writer) Emit(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	e.PlanID = w.planID
	e.TS = now
	id, err := ulid.New(ulid.Timestamp(now), w.entropy)
	if err != nil {
		return fmt.Errorf("trace step id: %w", err)
	}
	e.StepID = id.String()
	if w.signer != nil {
		if err := w.signer.Sign(&e); err != nil {
			return fmt.Errorf("sign trace event: %w", err)
		}
	}
	line, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	w.count++
	return nil
}

// Count returns how many events have been written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
