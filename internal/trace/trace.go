// Package trace is the audit stream: signed NDJSON events describing every
// scheduling, invocation, budget, and policy decision of a run.
package trace

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Event types emitted by the kernel.
const (
	EventStepStart       = "step-start"
	EventStepEnd         = "step-end"
	EventStepSkip        = "step-skip"
	EventToolInvoke      = "tool-invoke"
	EventConstraintCheck = "constraint-check"
	EventPolicyViolation = "policy-violation"
	EventEvidenceCheck   = "evidence-check"
	EventMemoryOp        = "memory-op"
	EventCapabilityRoute = "capability-route"
	EventPlanOptimizer   = "plan-optimizer"
	EventBudgetSummary   = "budget-summary"
	EventError           = "error"
)

// Event is one audit record. StepID is a ULID assigned by the writer;
// lexicographic order of step ids is emission order.
type Event struct {
	PlanID    string         `json:"plan_id"`
	StepID    string         `json:"step_id"`
	TS        time.Time      `json:"ts"`
	EventType string         `json:"event_type"`
	CostUSD   *float64       `json:"cost_usd,omitempty"`
	TokensIn  *uint64        `json:"tokens_in,omitempty"`
	TokensOut *uint64        `json:"tokens_out,omitempty"`
	Citations []string       `json:"citations,omitempty"`
	Signature string         `json:"signature,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// signingDigest hashes the event's identity and payload with BLAKE3. The
// signature field itself is excluded.
func (e *Event) signingDigest() ([]byte, error) {
	clone := *e
	clone.Signature = ""
	payload, err := json.Marshal(&clone)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(payload)
	return sum[:], nil
}

// Signer signs events with a per-emitter ed25519 key over a BLAKE3 digest of
// the event body.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate trace key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// SignerFromSeed derives a deterministic signer, used by tests and replay
// fixtures.
func SignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("trace key seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign fills the event's signature field.
func (s *Signer) Sign(e *Event) error {
	digest, err := e.signingDigest()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest))
	return nil
}

// Verify checks an event's signature against a public key.
func Verify(e *Event, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	if e.Signature == "" {
		return fmt.Errorf("event %s/%s has no signature", e.PlanID, e.StepID)
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest, err := e.signingDigest()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest, sig) {
		return fmt.Errorf("signature mismatch for event %s/%s", e.PlanID, e.StepID)
	}
	return nil
}
