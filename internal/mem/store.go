// Package mem is the client for the memory tool: read/write/forget over its
// invoke protocol, with the write acceptance gate applied before any network
// call.
package mem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/amp/internal/evidence"
	"github.com/danshapiro/amp/internal/policy"
)

// DefaultTTL is applied to writes that do not declare one (ISO 8601, 90 days).
const DefaultTTL = "P90D"

// Entry is one stored fact.
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Provenance []string        `json:"provenance,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	TTL        string          `json:"ttl,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// Store talks to one memory service.
type Store struct {
	baseURL    string
	httpClient *http.Client
	gate       *policy.Engine
}

func NewStore(baseURL string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		gate:       policy.NewEngine(),
	}
}

// invoke posts an operation payload and unwraps the optional result wrapper.
func (s *Store) invoke(ctx context.Context, payload map[string]any) (map[string]json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory service: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("memory service: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory service: status %d", resp.StatusCode)
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("memory service: decode response: %w", err)
	}
	// Responses may wrap the payload in "result" or be the payload itself.
	if inner, ok := outer["result"]; ok {
		var unwrapped map[string]json.RawMessage
		if err := json.Unmarshal(inner, &unwrapped); err == nil && unwrapped != nil {
			return unwrapped, nil
		}
	}
	return outer, nil
}

func payloadSuccess(p map[string]json.RawMessage) bool {
	var ok bool
	if raw, has := p["success"]; has {
		_ = json.Unmarshal(raw, &ok)
	}
	return ok
}

func payloadMessage(p map[string]json.RawMessage) string {
	var msg string
	if raw, has := p["message"]; has {
		_ = json.Unmarshal(raw, &msg)
	}
	return msg
}

func payloadFailure(p map[string]json.RawMessage) string {
	if msg := payloadMessage(p); msg != "" {
		return msg
	}
	return "unknown error"
}

// Read fetches the entry stored under key. A miss returns (nil, nil); a
// failure carrying a message is a service error, not a miss.
func (s *Store) Read(ctx context.Context, key string) (*Entry, error) {
	p, err := s.invoke(ctx, map[string]any{"operation": "read", "key": key})
	if err != nil {
		return nil, err
	}
	if !payloadSuccess(p) {
		if msg := payloadMessage(p); msg != "" {
			return nil, fmt.Errorf("memory read %q: %s", key, msg)
		}
		return nil, nil
	}
	if raw, ok := p["entry"]; ok {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("memory service: decode entry: %w", err)
		}
		if e.Key == "" {
			e.Key = key
		}
		if len(e.Value) == 0 {
			return nil, fmt.Errorf("memory service: entry for %q has no value", key)
		}
		return &e, nil
	}
	if raw, ok := p["value"]; ok {
		return &Entry{Key: key, Value: raw, Timestamp: time.Now().UTC().Format(time.RFC3339)}, nil
	}
	return nil, nil
}

// Write persists a fact. The acceptance gate (confidence and provenance)
// runs first; a rejected write never reaches the service.
func (s *Store) Write(ctx context.Context, key string, value any, ev *evidence.Evidence, provenance []string, ttl string) error {
	if vs := s.gate.CheckMemoryWrite(ev, provenance); len(vs) > 0 {
		return vs[0]
	}
	res := evidence.Verify(ev)
	if ttl == "" {
		ttl = DefaultTTL
	}
	p, err := s.invoke(ctx, map[string]any{
		"operation":  "write",
		"key":        key,
		"value":      value,
		"provenance": provenance,
		"confidence": res.MeanConfidence,
		"ttl":        ttl,
	})
	if err != nil {
		return err
	}
	if !payloadSuccess(p) {
		return fmt.Errorf("memory write %q rejected: %s", key, payloadFailure(p))
	}
	return nil
}

// WriteValidated additionally runs evidence storage validation (support and
// contradiction-ratio rules) before the gate.
func (s *Store) WriteValidated(ctx context.Context, key string, value any, ev *evidence.Evidence, provenance []string, minConfidence float64) error {
	if ev == nil {
		return fmt.Errorf("memory write %q: no evidence", key)
	}
	if err := evidence.ValidateForStorage(ev, minConfidence); err != nil {
		return err
	}
	return s.Write(ctx, key, value, ev, provenance, "")
}

// Forget removes the entry stored under key.
func (s *Store) Forget(ctx context.Context, key string) error {
	p, err := s.invoke(ctx, map[string]any{"operation": "forget", "key": key})
	if err != nil {
		return err
	}
	if !payloadSuccess(p) {
		return fmt.Errorf("memory forget %q rejected: %s", key, payloadFailure(p))
	}
	return nil
}
