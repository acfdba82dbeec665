package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func specServer(t *testing.T, specs map[string]*ToolSpec, results map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/spec/"):
			name := strings.TrimPrefix(r.URL.Path, "/spec/")
			spec, ok := specs[name]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(spec)
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/invoke/"):
			name := strings.TrimPrefix(r.URL.Path, "/invoke/")
			var req struct {
				Args map[string]any `json:"args"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			res, ok := results[name]
			if !ok {
				json.NewEncoder(w).Encode(map[string]any{"result": nil, "error": "no such tool"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"result": res})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestClientSpecAndInvoke(t *testing.T) {
	cost := 0.001
	srv := specServer(t,
		map[string]*ToolSpec{
			"doc.search.local": {
				Name:         "doc.search.local",
				Capabilities: []string{"search"},
				Constraints:  &Constraints{CostPerCallUSD: &cost},
				IO: IOSpec{Input: map[string]any{
					"type":       "object",
					"properties": map[string]any{"query": map[string]any{"type": "string"}},
					"required":   []any{"query"},
				}},
			},
		},
		map[string]any{
			"doc.search.local": map[string]any{"hits": []any{"a", "b"}},
		},
	)
	defer srv.Close()

	c := NewClient(5 * time.Second)
	spec, err := c.GetSpec(context.Background(), srv.URL, "doc.search.local")
	if err != nil {
		t.Fatalf("GetSpec: %v", err)
	}
	if !spec.HasCapability("search") {
		t.Error("spec should advertise search capability")
	}
	if spec.CostPerCall() != 0.001 {
		t.Errorf("CostPerCall = %v", spec.CostPerCall())
	}

	res, err := c.Invoke(context.Background(), srv.URL, "doc.search.local", map[string]any{"query": "x"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if hits, ok := out["hits"].([]any); !ok || len(hits) != 2 {
		t.Errorf("hits = %v", out["hits"])
	}
}

func TestClientInvokeToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": nil, "error": "backend unavailable"})
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	_, err := c.Invoke(context.Background(), srv.URL, "x", nil)
	if err == nil || !strings.Contains(err.Error(), "backend unavailable") {
		t.Errorf("Invoke error = %v, want tool error surfaced", err)
	}
}

func TestClientInvokeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	if _, err := c.Invoke(context.Background(), srv.URL, "x", nil); err == nil {
		t.Error("expected error on HTTP 500")
	}
}

func TestCacheFetchesSpecOnce(t *testing.T) {
	var fetches int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/spec/") {
			atomic.AddInt64(&fetches, 1)
			json.NewEncoder(w).Encode(&ToolSpec{Name: "t"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cache := NewCache(NewClient(time.Second))
	cache.Register("t", srv.URL)
	for i := 0; i < 3; i++ {
		e, err := cache.Get(context.Background(), "t")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if e.Spec == nil || e.Spec.Name != "t" {
			t.Fatalf("entry spec = %+v", e.Spec)
		}
	}
	if n := atomic.LoadInt64(&fetches); n != 1 {
		t.Errorf("spec fetched %d times, want 1", n)
	}
	if _, err := cache.Get(context.Background(), "unregistered"); err == nil {
		t.Error("expected error for unregistered tool")
	}
}

func TestCachePreservesRegistrationOrder(t *testing.T) {
	cache := NewCache(nil)
	for i := 0; i < 5; i++ {
		cache.Seed(fmt.Sprintf("tool%d", i), "http://x", &ToolSpec{})
	}
	names := cache.Names()
	for i, name := range names {
		if want := fmt.Sprintf("tool%d", i); name != want {
			t.Errorf("names[%d] = %q, want %q", i, name, want)
		}
	}
}

func TestValidateInput(t *testing.T) {
	e := &Entry{Spec: &ToolSpec{
		Name: "t",
		IO: IOSpec{Input: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		}},
	}}
	if err := e.ValidateInput(map[string]any{"query": "ok"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := e.ValidateInput(map[string]any{"query": 42}); err == nil {
		t.Error("wrong-typed arg accepted")
	}
	if err := e.ValidateInput(map[string]any{}); err == nil {
		t.Error("missing required arg accepted")
	}

	// No declared schema accepts anything.
	open := &Entry{Spec: &ToolSpec{Name: "open"}}
	if err := open.ValidateInput(map[string]any{"whatever": true}); err != nil {
		t.Errorf("schemaless tool rejected args: %v", err)
	}
}

func TestValidateInputConcurrent(t *testing.T) {
	e := &Entry{Spec: &ToolSpec{
		Name: "t",
		IO: IOSpec{Input: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		}},
	}}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if i%2 == 0 {
					if err := e.ValidateInput(map[string]any{"query": "ok"}); err != nil {
						t.Errorf("valid args rejected: %v", err)
						return
					}
				} else if err := e.ValidateInput(map[string]any{}); err == nil {
					t.Error("missing required arg accepted")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestCacheGetConcurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/spec/") {
			json.NewEncoder(w).Encode(&ToolSpec{Name: "t"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cache := NewCache(NewClient(time.Second))
	cache.Register("t", srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := cache.Get(context.Background(), "t")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			if e.Spec == nil || e.Spec.Name != "t" {
				t.Errorf("entry spec = %+v", e.Spec)
			}
		}()
	}
	wg.Wait()
}
