package exec

import (
	"encoding/json"
	"errors"
	"testing"
)

func rawArgs(t *testing.T, src string) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(src), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestResolveArgs(t *testing.T) {
	vars := map[string]any{
		"hits": []any{
			map[string]any{"url": "doc://a", "score": 0.9},
			map[string]any{"url": "doc://b", "score": 0.7},
		},
		"query": "golang",
	}
	args := rawArgs(t, `{
		"q": "$query",
		"top_url": "$hits.0.url",
		"all": "$hits",
		"literal": "plain string",
		"n": 3,
		"flag": true
	}`)
	out, err := ResolveArgs("n1", args, vars)
	if err != nil {
		t.Fatalf("ResolveArgs: %v", err)
	}
	if out["q"] != "golang" {
		t.Errorf("q = %v", out["q"])
	}
	if out["top_url"] != "doc://a" {
		t.Errorf("top_url = %v", out["top_url"])
	}
	if list, ok := out["all"].([]any); !ok || len(list) != 2 {
		t.Errorf("all = %v", out["all"])
	}
	if out["literal"] != "plain string" || out["n"] != float64(3) || out["flag"] != true {
		t.Errorf("literals = %v %v %v", out["literal"], out["n"], out["flag"])
	}
}

func TestResolveArgsMissingVariable(t *testing.T) {
	_, err := ResolveArgs("n1", rawArgs(t, `{"x": "$missing"}`), map[string]any{})
	var aerr *ArgumentResolutionError
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want ArgumentResolutionError", err)
	}
	if aerr.Node != "n1" || aerr.Ref != "$missing" {
		t.Errorf("error fields = %+v", aerr)
	}
}

func TestResolveArgsBadPath(t *testing.T) {
	vars := map[string]any{"hits": []any{"a"}}
	tests := []string{`{"x": "$hits.5"}`, `{"x": "$hits.name"}`, `{"x": "$hits.0.deeper"}`}
	for _, src := range tests {
		if _, err := ResolveArgs("n1", rawArgs(t, src), vars); err == nil {
			t.Errorf("args %s resolved, want error", src)
		}
	}
}

func TestTraverse(t *testing.T) {
	v := map[string]any{"a": []any{map[string]any{"b": 7.0}}}
	got, err := Traverse(v, []string{"a", "0", "b"})
	if err != nil || got != 7.0 {
		t.Errorf("Traverse = %v, %v", got, err)
	}
	if got, err := Traverse(v, nil); err != nil || got == nil {
		t.Errorf("empty path = %v, %v", got, err)
	}
}
