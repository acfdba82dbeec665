package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	s := Defaults()
	u, ok := s.URLFor("doc.search.local")
	if !ok || u != "http://127.0.0.1:7401" {
		t.Errorf("doc.search.local = %q, %v", u, ok)
	}
	if _, ok := s.URLFor("nope"); ok {
		t.Error("unknown tool should not resolve")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	data := "tools:\n  - name: doc.search.local\n    url: http://localhost:9001\n  - name: ground.verify\n    url: http://localhost:9002\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Bindings) != 2 {
		t.Fatalf("bindings = %v", s.Bindings)
	}
	if u, _ := s.URLFor("ground.verify"); u != "http://localhost:9002" {
		t.Errorf("ground.verify = %q", u)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	data := `{"tools":[{"name":"a","url":"http://a"},{"name":"b","url":"http://b"}]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if u, _ := s.URLFor("b"); u != "http://b" {
		t.Errorf("b = %q", u)
	}
}

func TestLoadJSONList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	data := `[{"name":"a","url":"http://a"}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Bindings) != 1 || s.Bindings[0].Name != "a" {
		t.Errorf("bindings = %v", s.Bindings)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	data := "tools:\n  - name: x\n    url: http://x\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := s.URLFor("x"); !ok {
		t.Error("env-configured tool missing")
	}
}

func TestLoadNoConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := s.URLFor("mesh.mem.sqlite"); !ok {
		t.Error("defaults missing mesh.mem.sqlite")
	}
}

func TestLoadRejectsBadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	if err := os.WriteFile(path, []byte("tools:\n  - name: ''\n    url: http://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]Binding{{Name: "remote", URL: "http://remote:1"}})
	}))
	defer srv.Close()

	s, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if u, ok := s.URLFor("remote"); !ok || u != "http://remote:1" {
		t.Errorf("remote = %q, %v", u, ok)
	}
}
