// Package registry resolves tool names to service addresses. A Snapshot is
// built once per run from a config file, the environment, or a remote
// registry service; it is never a process-wide singleton.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable overriding the config path.
const EnvConfigPath = "AMP_TOOL_CONFIG"

// Binding maps a tool name to the base URL of the service hosting it.
type Binding struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// Snapshot is an immutable set of bindings in declaration order.
type Snapshot struct {
	Bindings []Binding
}

// Defaults are the well-known local development bindings used when no config
// file is present.
func Defaults() *Snapshot {
	return &Snapshot{Bindings: []Binding{
		{Name: "doc.search.local", URL: "http://127.0.0.1:7401"},
		{Name: "ground.verify", URL: "http://127.0.0.1:7402"},
		{Name: "mesh.mem.sqlite", URL: "http://127.0.0.1:7403"},
	}}
}

// URLFor returns the base URL bound to a tool name.
func (s *Snapshot) URLFor(name string) (string, bool) {
	for _, b := range s.Bindings {
		if b.Name == name {
			return b.URL, true
		}
	}
	return "", false
}

type fileConfig struct {
	Tools []Binding `json:"tools" yaml:"tools"`
}

// Load builds a snapshot from the given path; empty path falls back to
// EnvConfigPath, then to Defaults. The file may be YAML or JSON (JSON is
// valid YAML; a leading '{' or '[' is decoded as JSON directly).
func Load(path string) (*Snapshot, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Defaults(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool config: %w", err)
	}
	return parseConfig(b, path)
}

func parseConfig(b []byte, path string) (*Snapshot, error) {
	var cfg fileConfig
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(b, &cfg.Tools); err != nil {
				return nil, fmt.Errorf("parse tool config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse tool config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse tool config %s: %w", path, err)
		}
	}
	if len(cfg.Tools) == 0 {
		return nil, fmt.Errorf("tool config %s declares no tools", path)
	}
	for i, t := range cfg.Tools {
		if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.URL) == "" {
			return nil, fmt.Errorf("tool config %s: entry %d missing name or url", path, i)
		}
	}
	return &Snapshot{Bindings: cfg.Tools}, nil
}

// Fetch builds a snapshot from a remote registry service
// (GET {base}/tools -> [{"name","url"}]).
func Fetch(ctx context.Context, baseURL string) (*Snapshot, error) {
	u := strings.TrimRight(baseURL, "/") + "/tools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch registry: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch registry: %w", err)
	}
	var bindings []Binding
	if err := json.Unmarshal(body, &bindings); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	return &Snapshot{Bindings: bindings}, nil
}
