package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client speaks the tool ABI: GET {url}/spec/{name} for contracts,
// POST {url}/invoke/{name} for invocations.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a client with the given per-request timeout. Zero means
// 30s.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type invokeRequest struct {
	Args map[string]any `json:"args"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// GetSpec fetches the tool's contract from its service.
func (c *Client) GetSpec(ctx context.Context, baseURL, name string) (*ToolSpec, error) {
	u := fmt.Sprintf("%s/spec/%s", strings.TrimRight(baseURL, "/"), name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch spec for %s: %w", name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch spec for %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch spec for %s: status %d: %s", name, resp.StatusCode, truncate(body, 200))
	}
	var spec ToolSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		return nil, fmt.Errorf("decode spec for %s: %w", name, err)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	return &spec, nil
}

// Invoke posts resolved args to the tool and returns the result payload.
// A non-nil error field in the response body is surfaced as an error even on
// HTTP 200.
func (c *Client) Invoke(ctx context.Context, baseURL, name string, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(invokeRequest{Args: args})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/invoke/%s", strings.TrimRight(baseURL, "/"), name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invoke %s: status %d: %s", name, resp.StatusCode, truncate(body, 200))
	}
	var out invokeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("invoke %s: decode response: %w", name, err)
	}
	if out.Error != nil && *out.Error != "" {
		return nil, fmt.Errorf("invoke %s: tool error: %s", name, *out.Error)
	}
	return out.Result, nil
}

func truncate(b []byte, n int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
