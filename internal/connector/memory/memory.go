// ABOUTME: Knowledge-graph connector proxying to the decision engine service.
// ABOUTME: Exposes memory.search_nodes and memory.get_statistics over HTTP.

package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conhub/conhub-gateway/internal/connector"
)

// Connector proxies memory/knowledge-graph queries to the decision engine.
// The call timeout lives here, not in the protocol layer.
type Connector struct {
	baseURL string
	client  *http.Client
}

// New creates a memory connector against the given decision engine base URL.
func New(baseURL string, timeout time.Duration) *Connector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Connector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ID implements connector.Connector.
func (c *Connector) ID() string { return "memory" }

// Tools implements connector.Connector. Results depend on the caller's
// knowledge graph, so both tools are caller scoped.
func (c *Connector) Tools() []connector.ToolDescriptor {
	return []connector.ToolDescriptor{
		{
			Name:         "search_nodes",
			Description:  "Search the knowledge graph for memory blocks matching a query",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"max_blocks":{"type":"integer"}},"required":["query"]}`),
			ReadOnly:     true,
			CallerScoped: true,
		},
		{
			Name:         "get_statistics",
			Description:  "Get statistics about the stored knowledge graph",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{}}`),
			ReadOnly:     true,
			CallerScoped: true,
		},
	}
}

// Resources implements connector.Connector.
func (c *Connector) Resources() []connector.ResourceDescriptor {
	return []connector.ResourceDescriptor{
		{Scheme: "memory", Description: "Knowledge graph memory blocks"},
	}
}

// CallTool implements connector.Connector.
func (c *Connector) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "search_nodes":
		var params struct {
			Query     string `json:"query"`
			MaxBlocks int    `json:"max_blocks"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		if params.Query == "" {
			return nil, fmt.Errorf("query is required")
		}
		if params.MaxBlocks <= 0 {
			params.MaxBlocks = 10
		}
		body := map[string]any{"query": params.Query, "max_blocks": params.MaxBlocks}
		return c.post(ctx, "/api/memory/search", body)

	case "get_statistics":
		return c.get(ctx, "/api/memory/statistics")

	default:
		return nil, fmt.Errorf("unknown tool %q: %w", name, connector.ErrNotFound)
	}
}

// ReadResource implements connector.Connector. URI form: memory://<block-id>.
func (c *Connector) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	id, ok := strings.CutPrefix(uri, "memory://")
	if !ok || id == "" {
		return nil, fmt.Errorf("malformed memory uri %q", uri)
	}
	return c.get(ctx, "/api/memory/blocks/"+id)
}

func (c *Connector) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Connector) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return c.do(req)
}

func (c *Connector) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decision engine request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading decision engine response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("decision engine: %w", connector.ErrNotFound)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("decision engine returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return json.RawMessage(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
