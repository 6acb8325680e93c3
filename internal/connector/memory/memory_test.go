// ABOUTME: Tests for the knowledge-graph connector using a stub HTTP backend.
// ABOUTME: Validates request shaping, error classification, and URI routing.

package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conhub/conhub-gateway/internal/connector"
)

func TestCallTool_SearchNodes(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/memory/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"blocks":[{"id":"b1"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	out, err := c.CallTool(context.Background(), "search_nodes", json.RawMessage(`{"query":"raft consensus"}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"blocks":[{"id":"b1"}]}`, string(out))
	assert.Equal(t, "raft consensus", gotBody["query"])
	assert.Equal(t, float64(10), gotBody["max_blocks"], "default max_blocks applied")
}

func TestCallTool_MissingQuery(t *testing.T) {
	c := New("http://unused", time.Second)
	_, err := c.CallTool(context.Background(), "search_nodes", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestCallTool_UnknownTool(t *testing.T) {
	c := New("http://unused", time.Second)
	_, err := c.CallTool(context.Background(), "forget_everything", nil)
	assert.ErrorIs(t, err, connector.ErrNotFound)
}

func TestReadResource_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/memory/blocks/missing", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, err := c.ReadResource(context.Background(), "memory://missing")
	assert.ErrorIs(t, err, connector.ErrNotFound)
}

func TestDo_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, err := c.CallTool(context.Background(), "get_statistics", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDescriptors_CallerScoped(t *testing.T) {
	c := New("http://unused", time.Second)
	for _, d := range c.Tools() {
		assert.True(t, d.ReadOnly)
		assert.True(t, d.CallerScoped)
	}
}
