// ABOUTME: Tests for connector registry namespacing, ordering, and routing.
// ABOUTME: Validates prefix collisions, deterministic listing, and URI resolution.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conhub/conhub-gateway/internal/protocol"
)

// fakeConnector is a minimal in-memory connector for registry tests.
type fakeConnector struct {
	id        string
	tools     []ToolDescriptor
	resources []ResourceDescriptor
}

func (f *fakeConnector) ID() string { return f.id }

func (f *fakeConnector) Tools() []ToolDescriptor { return f.tools }

func (f *fakeConnector) Resources() []ResourceDescriptor { return f.resources }

func (f *fakeConnector) CallTool(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"called":%q}`, name)), nil
}

func (f *fakeConnector) ReadResource(_ context.Context, uri string) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"uri":%q}`, uri)), nil
}

func newFake(id string, toolNames ...string) *fakeConnector {
	f := &fakeConnector{id: id}
	for _, n := range toolNames {
		f.tools = append(f.tools, ToolDescriptor{Name: n, Description: n, ReadOnly: true})
	}
	f.resources = []ResourceDescriptor{{Scheme: id, Description: id + " resources"}}
	return f
}

func TestRegistry_ListTools_NamespacedAndOrdered(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.Register(newFake("fs", "read_file", "list_files"), Policy{}))
	require.NoError(t, r.Register(newFake("memory", "search_nodes"), Policy{}))

	tools := r.ListTools()
	require.Len(t, tools, 3)
	assert.Equal(t, "fs.read_file", tools[0].Name)
	assert.Equal(t, "fs.list_files", tools[1].Name)
	assert.Equal(t, "memory.search_nodes", tools[2].Name)

	// Listing twice with no changes yields identical content and order.
	again := r.ListTools()
	assert.Equal(t, tools, again)
}

func TestRegistry_Register_DuplicatePrefix(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.Register(newFake("fs", "read_file"), Policy{}))

	err := r.Register(newFake("fs", "other"), Policy{})
	assert.ErrorIs(t, err, ErrDuplicatePrefix)
}

func TestRegistry_Register_InvalidID(t *testing.T) {
	r := NewRegistry(slog.Default())
	assert.Error(t, r.Register(newFake("", "x"), Policy{}))
	assert.Error(t, r.Register(newFake("bad.id", "x"), Policy{}))
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.Register(newFake("fs", "read_file"), Policy{CacheNotFound: true}))

	c, policy, bare, err := r.Resolve("fs.read_file")
	require.NoError(t, err)
	assert.Equal(t, "fs", c.ID())
	assert.Equal(t, "read_file", bare)
	assert.True(t, policy.CacheNotFound)
}

func TestRegistry_Resolve_Unknown(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.Register(newFake("fs", "read_file"), Policy{}))

	_, _, _, err := r.Resolve("github.list_repos")
	assert.ErrorIs(t, err, protocol.ErrUnknownTarget)

	_, _, _, err = r.Resolve("noprefix")
	assert.ErrorIs(t, err, protocol.ErrUnknownTarget)
}

func TestRegistry_ResolveURI(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.Register(newFake("fs", "read_file"), Policy{}))

	c, _, err := r.ResolveURI("fs://project/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "fs", c.ID())

	_, _, err = r.ResolveURI("dropbox://folder/file")
	assert.ErrorIs(t, err, protocol.ErrUnknownTarget)

	_, _, err = r.ResolveURI("no-scheme-here")
	assert.ErrorIs(t, err, protocol.ErrUnknownTarget)
}

func TestRegistry_ToolDescriptor(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.Register(newFake("fs", "read_file"), Policy{}))

	d, ok := r.ToolDescriptor("fs.read_file")
	require.True(t, ok)
	assert.Equal(t, "fs.read_file", d.Name)
	assert.True(t, d.ReadOnly)

	_, ok = r.ToolDescriptor("fs.nonexistent")
	assert.False(t, ok)
}
