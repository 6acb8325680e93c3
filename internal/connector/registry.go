// ABOUTME: Registry of enabled connectors presenting one namespaced catalog.
// ABOUTME: Handles prefix routing, collision detection, and deterministic listing.

package connector

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/conhub/conhub-gateway/internal/protocol"
)

// ErrDuplicatePrefix indicates two connectors tried to register the same
// namespace prefix. Registration fails fast at startup, never at call time.
var ErrDuplicatePrefix = fmt.Errorf("duplicate connector prefix")

// entry pairs a connector with its effective policy.
type entry struct {
	conn   Connector
	policy Policy
}

// Registry owns the enabled connector set. Connectors are held by shared
// reference: multiple in-flight calls may resolve to the same instance.
type Registry struct {
	mu      sync.RWMutex
	order   []string // registration order, for deterministic listing
	entries map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds a connector under its ID prefix with the given policy.
// Returns ErrDuplicatePrefix if the prefix is already claimed.
func (r *Registry) Register(c Connector, policy Policy) error {
	id := c.ID()
	if id == "" || strings.ContainsAny(id, "./:") {
		return fmt.Errorf("invalid connector id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePrefix, id)
	}

	r.entries[id] = &entry{conn: c, policy: policy}
	r.order = append(r.order, id)

	r.logger.Info("connector registered",
		"connector", id,
		"tools", len(c.Tools()),
		"resources", len(c.Resources()),
	)
	return nil
}

// ListTools returns every enabled connector's tools, names prefixed by
// connector identity, ordered by registration then declaration order.
func (r *Registry) ListTools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolDescriptor
	for _, id := range r.order {
		for _, t := range r.entries[id].conn.Tools() {
			t.Name = id + "." + t.Name
			out = append(out, t)
		}
	}
	return out
}

// ListResources returns every enabled connector's resource descriptors in
// the same deterministic order as ListTools.
func (r *Registry) ListResources() []ResourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ResourceDescriptor
	for _, id := range r.order {
		out = append(out, r.entries[id].conn.Resources()...)
	}
	return out
}

// Resolve splits a namespaced tool name ("connector.tool") and returns the
// owning connector, its policy, and the unqualified tool name.
func (r *Registry) Resolve(namespaced string) (Connector, Policy, string, error) {
	prefix, rest, ok := strings.Cut(namespaced, ".")
	if !ok || prefix == "" || rest == "" {
		return nil, Policy{}, "", fmt.Errorf("%w: malformed name %q", protocol.ErrUnknownTarget, namespaced)
	}
	return r.lookup(prefix, rest)
}

// ResolveURI routes a scheme-prefixed resource URI to its owning connector.
// Only the scheme is interpreted; the path stays opaque to the core.
func (r *Registry) ResolveURI(uri string) (Connector, Policy, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return nil, Policy{}, fmt.Errorf("%w: malformed uri %q", protocol.ErrUnknownTarget, uri)
	}
	c, p, _, err := r.lookup(scheme, uri)
	return c, p, err
}

func (r *Registry) lookup(prefix, target string) (Connector, Policy, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[prefix]
	if !ok {
		return nil, Policy{}, "", fmt.Errorf("%w: no connector owns %q", protocol.ErrUnknownTarget, prefix)
	}
	return e.conn, e.policy, target, nil
}

// ToolDescriptor returns the descriptor for a namespaced tool name, or false
// if no enabled connector declares it.
func (r *Registry) ToolDescriptor(namespaced string) (ToolDescriptor, bool) {
	c, _, bare, err := r.Resolve(namespaced)
	if err != nil {
		return ToolDescriptor{}, false
	}
	for _, t := range c.Tools() {
		if t.Name == bare {
			t.Name = namespaced
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// Connectors returns the enabled connector IDs in registration order.
func (r *Registry) Connectors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
