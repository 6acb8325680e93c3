// ABOUTME: Capability interface implemented by every knowledge-source connector.
// ABOUTME: Descriptors are immutable values produced once at enable time.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by a connector when the requested tool, resource,
// or remote object does not exist. The call cache may briefly memoize this
// outcome when the connector's policy allows it.
var ErrNotFound = errors.New("not found")

// ToolDescriptor describes one tool a connector exposes. The name is
// unqualified here; the registry prefixes it with the connector identity.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// ReadOnly marks the tool as safe and idempotent, making its results
	// eligible for the call cache.
	ReadOnly bool

	// CallerScoped marks results as caller-dependent, so the cache key
	// includes the caller identity.
	CallerScoped bool
}

// ResourceDescriptor describes a browsable resource namespace. Scheme is the
// URI scheme the owning connector serves (e.g. "fs" for fs://...).
type ResourceDescriptor struct {
	Scheme      string
	Description string
}

// Policy holds the per-connector knobs the pipeline consults. Zero values
// fall back to the gateway-wide defaults from configuration.
type Policy struct {
	RateCapacity  int
	RateRefill    float64 // tokens per second
	CacheTTL      time.Duration
	CacheNotFound bool
	NotFoundTTL   time.Duration
}

// Connector is the contract every source adapter implements. The core only
// consumes it; connectors handle their own authentication, pagination, and
// internal concurrency control.
type Connector interface {
	// ID returns the connector identity used as namespace prefix and URI scheme.
	ID() string

	// Tools returns the tool descriptors, in declaration order.
	Tools() []ToolDescriptor

	// Resources returns the resource descriptors, in declaration order.
	Resources() []ResourceDescriptor

	// CallTool invokes the named (unqualified) tool with the given arguments.
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

	// ReadResource reads the resource addressed by the full URI.
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)
}
