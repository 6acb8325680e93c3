// ABOUTME: Authorization gateway deciding per call whether a caller may use
// ABOUTME: a namespaced target, backed by an externally supplied permission source.

package authz

import (
	"context"
	"log/slog"
)

// CallKind distinguishes tool invocations from resource reads.
type CallKind string

const (
	KindToolCall     CallKind = "tool_call"
	KindResourceRead CallKind = "resource_read"
)

// Decision is the outcome of one authorization check.
type Decision int

const (
	Allow Decision = iota
	DenyNotConnected
	DenyInsufficientScope
	DenyUnknown
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyNotConnected:
		return "deny_not_connected"
	case DenyInsufficientScope:
		return "deny_insufficient_scope"
	default:
		return "deny_unknown"
	}
}

// PermissionSource answers whether a caller may perform an operation against
// a source. Implementations are external collaborators: a SQLite grant table,
// a static file, or a remote permission service.
type PermissionSource interface {
	IsAllowed(ctx context.Context, caller, source, operation string) (Decision, error)
}

// Gateway evaluates authorization for every call. Decisions are never cached
// across calls: permission data can change between calls within a session.
type Gateway struct {
	source PermissionSource
	logger *slog.Logger
}

// NewGateway creates a Gateway over the given permission source.
func NewGateway(source PermissionSource, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{source: source, logger: logger}
}

// Authorize decides whether caller may invoke the given operation on the
// connector that owns the target. Permission-source failures degrade to a
// conservative deny rather than failing the pipeline.
func (g *Gateway) Authorize(ctx context.Context, caller, source, operation string, kind CallKind) Decision {
	decision, err := g.source.IsAllowed(ctx, caller, source, string(kind)+":"+operation)
	if err != nil {
		g.logger.Warn("permission source failed, denying conservatively",
			"caller", caller,
			"source", source,
			"operation", operation,
			"error", err,
		)
		return DenyUnknown
	}

	if decision != Allow {
		g.logger.Debug("authorization denied",
			"caller", caller,
			"source", source,
			"operation", operation,
			"kind", kind,
			"decision", decision.String(),
		)
	}
	return decision
}
