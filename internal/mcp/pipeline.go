// ABOUTME: Per-call pipeline: authorize, rate-limit, cache, invoke connector.
// ABOUTME: Emits one audit record per run, including denials and rejections.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conhub/conhub-gateway/internal/audit"
	"github.com/conhub/conhub-gateway/internal/authz"
	"github.com/conhub/conhub-gateway/internal/callcache"
	"github.com/conhub/conhub-gateway/internal/connector"
	"github.com/conhub/conhub-gateway/internal/protocol"
)

// callToolParams are the params for tools/call.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// readResourceParams are the params for resources/read.
type readResourceParams struct {
	URI string `json:"uri"`
}

// content is one entry of a tool-call result payload.
type content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result shape for tools/call.
type callToolResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid params", nil)
		}
	}
	if params.Name == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "tool name is required", nil)
	}

	conn, policy, bare, err := d.cfg.Registry.Resolve(params.Name)
	if err != nil {
		return d.errorResponse(req, params.Name, err)
	}

	desc, ok := d.cfg.Registry.ToolDescriptor(params.Name)
	if !ok {
		return d.errorResponse(req, params.Name, fmt.Errorf("%w: %s", protocol.ErrUnknownTarget, params.Name))
	}

	result, err := d.runPipeline(ctx, pipelineCall{
		correlationID: string(req.ID),
		target:        params.Name,
		operation:     bare,
		kind:          authz.KindToolCall,
		connectorID:   conn.ID(),
		policy:        policy,
		cacheable:     desc.ReadOnly,
		callerScoped:  desc.CallerScoped,
		args:          params.Arguments,
		invoke: func(ctx context.Context) (json.RawMessage, error) {
			return conn.CallTool(ctx, bare, params.Arguments)
		},
	})
	if err != nil {
		return d.errorResponse(req, params.Name, err)
	}

	return protocol.NewResult(req.ID, callToolResult{
		Content: []content{{Type: "text", Text: string(result)}},
	})
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params readResourceParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid params", nil)
		}
	}
	if params.URI == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "uri is required", nil)
	}

	conn, policy, err := d.cfg.Registry.ResolveURI(params.URI)
	if err != nil {
		return d.errorResponse(req, params.URI, err)
	}

	result, err := d.runPipeline(ctx, pipelineCall{
		correlationID: string(req.ID),
		target:        params.URI,
		operation:     params.URI,
		kind:          authz.KindResourceRead,
		connectorID:   conn.ID(),
		policy:        policy,
		// Resource reads are read-style by definition and caller scoped:
		// connectors may resolve the same URI differently per caller.
		cacheable:    true,
		callerScoped: true,
		invoke: func(ctx context.Context) (json.RawMessage, error) {
			return conn.ReadResource(ctx, params.URI)
		},
	})
	if err != nil {
		return d.errorResponse(req, params.URI, err)
	}

	return protocol.NewResult(req.ID, map[string]any{
		"contents": []map[string]any{
			{"uri": params.URI, "text": string(result)},
		},
	})
}

// errorResponse maps a pipeline error onto a structured response. Full
// detail goes to the log; the caller sees the mapped taxonomy only.
func (d *Dispatcher) errorResponse(req *protocol.Request, target string, err error) *protocol.Response {
	obj := protocol.MapError(err)
	if obj.Code == protocol.CodeInternalError {
		d.logger.Error("request failed", "target", target, "id", string(req.ID), "error", err)
	} else {
		d.logger.Debug("request rejected", "target", target, "id", string(req.ID), "error", err)
	}
	return &protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Error: obj}
}

// pipelineCall carries one resolved invocation through the pipeline stages.
type pipelineCall struct {
	correlationID string
	target        string
	operation     string
	kind          authz.CallKind
	connectorID   string
	policy        connector.Policy
	cacheable     bool
	callerScoped  bool
	args          json.RawMessage
	invoke        func(context.Context) (json.RawMessage, error)
}

// runPipeline authorizes, rate-limits, caches, and finally invokes the
// connector. The ordering is load-bearing: a deny short-circuits before any
// token is consumed or cache entry touched, and a cache hit consumes no
// token and reaches no connector.
func (d *Dispatcher) runPipeline(ctx context.Context, call pipelineCall) (json.RawMessage, error) {
	start := time.Now()
	caller := d.session.Caller()

	decision := d.cfg.Authz.Authorize(ctx, caller, call.connectorID, call.operation, call.kind)
	if decision != authz.Allow {
		reason := denyReason(decision)
		d.audit(call, caller, start, audit.OutcomeDenied, string(reason))
		return nil, &protocol.AuthorizationDeniedError{Reason: reason, Target: call.target}
	}

	upstream := func(ctx context.Context) (json.RawMessage, error) {
		if ok, retryAfter := d.cfg.Limiter.TryAcquire(call.connectorID, caller); !ok {
			return nil, &protocol.RateLimitedError{RetryAfter: retryAfter}
		}
		return call.invoke(ctx)
	}

	var result json.RawMessage
	var err error
	if call.cacheable {
		ttl := call.policy.CacheTTL
		if ttl <= 0 {
			ttl = d.cfg.DefaultCacheTTL
		}
		var notFoundTTL time.Duration
		if call.policy.CacheNotFound {
			notFoundTTL = call.policy.NotFoundTTL
			if notFoundTTL <= 0 {
				notFoundTTL = 30 * time.Second
			}
		}
		key := callcache.Key(call.target, call.args, caller, call.callerScoped)
		result, _, err = d.cfg.Cache.Do(ctx, key, ttl, notFoundTTL, upstream)
	} else {
		result, err = upstream(ctx)
	}

	if err != nil {
		var limited *protocol.RateLimitedError
		if errors.As(err, &limited) {
			d.audit(call, caller, start, audit.OutcomeRateLimited, "")
			return nil, err
		}
		d.audit(call, caller, start, audit.OutcomeError, err.Error())
		return nil, &protocol.ConnectorFailureError{Connector: call.connectorID, Err: err}
	}

	d.audit(call, caller, start, audit.OutcomeSuccess, "")
	return result, nil
}

func denyReason(d authz.Decision) protocol.DenyReason {
	switch d {
	case authz.DenyNotConnected:
		return protocol.DenyNotConnected
	case authz.DenyInsufficientScope:
		return protocol.DenyInsufficientScope
	default:
		return protocol.DenyUnknownSource
	}
}

// audit emits one record per completed pipeline run. The sink is expected
// to be non-blocking; loss is the sink's concern, never the caller's.
func (d *Dispatcher) audit(call pipelineCall, caller string, start time.Time, outcome audit.Outcome, detail string) {
	d.cfg.Audit.Record(audit.Record{
		ID:            uuid.New().String(),
		CorrelationID: call.correlationID,
		Caller:        caller,
		Target:        call.target,
		Kind:          string(call.kind),
		Outcome:       outcome,
		Detail:        detail,
		Timestamp:     start,
		Duration:      time.Since(start),
	})
}
