// ABOUTME: Protocol dispatcher for the agent-facing JSON-RPC stream.
// ABOUTME: Parses messages, enforces session phase ordering, and routes to the pipeline.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/conhub/conhub-gateway/internal/audit"
	"github.com/conhub/conhub-gateway/internal/auth"
	"github.com/conhub/conhub-gateway/internal/authz"
	"github.com/conhub/conhub-gateway/internal/callcache"
	"github.com/conhub/conhub-gateway/internal/connector"
	"github.com/conhub/conhub-gateway/internal/protocol"
	"github.com/conhub/conhub-gateway/internal/ratelimit"
)

// ProtocolVersion is the MCP protocol version the gateway negotiates.
const ProtocolVersion = "2024-11-05"

// ServerName and ServerVersion identify the gateway in initialize responses.
const (
	ServerName    = "conhub-gateway"
	ServerVersion = "1.0.0"
)

// MaxMessageSize is the maximum accepted size of one stream message (1MB).
const MaxMessageSize = 1 << 20

// Config holds the dispatcher's collaborators and limits.
type Config struct {
	Registry *connector.Registry
	Authz    *authz.Gateway
	Limiter  *ratelimit.Limiter
	Cache    *callcache.Cache
	Audit    audit.Sink
	Verifier auth.Verifier // nil disables token verification
	Logger   *slog.Logger

	// MaxInflight bounds concurrently processed requests on one session.
	MaxInflight int

	// DefaultCacheTTL applies to cacheable calls whose connector policy
	// sets no override.
	DefaultCacheTTL time.Duration

	// RequireAuth rejects handshakes that carry no valid token.
	RequireAuth bool

	// DefaultCaller is the identity bound when no token is presented and
	// auth is not required.
	DefaultCaller string
}

// Dispatcher orchestrates one session over a single ordered message stream.
// Requests may complete out of arrival order; responses are matched to
// requests solely by correlation id.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	session *Session
	sem     *semaphore.Weighted

	writeMu sync.Mutex
	out     io.Writer
}

// NewDispatcher creates a dispatcher for one session.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Authz == nil {
		return nil, errors.New("authorization gateway is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("call cache is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = callcache.DefaultTTL
	}
	if cfg.DefaultCaller == "" {
		cfg.DefaultCaller = "anonymous"
	}
	if cfg.RequireAuth && cfg.Verifier == nil {
		return nil, errors.New("verifier required when auth is required")
	}

	return &Dispatcher{
		cfg:     cfg,
		logger:  cfg.Logger,
		session: NewSession(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxInflight)),
	}, nil
}

// Session exposes the session for inspection in tests and serve loops.
func (d *Dispatcher) Session() *Session {
	return d.session
}

// Serve reads newline-delimited JSON-RPC messages from r until EOF, writing
// responses to w. In-flight requests finish before Serve returns; if the
// transport is already gone their responses are discarded by the failed
// write, never matched to a request the stream no longer carries.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	d.writeMu.Lock()
	d.out = w
	d.writeMu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(raw []byte) {
			defer wg.Done()
			defer d.sem.Release(1)
			if resp := d.HandleMessage(ctx, raw); resp != nil {
				d.write(resp)
			}
		}([]byte(line))
	}

	wg.Wait()
	d.session.close()

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("reading message stream: %w", err)
	}
	return nil
}

// write encodes one response onto the stream. Writes are serialized so
// concurrently completing requests never interleave bytes.
func (d *Dispatcher) write(resp *protocol.Response) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.out == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		d.logger.Warn("failed to encode response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := d.out.Write(data); err != nil {
		// Transport closed mid-request: discard, never crash the session.
		d.logger.Debug("discarding response for closed transport", "error", err)
	}
}

// HandleMessage processes one raw message and returns the response to emit,
// or nil for notifications. Exactly one response is produced per request id,
// and none for ids never seen. Malformed messages produce a structured error
// without advancing session phase; the session stays usable.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) (resp *protocol.Response) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.NewError(nil, protocol.CodeParseError, "invalid JSON", nil)
	}
	if req.JSONRPC != protocol.Version {
		return protocol.NewError(req.ID, protocol.CodeInvalidRequest, "invalid JSON-RPC version", nil)
	}

	if req.IsNotification() {
		d.handleNotification(&req)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling request", "method", req.Method, "panic", r)
			resp = protocol.NewError(req.ID, protocol.CodeInternalError, "internal error", nil)
		}
	}()

	d.logger.Debug("request", "method", req.Method, "id", string(req.ID))
	return d.handleRequest(ctx, &req)
}

func (d *Dispatcher) handleNotification(req *protocol.Request) {
	switch req.Method {
	case "notifications/initialized":
		d.session.markReady()
	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			d.logger.Debug("ignoring notification", "method", req.Method)
		} else {
			d.logger.Warn("notification for non-notification method", "method", req.Method)
		}
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	// Health probes and the handshake are accepted in any phase.
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "mcp.health":
		return protocol.NewResult(req.ID, map[string]any{"status": "healthy"})
	}

	if !d.session.accepting() {
		return protocol.NewError(req.ID, protocol.CodeInvalidRequest, protocol.ErrNotInitialized.Error(), nil)
	}

	switch req.Method {
	case "tools/list", "mcp.listTools":
		return d.handleToolsList(req)
	case "resources/list", "mcp.listResources":
		return d.handleResourcesList(req)
	case "tools/call", "mcp.callTool":
		return d.handleToolsCall(ctx, req)
	case "resources/read", "mcp.readResource":
		return d.handleResourcesRead(ctx, req)
	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found", nil)
	}
}

// initializeParams is the accepted handshake payload. The optional authToken
// binds a verified caller identity to the session.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	AuthToken string `json:"authToken"`
}

func (d *Dispatcher) handleInitialize(req *protocol.Request) *protocol.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid params", nil)
		}
	}

	caller := d.cfg.DefaultCaller
	switch {
	case params.AuthToken != "" && d.cfg.Verifier != nil:
		id, err := d.cfg.Verifier.Verify(params.AuthToken)
		if err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidRequest, "invalid or expired token", nil)
		}
		caller = id
	case d.cfg.RequireAuth:
		return protocol.NewError(req.ID, protocol.CodeInvalidRequest, "authentication required", nil)
	}

	result := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}

	negotiated := d.session.initialize(ProtocolVersion, params.ClientInfo.Name, params.ClientInfo.Version, caller, result)

	d.logger.Info("session initialized",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"caller", d.session.Caller(),
	)
	return protocol.NewResult(req.ID, negotiated)
}

// toolInfo is the wire shape of one tool descriptor.
type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Listing reads only registry-held descriptors and never touches the
// per-call pipeline, so it cannot suspend on rate limits or cache waits.
func (d *Dispatcher) handleToolsList(req *protocol.Request) *protocol.Response {
	descs := d.cfg.Registry.ListTools()
	tools := make([]toolInfo, len(descs))
	for i, t := range descs {
		tools[i] = toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return protocol.NewResult(req.ID, map[string]any{"tools": tools})
}

// resourceInfo is the wire shape of one resource descriptor.
type resourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (d *Dispatcher) handleResourcesList(req *protocol.Request) *protocol.Response {
	descs := d.cfg.Registry.ListResources()
	resources := make([]resourceInfo, len(descs))
	for i, r := range descs {
		resources[i] = resourceInfo{
			URI:         r.Scheme + "://",
			Name:        r.Scheme,
			Description: r.Description,
		}
	}
	return protocol.NewResult(req.ID, map[string]any{"resources": resources})
}
