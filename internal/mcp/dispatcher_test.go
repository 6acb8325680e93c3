// ABOUTME: Tests for the dispatcher: session ordering, pipeline behavior,
// ABOUTME: concurrency properties, and malformed-input resilience.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conhub/conhub-gateway/internal/audit"
	"github.com/conhub/conhub-gateway/internal/auth"
	"github.com/conhub/conhub-gateway/internal/authz"
	"github.com/conhub/conhub-gateway/internal/callcache"
	"github.com/conhub/conhub-gateway/internal/connector"
	"github.com/conhub/conhub-gateway/internal/protocol"
	"github.com/conhub/conhub-gateway/internal/ratelimit"
)

// fakeConnector is a scriptable connector for dispatcher tests.
type fakeConnector struct {
	id    string
	tools []connector.ToolDescriptor

	calls atomic.Int64
	gate  chan struct{} // if non-nil, CallTool blocks until closed
	fail  error
}

func (f *fakeConnector) ID() string { return f.id }

func (f *fakeConnector) Tools() []connector.ToolDescriptor { return f.tools }

func (f *fakeConnector) Resources() []connector.ResourceDescriptor {
	return []connector.ResourceDescriptor{{Scheme: f.id, Description: "test resources"}}
}

func (f *fakeConnector) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return json.RawMessage(fmt.Sprintf(`{"tool":%q,"call":%d}`, name, n)), nil
}

func (f *fakeConnector) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return json.RawMessage(fmt.Sprintf(`{"uri":%q}`, uri)), nil
}

// denyingSource denies one specific caller and allows everyone else.
type denyingSource struct {
	deniedCaller string
	decision     authz.Decision
}

func (s *denyingSource) IsAllowed(_ context.Context, caller, _, _ string) (authz.Decision, error) {
	if caller == s.deniedCaller {
		return s.decision, nil
	}
	return authz.Allow, nil
}

// collectSink records every audit record it receives.
type collectSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *collectSink) Record(rec audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *collectSink) byOutcome(outcome audit.Outcome) []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for _, rec := range s.records {
		if rec.Outcome == outcome {
			out = append(out, rec)
		}
	}
	return out
}

type testEnv struct {
	dispatcher *Dispatcher
	fake       *fakeConnector
	sink       *collectSink
}

type envOption func(*Config)

func withRateLimit(p ratelimit.Params) envOption {
	return func(cfg *Config) {
		cfg.Limiter = ratelimit.New(ratelimit.Config{Defaults: p})
	}
}

func withPermissions(src authz.PermissionSource) envOption {
	return func(cfg *Config) {
		cfg.Authz = authz.NewGateway(src, nil)
	}
}

func withVerifier(v auth.Verifier, required bool) envOption {
	return func(cfg *Config) {
		cfg.Verifier = v
		cfg.RequireAuth = required
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	fake := &fakeConnector{
		id: "fake",
		tools: []connector.ToolDescriptor{
			{Name: "echo", Description: "echoes args", ReadOnly: true},
			{Name: "mutate", Description: "writes state", ReadOnly: false},
		},
	}
	registry := connector.NewRegistry(nil)
	require.NoError(t, registry.Register(fake, connector.Policy{CacheTTL: time.Minute}))

	sink := &collectSink{}
	cfg := Config{
		Registry: registry,
		Authz:    authz.NewGateway(authz.AllowAll{}, nil),
		Limiter:  ratelimit.New(ratelimit.Config{Defaults: ratelimit.Params{Capacity: 100, Refill: 100}}),
		Cache:    callcache.New(64, nil),
		Audit:    sink,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d, err := NewDispatcher(cfg)
	require.NoError(t, err)
	return &testEnv{dispatcher: d, fake: fake, sink: sink}
}

func (e *testEnv) send(t *testing.T, raw string) *protocol.Response {
	t.Helper()
	return e.dispatcher.HandleMessage(context.Background(), []byte(raw))
}

func (e *testEnv) initialize(t *testing.T) {
	t.Helper()
	resp := e.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test","version":"0.1"}}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
}

func TestCallBeforeInitializeRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fake.echo"}}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "not initialized")

	// The session stays usable: a handshake afterwards succeeds.
	env.initialize(t)
	resp = env.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fake.echo"}}`)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestInitializeIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"a","version":"1"}}}`)
	require.Nil(t, first.Error)
	second := env.send(t, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"clientInfo":{"name":"b","version":"2"}}}`)
	require.Nil(t, second.Error)

	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, PhaseInitialized, env.dispatcher.Session().Phase())
}

func TestInitializedNotificationAdvancesPhase(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Nil(t, resp, "notifications never produce a response")
	assert.Equal(t, PhaseReady, env.dispatcher.Session().Phase())

	// Out of order: a stray ack before any handshake is a no-op.
	env2 := newTestEnv(t)
	env2.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, PhaseUninitialized, env2.dispatcher.Session().Phase())
}

func TestMalformedJSONDoesNotKillSession(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{this is not json`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeParseError, resp.Error.Code)

	resp = env.send(t, `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":3,"method":"tools/destroy"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestHealthBeforeHandshake(t *testing.T) {
	env := newTestEnv(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"mcp.health"}`)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestToolsListNamespaced(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]toolInfo)
	require.True(t, ok)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"fake.echo", "fake.mutate"}, names)
}

func TestLegacyMethodAliases(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	for _, method := range []string{"mcp.listTools", "mcp.listResources"} {
		resp := env.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":%q}`, method))
		require.NotNil(t, resp, method)
		assert.Nil(t, resp.Error, method)
	}
}

func TestCallUnknownTool(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ghost.echo"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestConcurrentIdenticalCallsInvokeConnectorOnce(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	env.fake.gate = make(chan struct{})

	const waiters = 8
	responses := make([]*protocol.Response, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"fake.echo","arguments":{"q":"same"}}}`, 100+i)
			responses[i] = env.send(t, raw)
		}(i)
	}

	// Let every request reach the cache before the single upstream call
	// completes.
	time.Sleep(50 * time.Millisecond)
	close(env.fake.gate)
	wg.Wait()

	assert.Equal(t, int64(1), env.fake.calls.Load(), "identical concurrent calls collapse to one invocation")
	for i, resp := range responses {
		require.NotNil(t, resp, "response %d", i)
		require.Nil(t, resp.Error, "response %d", i)
		assert.Equal(t, responses[0].Result, resp.Result, "response %d shares the cached result", i)
	}
}

func TestCacheHitSkipsConnectorAndRateLimit(t *testing.T) {
	env := newTestEnv(t, withRateLimit(ratelimit.Params{Capacity: 1, Refill: 0.001}))
	env.initialize(t)

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fake.echo","arguments":{"q":"x"}}}`
	first := env.send(t, raw)
	require.Nil(t, first.Error)
	require.Equal(t, int64(1), env.fake.calls.Load())

	// The bucket is empty now; only a cache hit can succeed.
	second := env.send(t, raw)
	require.Nil(t, second.Error)
	assert.Equal(t, int64(1), env.fake.calls.Load(), "cache hit reaches no connector")
	assert.Equal(t, first.Result, second.Result)
}

func TestRateLimitedCallCarriesRetryAfter(t *testing.T) {
	env := newTestEnv(t, withRateLimit(ratelimit.Params{Capacity: 1, Refill: 0.001}))
	env.initialize(t)

	// Non-read tools bypass the cache, so the second call hits the limiter.
	first := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fake.mutate"}}`)
	require.Nil(t, first.Error)

	second := env.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fake.mutate"}}`)
	require.NotNil(t, second.Error)
	assert.Equal(t, protocol.CodeRateLimited, second.Error.Code)

	data, ok := second.Error.Data.(map[string]any)
	require.True(t, ok)
	retryAfter, ok := data["retryAfterMs"].(int64)
	require.True(t, ok)
	assert.Greater(t, retryAfter, int64(0))

	rejected := env.sink.byOutcome(audit.OutcomeRateLimited)
	assert.Len(t, rejected, 1)
}

func TestDenialShortCircuitsBeforeRateLimit(t *testing.T) {
	env := newTestEnv(t,
		withRateLimit(ratelimit.Params{Capacity: 1, Refill: 0.001}),
		withPermissions(&denyingSource{deniedCaller: "anonymous", decision: authz.DenyInsufficientScope}),
	)
	env.initialize(t)

	// Repeated denied calls under a one-token bucket: if denial consumed
	// tokens, the outcome would flip to rate-limited.
	for i := 0; i < 3; i++ {
		resp := env.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"fake.mutate"}}`, i+1))
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeAuthorizationDenied, resp.Error.Code)
	}
	assert.Equal(t, int64(0), env.fake.calls.Load(), "denied calls never reach the connector")

	denied := env.sink.byOutcome(audit.OutcomeDenied)
	require.Len(t, denied, 3)
	assert.Equal(t, string(protocol.DenyInsufficientScope), denied[0].Detail)
}

func TestDeniedResultNeverCached(t *testing.T) {
	src := &denyingSource{deniedCaller: "anonymous", decision: authz.DenyNotConnected}
	env := newTestEnv(t, withPermissions(src))
	env.initialize(t)

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fake.echo","arguments":{"q":"x"}}}`
	resp := env.send(t, raw)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeAuthorizationDenied, resp.Error.Code)

	// Permission granted between calls takes effect immediately.
	src.deniedCaller = "someone-else"
	resp = env.send(t, raw)
	require.Nil(t, resp.Error)
	assert.Equal(t, int64(1), env.fake.calls.Load())
}

func TestConnectorFailureMapped(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fake.fail = fmt.Errorf("backend exploded")

	resp := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fake.mutate"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeConnectorFailure, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fake", data["connector"])

	failed := env.sink.byOutcome(audit.OutcomeError)
	assert.Len(t, failed, 1)
}

func TestConnectorFailureNotCached(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.fake.fail = fmt.Errorf("transient")

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fake.echo","arguments":{"q":"y"}}}`
	resp := env.send(t, raw)
	require.NotNil(t, resp.Error)

	env.fake.fail = nil
	resp = env.send(t, raw)
	require.Nil(t, resp.Error)
	assert.Equal(t, int64(2), env.fake.calls.Load(), "failed call re-invoked after recovery")
}

func TestResourceRead(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"fake://thing/1"}}`)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	contents, ok := result["contents"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, contents, 1)
	assert.Equal(t, "fake://thing/1", contents[0]["uri"])
}

func TestResourceReadUnknownScheme(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"ghost://x"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestAuthTokenBindsCaller(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("agent-7", time.Hour)
	require.NoError(t, err)

	env := newTestEnv(t, withVerifier(verifier, true))

	resp := env.send(t, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"t","version":"1"},"authToken":%q}}`, token))
	require.Nil(t, resp.Error)
	assert.Equal(t, "agent-7", env.dispatcher.Session().Caller())
}

func TestAuthRequiredRejectsAnonymous(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	env := newTestEnv(t, withVerifier(verifier, true))

	resp := env.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"t","version":"1"}}}`)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "authentication required")

	resp = env.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"authToken":"garbage"}}`)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "invalid or expired token")
}

func TestAuditRecordsCarryCorrelationID(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	resp := env.send(t, `{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"fake.echo"}}`)
	require.Nil(t, resp.Error)

	recs := env.sink.byOutcome(audit.OutcomeSuccess)
	require.Len(t, recs, 1)
	assert.Equal(t, "42", recs[0].CorrelationID)
	assert.Equal(t, "fake.echo", recs[0].Target)
	assert.Equal(t, "tool_call", recs[0].Kind)
	assert.NotEmpty(t, recs[0].ID)
}

func TestServeOutOfOrderCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.fake.gate = make(chan struct{})

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- env.dispatcher.Serve(context.Background(), inR, outW)
	}()

	decoder := json.NewDecoder(outR)
	writeLine := func(s string) {
		_, err := inW.Write([]byte(s + "\n"))
		require.NoError(t, err)
	}

	writeLine(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"t","version":"1"}}}`)
	var initResp protocol.Response
	require.NoError(t, decoder.Decode(&initResp))
	require.Equal(t, "1", string(initResp.ID))

	// The slow call blocks on the connector gate; the list completes first.
	writeLine(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fake.mutate"}}`)
	writeLine(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)

	var listResp protocol.Response
	require.NoError(t, decoder.Decode(&listResp))
	assert.Equal(t, "3", string(listResp.ID), "later request completed first")

	close(env.fake.gate)
	var callResp protocol.Response
	require.NoError(t, decoder.Decode(&callResp))
	assert.Equal(t, "2", string(callResp.ID))

	require.NoError(t, inW.Close())
	require.NoError(t, <-serveDone)
	assert.Equal(t, PhaseClosed, env.dispatcher.Session().Phase())
}

func TestServeIgnoresBlankLines(t *testing.T) {
	env := newTestEnv(t)

	input := strings.Join([]string{
		"",
		`{"jsonrpc":"2.0","id":1,"method":"mcp.health"}`,
		"   ",
	}, "\n") + "\n"

	var out strings.Builder
	require.NoError(t, env.dispatcher.Serve(context.Background(), strings.NewReader(input), &out))

	var resp protocol.Response
	require.NoError(t, json.Unmarshal([]byte(out.String()), &resp))
	assert.Nil(t, resp.Error)
}
