// ABOUTME: Entry point for the conhub-gateway stdio server
// ABOUTME: Bridges agent JSON-RPC streams to knowledge-source connectors

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/conhub/conhub-gateway/internal/audit"
	"github.com/conhub/conhub-gateway/internal/auth"
	"github.com/conhub/conhub-gateway/internal/authz"
	"github.com/conhub/conhub-gateway/internal/callcache"
	"github.com/conhub/conhub-gateway/internal/config"
	"github.com/conhub/conhub-gateway/internal/connector"
	"github.com/conhub/conhub-gateway/internal/connector/localfs"
	"github.com/conhub/conhub-gateway/internal/connector/memory"
	"github.com/conhub/conhub-gateway/internal/mcp"
	"github.com/conhub/conhub-gateway/internal/ratelimit"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _           _
  ___ ___  _ __    | |__  _   _| |__
 / __/ _ \| '_ \   | '_ \| | | | '_ \
| (_| (_) | | | |  | | | | |_| | |_) |
 \___\___/|_| |_|  |_| |_|\__,_|_.__/
`

// getConfigPath returns the path to the gateway config file.
// Priority: CONHUB_CONFIG env var > XDG_CONFIG_HOME/conhub/gateway.yaml > ~/.config/conhub/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONHUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "conhub", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: conhub-gateway <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  serve                       Serve the gateway on stdin/stdout")
		fmt.Fprintln(os.Stderr, "  init                        Create a default config file")
		fmt.Fprintln(os.Stderr, "  token --caller NAME         Mint a caller token")
		fmt.Fprintln(os.Stderr, "  grant --caller C --source S --operation OP   Grant a permission")
		fmt.Fprintln(os.Stderr, "  revoke --caller C --source S --operation OP  Revoke a permission")
		fmt.Fprintln(os.Stderr, "  audit [--caller C] [--limit N]               Show recent audit records")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "grant":
		err = runGrant(ctx, true)
	case "revoke":
		err = runGrant(ctx, false)
	case "audit":
		err = runAudit(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServe wires the pipeline and serves one session over stdin/stdout.
// Everything human-facing goes to stderr: stdout carries the message stream.
func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Fprint(os.Stderr, banner)
	gray.Fprintf(os.Stderr, "    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	registry := connector.NewRegistry(logger)
	perConnector := map[string]ratelimit.Params{}

	if cfg.Connectors.FS.Enabled {
		fs, err := localfs.New(cfg.Connectors.FS.Roots, cfg.Connectors.FS.Ignore)
		if err != nil {
			return fmt.Errorf("creating fs connector: %w", err)
		}
		if err := registry.Register(fs, policyFromConfig(cfg.Connectors.FS.Policy)); err != nil {
			return fmt.Errorf("registering fs connector: %w", err)
		}
		addRateOverride(perConnector, fs.ID(), cfg.Connectors.FS.Policy)
	}
	if cfg.Connectors.Memory.Enabled {
		mem := memory.New(cfg.Connectors.Memory.URL, cfg.Connectors.Memory.Timeout)
		if err := registry.Register(mem, policyFromConfig(cfg.Connectors.Memory.Policy)); err != nil {
			return fmt.Errorf("registering memory connector: %w", err)
		}
		addRateOverride(perConnector, mem.ID(), cfg.Connectors.Memory.Policy)
	}

	source, closeSource, err := openPermissionSource(cfg.Permissions)
	if err != nil {
		return fmt.Errorf("opening permission source: %w", err)
	}
	defer closeSource()

	sink, closeSink, err := openAuditSink(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("opening audit sink: %w", err)
	}
	defer closeSink()

	var verifier auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	dispatcher, err := mcp.NewDispatcher(mcp.Config{
		Registry: registry,
		Authz:    authz.NewGateway(source, logger),
		Limiter: ratelimit.New(ratelimit.Config{
			Defaults: ratelimit.Params{
				Capacity: cfg.RateLimit.Capacity,
				Refill:   cfg.RateLimit.RefillPerSec,
			},
			PerConnector: perConnector,
			PerCaller:    cfg.RateLimit.PerCaller,
			Logger:       logger,
		}),
		Cache:           callcache.New(cfg.Cache.Capacity, logger),
		Audit:           sink,
		Verifier:        verifier,
		Logger:          logger,
		MaxInflight:     cfg.Server.MaxInflight,
		DefaultCacheTTL: cfg.Cache.TTL,
		RequireAuth:     cfg.Auth.RequireAuth,
		DefaultCaller:   cfg.Auth.DefaultCaller,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	logger.Info("starting conhub-gateway",
		"config", configPath,
		"connectors", registry.Connectors(),
		"permissions", cfg.Permissions.Mode,
	)

	return dispatcher.Serve(ctx, os.Stdin, os.Stdout)
}

func policyFromConfig(p config.PolicyConfig) connector.Policy {
	return connector.Policy{
		RateCapacity:  p.RateCapacity,
		RateRefill:    p.RateRefill,
		CacheTTL:      p.CacheTTL,
		CacheNotFound: p.CacheNotFound,
		NotFoundTTL:   p.NotFoundTTL,
	}
}

func addRateOverride(overrides map[string]ratelimit.Params, id string, p config.PolicyConfig) {
	if p.RateCapacity > 0 && p.RateRefill > 0 {
		overrides[id] = ratelimit.Params{Capacity: p.RateCapacity, Refill: p.RateRefill}
	}
}

func openPermissionSource(cfg config.PermissionsConfig) (authz.PermissionSource, func(), error) {
	switch cfg.Mode {
	case "file":
		src, err := authz.LoadFileSource(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	case "sqlite":
		src, err := authz.OpenSQLiteSource(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	default:
		return authz.AllowAll{}, func() {}, nil
	}
}

func openAuditSink(cfg config.AuditConfig, logger *slog.Logger) (audit.Sink, func(), error) {
	if cfg.Path == "" {
		return audit.Discard, func() {}, nil
	}
	store, err := audit.OpenSQLiteStore(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	async := audit.NewAsyncSink(store, cfg.Buffer, logger)
	return async, func() {
		async.Close()
		store.Close()
	}, nil
}

const defaultConfig = `# conhub-gateway configuration
server:
  max_inflight: 16

auth:
  jwt_secret: "%s"
  require_auth: false
  default_caller: anonymous

permissions:
  mode: allowall

audit:
  path: ""
  buffer: 256

cache:
  ttl: 5m
  capacity: 1024

ratelimit:
  capacity: 60
  refill_per_sec: 1
  per_caller: false

connectors:
  fs:
    enabled: true
    roots:
      - .
    ignore:
      - ".git"
      - "*.key"
  memory:
    enabled: false
    url: http://localhost:8787
    timeout: 30s
    policy:
      cache_not_found: true
      not_found_ttl: 30s

logging:
  level: info
  format: text
`

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf(defaultConfig, secret)), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(os.Stderr, "    ▶ ")
	fmt.Fprintf(os.Stderr, "Config written to %s\n", configPath)
	return nil
}

func runToken() error {
	args, err := parseFlags(os.Args[2:], "caller", "ttl")
	if err != nil {
		return err
	}
	caller := args["caller"]
	if caller == "" {
		return fmt.Errorf("--caller flag is required")
	}

	ttl := 24 * time.Hour
	if raw := args["ttl"]; raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("parsing --ttl: %w", err)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set; run init first")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(caller, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runGrant(ctx context.Context, grant bool) error {
	args, err := parseFlags(os.Args[2:], "caller", "source", "operation")
	if err != nil {
		return err
	}
	for _, name := range []string{"caller", "source", "operation"} {
		if args[name] == "" {
			return fmt.Errorf("--%s flag is required", name)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Permissions.Mode != "sqlite" {
		return fmt.Errorf("grant management requires permissions.mode sqlite, have %q", cfg.Permissions.Mode)
	}

	src, err := authz.OpenSQLiteSource(cfg.Permissions.Path)
	if err != nil {
		return fmt.Errorf("opening permission database: %w", err)
	}
	defer src.Close()

	if grant {
		if err := src.AddSource(ctx, args["source"]); err != nil {
			return fmt.Errorf("registering source: %w", err)
		}
		if err := src.Grant(ctx, args["caller"], args["source"], args["operation"]); err != nil {
			return fmt.Errorf("granting: %w", err)
		}
		fmt.Fprintf(os.Stderr, "granted %s on %s to %s\n", args["operation"], args["source"], args["caller"])
		return nil
	}

	if err := src.Revoke(ctx, args["caller"], args["source"], args["operation"]); err != nil {
		return fmt.Errorf("revoking: %w", err)
	}
	fmt.Fprintf(os.Stderr, "revoked %s on %s from %s\n", args["operation"], args["source"], args["caller"])
	return nil
}

func runAudit(ctx context.Context) error {
	args, err := parseFlags(os.Args[2:], "caller", "limit")
	if err != nil {
		return err
	}

	limit := 50
	if raw := args["limit"]; raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			return fmt.Errorf("parsing --limit: %w", err)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Audit.Path == "" {
		return fmt.Errorf("audit.path is not configured")
	}

	store, err := audit.OpenSQLiteStore(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}
	defer store.Close()

	records, err := store.List(ctx, audit.Filter{Caller: args["caller"], Limit: limit})
	if err != nil {
		return fmt.Errorf("listing audit records: %w", err)
	}

	for _, rec := range records {
		fmt.Printf("%s  %-12s %-10s %-20s %s %s\n",
			rec.Timestamp.Format(time.RFC3339),
			rec.Outcome,
			rec.Caller,
			rec.Target,
			rec.Duration.Round(time.Millisecond),
			rec.Detail,
		)
	}
	return nil
}

// parseFlags handles "--name value" and "--name=value" for the given flag names.
func parseFlags(args []string, names ...string) (map[string]string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	out := map[string]string{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = value
	}
	return out, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output on stderr with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
