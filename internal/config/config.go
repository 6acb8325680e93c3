// ABOUTME: Configuration loading and parsing for conhub-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete conhub-gateway configuration. The engine
// treats a loaded Config as immutable for the process lifetime.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Audit       AuditConfig       `yaml:"audit"`
	Cache       CacheConfig       `yaml:"cache"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Connectors  ConnectorsConfig  `yaml:"connectors"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds protocol-level limits.
type ServerConfig struct {
	// MaxInflight bounds concurrently processed requests per session.
	MaxInflight int `yaml:"max_inflight"`
}

// AuthConfig holds caller-identity configuration.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	RequireAuth   bool   `yaml:"require_auth"`
	DefaultCaller string `yaml:"default_caller"`
}

// PermissionsConfig selects the permission source backing authorization.
type PermissionsConfig struct {
	Mode string `yaml:"mode"` // "allowall", "file", or "sqlite"
	Path string `yaml:"path"` // grants file or database, per mode
}

// AuditConfig holds audit sink configuration.
type AuditConfig struct {
	Path   string `yaml:"path"` // SQLite database path; empty discards records
	Buffer int    `yaml:"buffer"`
}

// CacheConfig holds call-cache configuration.
type CacheConfig struct {
	TTL      time.Duration `yaml:"-"`
	Capacity int           `yaml:"capacity"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// RateLimitConfig holds default token-bucket parameters.
type RateLimitConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
	PerCaller    bool    `yaml:"per_caller"`
}

// ConnectorsConfig holds the enabled-connector set and per-connector knobs.
type ConnectorsConfig struct {
	FS     FSConnectorConfig     `yaml:"fs"`
	Memory MemoryConnectorConfig `yaml:"memory"`
}

// PolicyConfig holds the per-connector pipeline overrides.
type PolicyConfig struct {
	RateCapacity  int           `yaml:"rate_capacity"`
	RateRefill    float64       `yaml:"rate_refill_per_sec"`
	CacheNotFound bool          `yaml:"cache_not_found"`
	CacheTTL      time.Duration `yaml:"-"`
	NotFoundTTL   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CacheTTLRaw    string `yaml:"cache_ttl"`
	NotFoundTTLRaw string `yaml:"not_found_ttl"`
}

// FSConnectorConfig configures the local filesystem connector.
type FSConnectorConfig struct {
	Enabled bool         `yaml:"enabled"`
	Roots   []string     `yaml:"roots"`
	Ignore  []string     `yaml:"ignore"`
	Policy  PolicyConfig `yaml:"policy"`
}

// MemoryConnectorConfig configures the knowledge-graph connector.
type MemoryConnectorConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Policy  PolicyConfig  `yaml:"policy"`
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Cache.TTL, err = parseDuration(cfg.Cache.TTLRaw, 5*time.Minute); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	if cfg.Connectors.Memory.Timeout, err = parseDuration(cfg.Connectors.Memory.TimeoutRaw, 30*time.Second); err != nil {
		return fmt.Errorf("connectors.memory.timeout: %w", err)
	}
	if err = cfg.Connectors.FS.Policy.parseDurations(); err != nil {
		return fmt.Errorf("connectors.fs.policy: %w", err)
	}
	if err = cfg.Connectors.Memory.Policy.parseDurations(); err != nil {
		return fmt.Errorf("connectors.memory.policy: %w", err)
	}
	return nil
}

func (p *PolicyConfig) parseDurations() error {
	var err error
	if p.CacheTTL, err = parseDuration(p.CacheTTLRaw, 0); err != nil {
		return fmt.Errorf("cache_ttl: %w", err)
	}
	if p.NotFoundTTL, err = parseDuration(p.NotFoundTTLRaw, 0); err != nil {
		return fmt.Errorf("not_found_ttl: %w", err)
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func (c *Config) applyDefaults() {
	if c.Server.MaxInflight <= 0 {
		c.Server.MaxInflight = 16
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 1024
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 60
	}
	if c.RateLimit.RefillPerSec <= 0 {
		c.RateLimit.RefillPerSec = 1
	}
	if c.Audit.Buffer <= 0 {
		c.Audit.Buffer = 256
	}
	if c.Permissions.Mode == "" {
		c.Permissions.Mode = "allowall"
	}
	if c.Auth.DefaultCaller == "" {
		c.Auth.DefaultCaller = "anonymous"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks required fields and cross-field consistency.
func (c *Config) Validate() error {
	switch c.Permissions.Mode {
	case "allowall":
	case "file", "sqlite":
		if c.Permissions.Path == "" {
			return fmt.Errorf("permissions.path is required for mode %q", c.Permissions.Mode)
		}
	default:
		return fmt.Errorf("unknown permissions.mode %q", c.Permissions.Mode)
	}

	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.require_auth is set")
	}

	if c.Connectors.FS.Enabled && len(c.Connectors.FS.Roots) == 0 {
		return fmt.Errorf("connectors.fs.roots is required when the fs connector is enabled")
	}
	if c.Connectors.Memory.Enabled && c.Connectors.Memory.URL == "" {
		return fmt.Errorf("connectors.memory.url is required when the memory connector is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	return nil
}
