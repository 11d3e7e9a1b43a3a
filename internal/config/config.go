// Package config handles loading and validating cometx configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for cometx.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.cometx/data. Override: COMETX_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = execution history disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// SandboxConfig configures the execution controller and its environment.
type SandboxConfig struct {
	Type             string               `json:"type" yaml:"type"`                                                     // "inprocess" (default) or "process".
	TimeoutMs        int                  `json:"timeout_ms" yaml:"timeout_ms"`                                         // Per-execution bound. Default: 5000.
	RecycleOnTimeout *bool                `json:"recycle_on_timeout,omitempty" yaml:"recycle_on_timeout,omitempty"`     // Destroy and recreate the environment on timeout. Default: true.
	MaxCallStackSize int                  `json:"max_call_stack_size" yaml:"max_call_stack_size"`                       // Default: 1024.
	MaxLogBytes      int                  `json:"max_log_bytes" yaml:"max_log_bytes"`                                   // Captured console output per execution. Default: 1 MB.
	ContextCollision string               `json:"context_collision" yaml:"context_collision"`                           // "reject" (default) or "ignore".
	Process          ProcessSandboxConfig `json:"process" yaml:"process"`
}

// ProcessSandboxConfig holds settings for the child worker process environment.
type ProcessSandboxConfig struct {
	Command       []string `json:"command,omitempty" yaml:"command,omitempty"` // Worker command. Default: this binary with the "worker" subcommand.
	MaxCPUSeconds int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`     // ulimit -t. Default: 60.
	MaxMemoryMB   int      `json:"max_memory_mb" yaml:"max_memory_mb"`         // ulimit -v. 0 = unlimited.
}

// Kind returns the environment type, defaulting to "inprocess".
func (s SandboxConfig) Kind() string {
	if s.Type != "" {
		return s.Type
	}
	return "inprocess"
}

// Timeout returns the per-execution bound.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

// Recycle reports whether timed-out environments are destroyed.
func (s SandboxConfig) Recycle() bool {
	if s.RecycleOnTimeout != nil {
		return *s.RecycleOnTimeout
	}
	return true
}

// Collision returns the context collision policy, defaulting to "reject".
func (s SandboxConfig) Collision() string {
	if s.ContextCollision != "" {
		return s.ContextCollision
	}
	return "reject"
}

// CPUSeconds returns the worker CPU limit.
func (p ProcessSandboxConfig) CPUSeconds() int {
	if p.MaxCPUSeconds > 0 {
		return p.MaxCPUSeconds
	}
	return 60
}

// WorkerCommand returns the configured worker command or re-executes the running binary.
func (p ProcessSandboxConfig) WorkerCommand() ([]string, error) {
	if len(p.Command) > 0 {
		return p.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating cometx executable: %w", err)
	}
	return []string{exe, "worker"}, nil
}

// StorageConfig configures the execution history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/cometx.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: COMETX_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewaysConfig holds the surfaces that accept execution requests.
type GatewaysConfig struct {
	CLI  *CLIGatewayConfig  `json:"cli,omitempty" yaml:"cli,omitempty"`
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

type CLIGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Prompt  string `json:"prompt,omitempty" yaml:"prompt,omitempty"` // Default: "cometx> "
}

// PromptText returns the REPL prompt.
func (c *CLIGatewayConfig) PromptText() string {
	if c != nil && c.Prompt != "" {
		return c.Prompt
	}
	return "cometx> "
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: COMETX_HTTP_ADDR env var.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"`     // API key → user ID. Empty = no auth.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	WebSocket           bool              `json:"websocket" yaml:"websocket"` // Enable the /v1/ws streaming endpoint.
}

// Addr returns the listen address.
func (h *HTTPGatewayConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap in bytes.
func (h *HTTPGatewayConfig) MaxRequestSize() int64 {
	if h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// MCPGatewayConfig configures the MCP stdio server.
type MCPGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"` // Server name announced to clients. Default: "cometx".
}

// ServerName returns the announced MCP server name.
func (m *MCPGatewayConfig) ServerName() string {
	if m != nil && m.Name != "" {
		return m.Name
	}
	return "cometx"
}

type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "cometx"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed executions
	TimeoutThreshold   int     `json:"timeout_threshold" yaml:"timeout_threshold"`       // Timeouts per window. Default: 5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LoggingConfig selects the root slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error". Override: COMETX_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "json" (default) or "text". Override: COMETX_LOG_FORMAT.
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Gateways: GatewaysConfig{
			CLI: &CLIGatewayConfig{Enabled: true},
		},
	}
}

// DefaultConfigPath returns the default config file path (~/.cometx/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/cometx.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".cometx", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	return finish(&cfg)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	c.DataDir = goutils.Env("COMETX_DATA_DIR", c.DataDir)
	c.Sandbox.Type = goutils.Env("COMETX_SANDBOX_TYPE", c.Sandbox.Type)
	c.Sandbox.ContextCollision = goutils.Env("COMETX_CONTEXT_COLLISION", c.Sandbox.ContextCollision)

	if v := os.Getenv("COMETX_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COMETX_TIMEOUT_MS: %w", err)
		}
		c.Sandbox.TimeoutMs = ms
	}
	if v := os.Getenv("COMETX_RECYCLE_ON_TIMEOUT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COMETX_RECYCLE_ON_TIMEOUT: %w", err)
		}
		c.Sandbox.RecycleOnTimeout = &b
	}

	// Storage DSN override switches history to PostgreSQL.
	if dsn := os.Getenv("COMETX_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if addr := os.Getenv("COMETX_HTTP_ADDR"); addr != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.ListenAddr = addr
	}
	if key := os.Getenv("COMETX_API_KEY"); key != "" && c.Gateways.HTTP != nil {
		if c.Gateways.HTTP.APIKeyUserMapping == nil {
			c.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		c.Gateways.HTTP.APIKeyUserMapping[key] = goutils.Env("COMETX_API_USER", "api")
	}

	c.Logging.Level = goutils.Env("COMETX_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = goutils.Env("COMETX_LOG_FORMAT", c.Logging.Format)
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".cometx", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if resolved, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return resolved
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "cometx.db")
}

func (c *Config) validate() error {
	switch c.Sandbox.Kind() {
	case "inprocess", "process":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use inprocess or process)", c.Sandbox.Type)
	}
	switch c.Sandbox.Collision() {
	case "reject", "ignore":
	default:
		return fmt.Errorf("sandbox.context_collision %q is not supported (use reject or ignore)", c.Sandbox.ContextCollision)
	}
	if c.Sandbox.TimeoutMs < 0 {
		return fmt.Errorf("sandbox.timeout_ms must not be negative")
	}
	if c.Sandbox.MaxCallStackSize < 0 {
		return fmt.Errorf("sandbox.max_call_stack_size must not be negative")
	}
	if c.Sandbox.MaxLogBytes < 0 {
		return fmt.Errorf("sandbox.max_log_bytes must not be negative")
	}
	if c.Sandbox.Process.MaxMemoryMB < 0 || c.Sandbox.Process.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.process limits must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set COMETX_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if h := c.Gateways.HTTP; h != nil && h.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("gateways.http.rate_limit.requests_per_minute must not be negative")
	}
	if t := c.tracing(); t != nil && t.Enabled {
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
