// Package config handles loading and validating sandpool configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults for the execution surface.
const (
	DefaultTimeoutSeconds            = 300
	DefaultMaxMemoryMB               = 512
	DefaultMaxSessions               = 100
	DefaultSessionIdleTimeoutSeconds = 3600
	DefaultBaseWorkdir               = "/tmp/aipyapp_sessions"
	DefaultSweepSchedule             = "*/5 * * * *"
)

// defaultArtifactExtensions is the allow-list of artifact file extensions
// collected from a session workdir after a task completes.
var defaultArtifactExtensions = []string{".png", ".jpg", ".csv", ".json", ".txt"}

// Config is the root configuration for sandpool.
type Config struct {
	BaseWorkdir   string               `json:"base_workdir,omitempty" yaml:"base_workdir,omitempty"` // Root for session workdirs. Override: SANDPOOL_WORKDIR env var.
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Pool          PoolConfig           `json:"pool" yaml:"pool"`
	Runtime       RuntimeConfig        `json:"runtime" yaml:"runtime"`
	Sweep         *SweepConfig         `json:"sweep,omitempty" yaml:"sweep,omitempty"`                 // nil = idle sweeping disabled
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = no execution audit persistence
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = HTTP API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ExecutorConfig bounds a single task's execution.
type ExecutorConfig struct {
	TimeoutSeconds     int      `json:"timeout_seconds" yaml:"timeout_seconds"`         // Default: 300.
	MaxMemoryMB        int      `json:"max_memory_mb" yaml:"max_memory_mb"`             // Advisory, forwarded to the runtime. Default: 512.
	ArtifactExtensions []string `json:"artifact_extensions" yaml:"artifact_extensions"` // Default: png/jpg/csv/json/txt.
}

// Timeout returns the per-task deadline.
func (c ExecutorConfig) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// Extensions returns the artifact allow-list, normalized to lowercase
// with leading dots.
func (c ExecutorConfig) Extensions() []string {
	src := c.ArtifactExtensions
	if len(src) == 0 {
		src = defaultArtifactExtensions
	}
	out := make([]string, 0, len(src))
	for _, ext := range src {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// PoolConfig bounds the session registry.
type PoolConfig struct {
	MaxSessions               int `json:"max_sessions" yaml:"max_sessions"`                                  // Default: 100.
	SessionIdleTimeoutSeconds int `json:"session_idle_timeout_seconds" yaml:"session_idle_timeout_seconds"` // Default: 3600.
}

// IdleTimeout returns the idle reclamation threshold.
func (c PoolConfig) IdleTimeout() time.Duration {
	if c.SessionIdleTimeoutSeconds > 0 {
		return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
	}
	return DefaultSessionIdleTimeoutSeconds * time.Second
}

// Sessions returns the registry capacity.
func (c PoolConfig) Sessions() int {
	if c.MaxSessions > 0 {
		return c.MaxSessions
	}
	return DefaultMaxSessions
}

// RuntimeConfig selects and configures the sandbox backend.
type RuntimeConfig struct {
	Backend     string        `json:"backend" yaml:"backend"`                   // "process" (default) or "docker".
	Interpreter []string      `json:"interpreter" yaml:"interpreter"`           // Interpreter command. Required for the process backend.
	Docker      *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"` // Docker-specific settings.
}

// BackendName returns the configured backend, defaulting to "process".
func (c RuntimeConfig) BackendName() string {
	if c.Backend != "" {
		return c.Backend
	}
	return "process"
}

// DockerConfig holds Docker backend settings.
type DockerConfig struct {
	Image          string  `json:"image" yaml:"image"`
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
}

// SweepConfig drives periodic idle-session reclamation.
type SweepConfig struct {
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: every 5 minutes.
}

// CronSchedule returns the sweep cron expression.
func (c *SweepConfig) CronSchedule() string {
	if c != nil && c.Schedule != "" {
		return c.Schedule
	}
	return DefaultSweepSchedule
}

// StorageConfig configures the execution audit backend.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from base workdir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys           map[string]string `json:"api_keys" yaml:"api_keys"`       // API key → client ID mapping.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int               `json:"burst_size" yaml:"burst_size"`
}

// Addr returns the listen address, defaulting to ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandpool"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// ConfigurationError reports an invalid configuration value. Fatal at
// construction time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// DefaultConfigPath returns the default config file path (~/.sandpool/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sandpool.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sandpool", "config.yaml")
}

// Load reads a YAML or JSON configuration file, applies environment
// overrides, and validates the result.
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

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, suitable
// for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides lets environment variables take precedence over
// config file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SANDPOOL_WORKDIR"); v != "" {
		c.BaseWorkdir = v
	}
	if v := os.Getenv("SANDPOOL_PG_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.BaseWorkdir == "" {
		c.BaseWorkdir = DefaultBaseWorkdir
	}
	if c.Executor.TimeoutSeconds == 0 {
		c.Executor.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Executor.MaxMemoryMB == 0 {
		c.Executor.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.Pool.MaxSessions == 0 {
		c.Pool.MaxSessions = DefaultMaxSessions
	}
	if c.Pool.SessionIdleTimeoutSeconds == 0 {
		c.Pool.SessionIdleTimeoutSeconds = DefaultSessionIdleTimeoutSeconds
	}
	if c.Runtime.BackendName() == "process" && len(c.Runtime.Interpreter) == 0 {
		c.Runtime.Interpreter = []string{"python3", "-m", "aipyapp"}
	}
}

// Validate rejects configurations that cannot produce a working pool.
func (c *Config) Validate() error {
	if c.Executor.TimeoutSeconds <= 0 {
		return &ConfigurationError{Field: "executor.timeout_seconds", Reason: "must be positive"}
	}
	if c.Executor.MaxMemoryMB <= 0 {
		return &ConfigurationError{Field: "executor.max_memory_mb", Reason: "must be positive"}
	}
	if c.Pool.MaxSessions <= 0 {
		return &ConfigurationError{Field: "pool.max_sessions", Reason: "must be positive"}
	}
	if c.Pool.SessionIdleTimeoutSeconds <= 0 {
		return &ConfigurationError{Field: "pool.session_idle_timeout_seconds", Reason: "must be positive"}
	}
	switch c.Runtime.BackendName() {
	case "process":
		if len(c.Runtime.Interpreter) == 0 {
			return &ConfigurationError{Field: "runtime.interpreter", Reason: "is required for the process backend"}
		}
	case "docker":
	default:
		return &ConfigurationError{Field: "runtime.backend", Reason: fmt.Sprintf("unknown backend %q", c.Runtime.Backend)}
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return &ConfigurationError{Field: "storage.postgres.dsn", Reason: "is required for the postgres driver"}
			}
		default:
			return &ConfigurationError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", c.Storage.Driver)}
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
