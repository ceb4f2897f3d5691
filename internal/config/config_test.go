package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// --- Loading ---

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
base_workdir: /var/lib/sandpool
executor:
  timeout_seconds: 60
  max_memory_mb: 256
pool:
  max_sessions: 5
  session_idle_timeout_seconds: 600
runtime:
  backend: process
  interpreter: ["python3", "-m", "aipyapp"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseWorkdir != "/var/lib/sandpool" {
		t.Errorf("base workdir = %q", cfg.BaseWorkdir)
	}
	if cfg.Executor.Timeout() != 60*time.Second {
		t.Errorf("timeout = %v", cfg.Executor.Timeout())
	}
	if cfg.Pool.Sessions() != 5 {
		t.Errorf("max sessions = %d", cfg.Pool.Sessions())
	}
	if cfg.Pool.IdleTimeout() != 10*time.Minute {
		t.Errorf("idle timeout = %v", cfg.Pool.IdleTimeout())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "runtime": {"backend": "process", "interpreter": ["python3"]}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runtime.BackendName() != "process" {
		t.Errorf("backend = %q", cfg.Runtime.BackendName())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoad_EnvOverridesWorkdir(t *testing.T) {
	t.Setenv("SANDPOOL_WORKDIR", "/override/path")
	path := writeConfig(t, "config.yaml", `
base_workdir: /from/file
runtime:
  interpreter: ["python3"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseWorkdir != "/override/path" {
		t.Errorf("env override lost, base workdir = %q", cfg.BaseWorkdir)
	}
}

func TestLoad_EnvPostgresDSN(t *testing.T) {
	t.Setenv("SANDPOOL_PG_DSN", "postgres://localhost/sandpool")
	path := writeConfig(t, "config.yaml", `
runtime:
  interpreter: ["python3"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.StorageDriver() != "postgres" {
		t.Fatal("env DSN should enable the postgres driver")
	}
	if cfg.Storage.Postgres.DSN != "postgres://localhost/sandpool" {
		t.Errorf("dsn = %q", cfg.Storage.Postgres.DSN)
	}
}

// --- Defaults ---

func TestDefault_AppliesAllDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Executor.Timeout() != 300*time.Second {
		t.Errorf("timeout = %v", cfg.Executor.Timeout())
	}
	if cfg.Executor.MaxMemoryMB != 512 {
		t.Errorf("max memory = %d", cfg.Executor.MaxMemoryMB)
	}
	if cfg.Pool.Sessions() != 100 {
		t.Errorf("max sessions = %d", cfg.Pool.Sessions())
	}
	if cfg.Pool.IdleTimeout() != time.Hour {
		t.Errorf("idle timeout = %v", cfg.Pool.IdleTimeout())
	}
	if cfg.Runtime.BackendName() != "process" {
		t.Errorf("backend = %q", cfg.Runtime.BackendName())
	}
	if len(cfg.Runtime.Interpreter) == 0 {
		t.Error("default interpreter should be set for the process backend")
	}
}

func TestExtensions_Normalization(t *testing.T) {
	c := ExecutorConfig{ArtifactExtensions: []string{"PNG", ".Csv", " txt ", ""}}
	got := c.Extensions()
	want := []string{".png", ".csv", ".txt"}
	if len(got) != len(want) {
		t.Fatalf("extensions = %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("extensions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtensions_Default(t *testing.T) {
	got := ExecutorConfig{}.Extensions()
	if len(got) != 5 || got[0] != ".png" {
		t.Errorf("default extensions = %#v", got)
	}
}

// --- Validation ---

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative timeout", func(c *Config) { c.Executor.TimeoutSeconds = -1 }, "executor.timeout_seconds"},
		{"negative memory", func(c *Config) { c.Executor.MaxMemoryMB = -1 }, "executor.max_memory_mb"},
		{"negative sessions", func(c *Config) { c.Pool.MaxSessions = -1 }, "pool.max_sessions"},
		{"negative idle", func(c *Config) { c.Pool.SessionIdleTimeoutSeconds = -5 }, "pool.session_idle_timeout_seconds"},
		{"no interpreter", func(c *Config) { c.Runtime.Interpreter = nil }, "runtime.interpreter"},
		{"unknown backend", func(c *Config) { c.Runtime.Backend = "firecracker" }, "runtime.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.postgres.dsn"},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mysql"} }, "storage.driver"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()

			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want ConfigurationError", err)
			}
			if cfgErr.Field != tc.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tc.field)
			}
		})
	}
}

func TestValidate_DockerNeedsNoInterpreter(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Backend = "docker"
	cfg.Runtime.Interpreter = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("docker backend should not require an interpreter: %v", err)
	}
}
