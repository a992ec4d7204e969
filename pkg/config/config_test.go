package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFromFile(filepath.Join(dir, "missing.yaml"), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Routing.Epsilon != 0.1 || cfg.Routing.UCBConstant != 1.4 {
		t.Fatalf("routing defaults wrong: %+v", cfg.Routing)
	}
	if cfg.Orchestrator.MaxRetries != 3 || cfg.Orchestrator.MaxConcurrency != 8 {
		t.Fatalf("orchestrator defaults wrong: %+v", cfg.Orchestrator)
	}
	if cfg.Telemetry.BufferCapacity != 1024 || cfg.Telemetry.Alpha != 0.2 {
		t.Fatalf("telemetry defaults wrong: %+v", cfg.Telemetry)
	}
	if cfg.Signing.KeyID == "" {
		t.Fatal("signing key id should default")
	}
}

func TestLoadFileValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
api_keys:
  anthropic: file-anthropic-key
routing:
  epsilon: 0.25
  seed: 42
orchestrator:
  max_retries: 5
store_path: /tmp/arbiter-test-store
`)

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ARBITER_EPSILON", "")
	t.Setenv("ARBITER_STORE_PATH", "")

	cfg, err := LoadFromFile(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "file-anthropic-key" {
		t.Fatalf("file key not read: %q", cfg.AnthropicAPIKey)
	}
	if cfg.Routing.Epsilon != 0.25 || cfg.Routing.Seed != 42 {
		t.Fatalf("routing not read: %+v", cfg.Routing)
	}
	if cfg.Orchestrator.MaxRetries != 5 {
		t.Fatalf("max retries not read: %d", cfg.Orchestrator.MaxRetries)
	}
	if cfg.StorePath != "/tmp/arbiter-test-store" {
		t.Fatalf("store path not read: %q", cfg.StorePath)
	}
	if !cfg.HasProvider("anthropic") || cfg.HasProvider("nope") {
		t.Fatal("provider readiness wrong")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
api_keys:
  anthropic: file-key
routing:
  epsilon: 0.25
`)

	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("ARBITER_EPSILON", "0.5")

	cfg, err := LoadFromFile(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "env-key" {
		t.Fatalf("env var must win over file, got %q", cfg.AnthropicAPIKey)
	}
	if cfg.Routing.Epsilon != 0.5 {
		t.Fatalf("ARBITER_EPSILON must win over file, got %f", cfg.Routing.Epsilon)
	}
}

// An explicit epsilon of 0 means pure exploitation and must survive
// defaulting, from the file and from the environment.
func TestEpsilonZeroPreserved(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
routing:
  epsilon: 0
`)

	t.Setenv("ARBITER_EPSILON", "")

	cfg, err := LoadFromFile(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Routing.Epsilon != 0 {
		t.Fatalf("file epsilon 0 coerced to %f", cfg.Routing.Epsilon)
	}

	t.Setenv("ARBITER_EPSILON", "0")
	cfg, err = LoadFromFile(filepath.Join(dir, "missing.yaml"), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Routing.Epsilon != 0 {
		t.Fatalf("env epsilon 0 coerced to %f", cfg.Routing.Epsilon)
	}
}

func TestBadEpsilonEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARBITER_EPSILON", "lots")
	if _, err := LoadFromFile(filepath.Join(dir, "missing.yaml"), dir); err == nil {
		t.Fatal("unparseable ARBITER_EPSILON should error")
	}
}
