package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom with missing file: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.MaxIterationsPerTask != 4 {
		t.Errorf("max_iterations_per_task = %d, want 4", cfg.Engine.MaxIterationsPerTask)
	}
	if cfg.Engine.MaxParallelTasks != 1 {
		t.Errorf("max_parallel_tasks = %d, want 1 (sequential default)", cfg.Engine.MaxParallelTasks)
	}
	if cfg.Security.Level != "strict" {
		t.Errorf("security.level = %q, want strict", cfg.Security.Level)
	}
	if cfg.Sandbox.TimeoutSeconds != 300 {
		t.Errorf("sandbox.timeout_seconds = %d, want 300", cfg.Sandbox.TimeoutSeconds)
	}
	if len(cfg.Security.CommandWhitelist) == 0 {
		t.Error("expected non-empty default command whitelist")
	}
	if len(cfg.Security.PatternBlacklist) == 0 {
		t.Error("expected non-empty default pattern blacklist")
	}
}

func TestLoadFromYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabrica.yaml")
	yamlContent := `
server:
  port: "9090"
engine:
  max_project_iterations: 10
security:
  level: permissive
sandbox:
  image: node:22-slim
  timeout_seconds: 60
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Engine.MaxProjectIterations != 10 {
		t.Errorf("max_project_iterations = %d, want 10", cfg.Engine.MaxProjectIterations)
	}
	if cfg.Security.Level != "permissive" {
		t.Errorf("security.level = %q, want permissive", cfg.Security.Level)
	}
	if cfg.Sandbox.Image != "node:22-slim" {
		t.Errorf("sandbox.image = %q", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.TimeoutSeconds != 60 {
		t.Errorf("timeout_seconds = %d, want 60", cfg.Sandbox.TimeoutSeconds)
	}
	// Untouched sections keep defaults.
	if cfg.Engine.MaxIterationsPerTask != 4 {
		t.Errorf("max_iterations_per_task = %d, want default 4", cfg.Engine.MaxIterationsPerTask)
	}
}

func TestLoadFromEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabrica.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FABRICA_PORT", "7070")
	t.Setenv("FABRICA_SECURITY_LEVEL", "permissive")
	t.Setenv("FABRICA_SANDBOX_TIMEOUT_SECONDS", "120")
	t.Setenv("FABRICA_MODELS_TIMEOUT", "45s")
	t.Setenv("FABRICA_RATE_LIMIT_RPS", "2.5")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("port = %q, want 7070 (env wins over yaml)", cfg.Server.Port)
	}
	if cfg.Security.Level != "permissive" {
		t.Errorf("security.level = %q, want permissive", cfg.Security.Level)
	}
	if cfg.Sandbox.TimeoutSeconds != 120 {
		t.Errorf("timeout_seconds = %d, want 120", cfg.Sandbox.TimeoutSeconds)
	}
	if cfg.Models.RequestTimeout != 45*time.Second {
		t.Errorf("models.request_timeout = %v, want 45s", cfg.Models.RequestTimeout)
	}
	if cfg.Server.RateLimitRPS != 2.5 {
		t.Errorf("server.rate_limit_rps = %v, want 2.5", cfg.Server.RateLimitRPS)
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Security.Level = "yolo"
	err := validate(&cfg)
	if err == nil || !strings.Contains(err.Error(), "security.level") {
		t.Fatalf("expected security.level error, got %v", err)
	}
}

func TestValidateRejectsBadBlacklistRegex(t *testing.T) {
	cfg := Defaults()
	cfg.Security.PatternBlacklist = []string{`(unclosed`}
	if err := validate(&cfg); err == nil {
		t.Fatal("expected error for invalid blacklist regex")
	}
}

func TestValidateRejectsEmptyWhitelist(t *testing.T) {
	cfg := Defaults()
	cfg.Security.CommandWhitelist = nil
	if err := validate(&cfg); err == nil {
		t.Fatal("expected error for empty whitelist")
	}
}

func TestValidateRejectsZeroIterations(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MaxProjectIterations = 0
	if err := validate(&cfg); err == nil {
		t.Fatal("expected error for zero iteration budget")
	}
}

func TestValidateRejectsBadRateLimit(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RateLimitRPS = -1
	if err := validate(&cfg); err == nil {
		t.Fatal("expected error for negative rate limit")
	}

	cfg = Defaults()
	cfg.Server.RateLimitBurst = 0
	if err := validate(&cfg); err == nil {
		t.Fatal("expected error for zero burst with rate limiting enabled")
	}
}

func TestDefaultBlacklistCompiles(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}
