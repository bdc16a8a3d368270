package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "fabrica.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path can be overridden with FABRICA_CONFIG; a missing file is
// not an error.
func Load() (*Config, error) {
	path := os.Getenv("FABRICA_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "FABRICA_PORT")
	setString(&cfg.Server.CORSOrigin, "FABRICA_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimitRPS, "FABRICA_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "FABRICA_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FABRICA_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FABRICA_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FABRICA_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FABRICA_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FABRICA_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Enabled, "FABRICA_NATS_ENABLED")

	setInt(&cfg.Engine.MaxProjectIterations, "FABRICA_MAX_PROJECT_ITERATIONS")
	setInt(&cfg.Engine.MaxIterationsPerTask, "FABRICA_MAX_ITERATIONS_PER_TASK")
	setInt(&cfg.Engine.MaxParallelTasks, "FABRICA_MAX_PARALLEL_TASKS")
	setString(&cfg.Engine.WorkspaceRoot, "FABRICA_WORKSPACE_ROOT")

	setString(&cfg.Security.Level, "FABRICA_SECURITY_LEVEL")

	setString(&cfg.Sandbox.Image, "FABRICA_SANDBOX_IMAGE")
	setInt(&cfg.Sandbox.TimeoutSeconds, "FABRICA_SANDBOX_TIMEOUT_SECONDS")
	setInt(&cfg.Sandbox.MaxOutputBytes, "FABRICA_SANDBOX_MAX_OUTPUT_BYTES")
	setInt64(&cfg.Sandbox.MaxContainers, "FABRICA_SANDBOX_MAX_CONTAINERS")
	setInt(&cfg.Sandbox.MemoryMB, "FABRICA_SANDBOX_MEMORY_MB")
	setString(&cfg.Sandbox.CPUs, "FABRICA_SANDBOX_CPUS")
	setInt(&cfg.Sandbox.PidsLimit, "FABRICA_SANDBOX_PIDS_LIMIT")

	setString(&cfg.Models.URL, "FABRICA_MODELS_URL")
	setString(&cfg.Models.MasterKey, "FABRICA_MODELS_MASTER_KEY")
	setDuration(&cfg.Models.RequestTimeout, "FABRICA_MODELS_TIMEOUT")
	setString(&cfg.Models.Planner, "FABRICA_MODEL_PLANNER")
	setString(&cfg.Models.CodeGenerator, "FABRICA_MODEL_CODE_GENERATOR")
	setString(&cfg.Models.Validator, "FABRICA_MODEL_VALIDATOR")
	setString(&cfg.Models.SecurityAnalyzer, "FABRICA_MODEL_SECURITY_ANALYZER")
	setInt(&cfg.Models.MaxTokens, "FABRICA_MODEL_MAX_TOKENS")

	setInt64(&cfg.Cache.MaxSizeMB, "FABRICA_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.SnapshotTTL, "FABRICA_CACHE_SNAPSHOT_TTL")
	setDuration(&cfg.Cache.VerdictTTL, "FABRICA_CACHE_VERDICT_TTL")

	setBool(&cfg.Checkpoint.Enabled, "FABRICA_CHECKPOINT_ENABLED")
	setInt(&cfg.Checkpoint.MaxConcurrent, "FABRICA_CHECKPOINT_MAX_CONCURRENT")

	setBool(&cfg.Otel.Enabled, "FABRICA_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "FABRICA_OTEL_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "FABRICA_OTEL_INSECURE")
	setString(&cfg.Otel.ServiceName, "FABRICA_OTEL_SERVICE_NAME")

	setString(&cfg.Logging.Level, "FABRICA_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FABRICA_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "FABRICA_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "FABRICA_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FABRICA_BREAKER_TIMEOUT")

	setString(&cfg.Auth.APIKeyHash, "FABRICA_API_KEY_HASH")

	setBool(&cfg.MCP.Enabled, "FABRICA_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "FABRICA_MCP_ADDR")
}

// validate checks that required fields are set and well-formed.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimitRPS < 0 {
		return errors.New("server.rate_limit_rps must be >= 0")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled")
	}
	if cfg.Engine.MaxProjectIterations < 1 {
		return errors.New("engine.max_project_iterations must be >= 1")
	}
	if cfg.Engine.MaxIterationsPerTask < 1 {
		return errors.New("engine.max_iterations_per_task must be >= 1")
	}
	if cfg.Engine.MaxParallelTasks < 1 {
		return errors.New("engine.max_parallel_tasks must be >= 1")
	}
	if cfg.Security.Level != "strict" && cfg.Security.Level != "permissive" {
		return fmt.Errorf("security.level must be strict or permissive, got %q", cfg.Security.Level)
	}
	if len(cfg.Security.CommandWhitelist) == 0 {
		return errors.New("security.command_whitelist must not be empty")
	}
	for _, pattern := range cfg.Security.PatternBlacklist {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("security.pattern_blacklist %q: %w", pattern, err)
		}
	}
	if cfg.Sandbox.Image == "" {
		return errors.New("sandbox.image is required")
	}
	if cfg.Sandbox.TimeoutSeconds < 1 {
		return errors.New("sandbox.timeout_seconds must be >= 1")
	}
	if cfg.Sandbox.MaxOutputBytes < 1 {
		return errors.New("sandbox.max_output_bytes must be >= 1")
	}
	if cfg.Sandbox.MaxContainers < 1 {
		return errors.New("sandbox.max_containers must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
