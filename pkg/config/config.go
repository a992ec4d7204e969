package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string

	Routing      RoutingConfig
	Orchestrator OrchestratorConfig
	Telemetry    TelemetryConfig
	Signing      SigningConfig

	StorePath string
	ConfigDir string
}

// FileConfig represents the structure of ~/.arbiter/config.yaml
type FileConfig struct {
	APIKeys      APIKeysConfig      `yaml:"api_keys"`
	Routing      FileRoutingConfig  `yaml:"routing,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Telemetry    TelemetryConfig    `yaml:"telemetry,omitempty"`
	Signing      SigningConfig      `yaml:"signing,omitempty"`
	StorePath    string             `yaml:"store_path,omitempty"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
}

// RoutingConfig tunes the explore/exploit routing policy.
type RoutingConfig struct {
	Epsilon     float64
	UCBConstant float64
	Seed        int64
}

// FileRoutingConfig mirrors RoutingConfig for file loading. Epsilon is
// a pointer so an explicit 0 (pure exploitation) is distinguishable
// from an absent key.
type FileRoutingConfig struct {
	Epsilon     *float64 `yaml:"epsilon,omitempty"`
	UCBConstant float64  `yaml:"ucb_constant,omitempty"`
	Seed        int64    `yaml:"seed,omitempty"`
}

// OrchestratorConfig tunes retry and concurrency limits.
type OrchestratorConfig struct {
	MaxRetries     int `yaml:"max_retries,omitempty"`
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`
}

// TelemetryConfig tunes the performance tracker.
type TelemetryConfig struct {
	BufferCapacity  int     `yaml:"buffer_capacity,omitempty"`
	FlushIntervalMs int     `yaml:"flush_interval_ms,omitempty"`
	Alpha           float64 `yaml:"alpha,omitempty"`
}

// SigningConfig locates the verdict signing key.
type SigningConfig struct {
	KeyID  string `yaml:"key_id,omitempty"`
	KeyDir string `yaml:"key_dir,omitempty"`
}

// Load reads configuration from config files and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFromFile(filepath.Join(configDir, "config.yaml"), configDir)
}

// LoadFromFile reads a specific config file, applying env overrides.
func LoadFromFile(path, configDir string) (*Config, error) {
	fileConfig := loadFileConfig(path)

	cfg := &Config{
		AnthropicAPIKey: getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:    getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:    getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
		Routing: RoutingConfig{
			Epsilon:     -1, // unset until the file or env supplies one
			UCBConstant: fileConfig.Routing.UCBConstant,
			Seed:        fileConfig.Routing.Seed,
		},
		Orchestrator: fileConfig.Orchestrator,
		Telemetry:    fileConfig.Telemetry,
		Signing:      fileConfig.Signing,
		StorePath:    fileConfig.StorePath,
		ConfigDir:    configDir,
	}

	if fileConfig.Routing.Epsilon != nil {
		cfg.Routing.Epsilon = *fileConfig.Routing.Epsilon
	}
	if v := os.Getenv("ARBITER_EPSILON"); v != "" {
		eps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("ARBITER_EPSILON: %w", err)
		}
		cfg.Routing.Epsilon = eps
	}
	if v := os.Getenv("ARBITER_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}

	applyDefaults(cfg)
	return cfg, nil
}

// HasProvider returns true if the API key for the given provider is configured.
func (c *Config) HasProvider(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	default:
		return false
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Routing.Epsilon < 0 || cfg.Routing.Epsilon > 1 {
		cfg.Routing.Epsilon = 0.1
	}
	if cfg.Routing.UCBConstant <= 0 {
		cfg.Routing.UCBConstant = 1.4
	}
	if cfg.Orchestrator.MaxRetries <= 0 {
		cfg.Orchestrator.MaxRetries = 3
	}
	if cfg.Orchestrator.MaxConcurrency <= 0 {
		cfg.Orchestrator.MaxConcurrency = 8
	}
	if cfg.Telemetry.BufferCapacity <= 0 {
		cfg.Telemetry.BufferCapacity = 1024
	}
	if cfg.Telemetry.FlushIntervalMs <= 0 {
		cfg.Telemetry.FlushIntervalMs = 500
	}
	if cfg.Telemetry.Alpha <= 0 || cfg.Telemetry.Alpha > 1 {
		cfg.Telemetry.Alpha = 0.2
	}
	if cfg.Signing.KeyID == "" {
		cfg.Signing.KeyID = "arbiter-default"
	}
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) *FileConfig {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg // Return empty config if file doesn't exist
	}

	_ = yaml.Unmarshal(data, cfg) // Ignore parse errors, use defaults
	return cfg
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".arbiter")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
