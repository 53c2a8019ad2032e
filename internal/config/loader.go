package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/lamim/distillforge/pkg/models"
)

// Load reads and parses the configuration file and environment variables.
// Files ending in .yaml or .yml are parsed as YAML, everything else as TOML.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return finish(&cfg)
}

// Default returns a validated configuration with every default applied
func Default() (*Config, *Secrets, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, *Secrets, error) {
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, nil, fmt.Errorf("input validation failed: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	g := &cfg.Generation
	if g.OutputDir == "" {
		g.OutputDir = filepath.Join("output", "distilled")
	}
	if g.MaxWorkers == 0 {
		g.MaxWorkers = models.DefaultMaxWorkers
	}
	if g.BatchSize == 0 {
		g.BatchSize = models.DefaultBatchSize
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = models.DefaultMaxRetries
	}
	if g.QualityThreshold == 0 {
		g.QualityThreshold = models.DefaultQualityThreshold
	}
	if g.FsyncInterval == 0 {
		g.FsyncInterval = models.DefaultFsyncInterval
	}
	if g.CheckpointInterval == 0 {
		g.CheckpointInterval = models.DefaultCheckpointInterval
	}
	if g.InflightMultiplier == 0 {
		g.InflightMultiplier = models.DefaultInflightMultiplier
	}
	if g.MaxBackoff == 0 {
		g.MaxBackoff = models.DefaultMaxBackoff
	}
	if g.MinLength == 0 {
		g.MinLength = models.DefaultMinLength
	}
	if g.MaxLength == 0 {
		g.MaxLength = models.DefaultMaxLength
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = models.DefaultMaxTokens
	}
	if g.Temperature == 0 {
		g.Temperature = models.DefaultTemperature
	}
	if g.TopP == 0 {
		g.TopP = models.DefaultTopP
	}
	if g.TimeoutSeconds == 0 {
		g.TimeoutSeconds = models.DefaultTimeoutSeconds
	}
	if g.StatusPollIntervalMS == 0 {
		g.StatusPollIntervalMS = 250
	}

	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = RegistrySQLite
	}
	if cfg.Registry.Driver == RegistrySQLite && cfg.Registry.Path == "" {
		cfg.Registry.Path = filepath.Join(g.OutputDir, "tasks.db")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8089"
	}

	for name, model := range cfg.Models {
		if model.Provider == "" {
			model.Provider = ProviderOpenAI
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = g.TimeoutSeconds
		}
		cfg.Models[name] = model
	}
}
