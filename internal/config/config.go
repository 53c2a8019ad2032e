package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lamim/distillforge/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Generation      GenerationConfig       `toml:"generation" yaml:"generation"`
	Models          map[string]ModelConfig `toml:"models" yaml:"models"`
	PromptTemplates map[string]string      `toml:"prompt_templates" yaml:"prompt_templates"` // strategy -> template override
	Registry        RegistryConfig         `toml:"registry" yaml:"registry"`
	Server          ServerConfig           `toml:"server" yaml:"server"`
}

// GenerationConfig holds engine defaults applied to every task.
// Task parameters override these.
type GenerationConfig struct {
	OutputDir            string  `toml:"output_dir" yaml:"output_dir"`
	MaxWorkers           int     `toml:"max_workers" yaml:"max_workers"`
	BatchSize            int     `toml:"batch_size" yaml:"batch_size"` // unused by the streaming path
	MaxRetries           int     `toml:"max_retries" yaml:"max_retries"`
	QualityThreshold     float64 `toml:"quality_threshold" yaml:"quality_threshold"`
	FsyncInterval        int     `toml:"fsync_interval" yaml:"fsync_interval"`
	CheckpointInterval   int     `toml:"checkpoint_interval" yaml:"checkpoint_interval"`
	InflightMultiplier   int     `toml:"inflight_multiplier" yaml:"inflight_multiplier"`
	UnorderedWrite       bool    `toml:"unordered_write" yaml:"unordered_write"`
	RateLimitRPS         float64 `toml:"rate_limit_rps" yaml:"rate_limit_rps"` // <= 0 disables
	MaxBackoff           float64 `toml:"max_backoff" yaml:"max_backoff"`       // seconds
	MinLength            int     `toml:"min_length" yaml:"min_length"`
	MaxLength            int     `toml:"max_length" yaml:"max_length"`
	MaxTokens            int     `toml:"max_tokens" yaml:"max_tokens"`
	Temperature          float64 `toml:"temperature" yaml:"temperature"`
	TopP                 float64 `toml:"top_p" yaml:"top_p"`
	TopK                 int     `toml:"top_k" yaml:"top_k"`
	TimeoutSeconds       int     `toml:"timeout_seconds" yaml:"timeout_seconds"`
	SystemPrompt         string  `toml:"system_prompt" yaml:"system_prompt"`
	StatusPollIntervalMS int     `toml:"status_poll_interval_ms" yaml:"status_poll_interval_ms"`
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	Provider           string `toml:"provider" yaml:"provider"` // openai (default) or gemini
	BaseURL            string `toml:"base_url" yaml:"base_url"`
	ModelName          string `toml:"model_name" yaml:"model_name"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds" yaml:"http_timeout_seconds"` // 0 = use generation.timeout_seconds
	APIKeyEnv          string `toml:"api_key_env" yaml:"api_key_env"`                   // optional env var holding the key
}

// RegistryConfig selects the task registry backend
type RegistryConfig struct {
	Driver string `toml:"driver" yaml:"driver"` // sqlite or memory
	Path   string `toml:"path" yaml:"path"`
}

// ServerConfig holds the control API settings
type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Provider names
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Registry drivers
const (
	RegistrySQLite = "sqlite"
	RegistryMemory = "memory"
)

const (
	// MaxWorkers is the maximum allowed worker count
	MaxWorkers = 1024
	// MaxInflightMultiplier bounds the in-flight window per worker
	MaxInflightMultiplier = 64
)

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys          map[string]string
	HuggingFaceToken string
}

// Defaults returns the task parameter defaults derived from the generation section
func (g GenerationConfig) Defaults() models.Params {
	return models.Params{
		MaxTokens:          g.MaxTokens,
		Temperature:        g.Temperature,
		TopP:               g.TopP,
		TopK:               g.TopK,
		TimeoutSeconds:     g.TimeoutSeconds,
		SystemPrompt:       g.SystemPrompt,
		MaxWorkers:         g.MaxWorkers,
		BatchSize:          g.BatchSize,
		MaxRetries:         g.MaxRetries,
		QualityThreshold:   g.QualityThreshold,
		FsyncInterval:      g.FsyncInterval,
		CheckpointInterval: g.CheckpointInterval,
		InflightMultiplier: g.InflightMultiplier,
		UnorderedWrite:     g.UnorderedWrite,
		RateLimitRPS:       g.RateLimitRPS,
		MaxBackoff:         g.MaxBackoff,
		MinLength:          g.MinLength,
		MaxLength:          g.MaxLength,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	g := c.Generation
	if g.OutputDir == "" {
		return fmt.Errorf("generation.output_dir is required")
	}
	if g.MaxWorkers < 1 {
		return fmt.Errorf("generation.max_workers must be at least 1")
	}
	if g.MaxWorkers > MaxWorkers {
		return fmt.Errorf("generation.max_workers must not exceed %d (got %d)", MaxWorkers, g.MaxWorkers)
	}
	if g.InflightMultiplier < 1 || g.InflightMultiplier > MaxInflightMultiplier {
		return fmt.Errorf("generation.inflight_multiplier must be between 1 and %d (got %d)", MaxInflightMultiplier, g.InflightMultiplier)
	}
	if g.MaxRetries < 1 {
		return fmt.Errorf("generation.max_retries must be at least 1")
	}
	if g.QualityThreshold < 0 || g.QualityThreshold > 1.0 {
		return fmt.Errorf("generation.quality_threshold must be between 0.0 and 1.0 (got %.2f)", g.QualityThreshold)
	}
	if g.FsyncInterval < 1 {
		return fmt.Errorf("generation.fsync_interval must be at least 1")
	}
	if g.CheckpointInterval < 1 {
		return fmt.Errorf("generation.checkpoint_interval must be at least 1")
	}
	if g.MaxBackoff < 0 {
		return fmt.Errorf("generation.max_backoff must not be negative")
	}
	if g.MinLength < 0 || g.MaxLength < g.MinLength {
		return fmt.Errorf("generation.min_length (%d) and max_length (%d) are inconsistent", g.MinLength, g.MaxLength)
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be between 0 and 2")
	}
	if g.TopP < 0 || g.TopP > 1 {
		return fmt.Errorf("generation.top_p must be between 0 and 1")
	}

	switch c.Registry.Driver {
	case RegistrySQLite:
		if c.Registry.Path == "" {
			return fmt.Errorf("registry.path is required for the sqlite driver")
		}
	case RegistryMemory:
	default:
		return fmt.Errorf("registry.driver must be one of: sqlite, memory (got %s)", c.Registry.Driver)
	}

	for name, mc := range c.Models {
		if err := validateModelConfig(name, mc); err != nil {
			return err
		}
	}

	for name := range c.PromptTemplates {
		if !models.Strategy(name).Valid() {
			return fmt.Errorf("prompt_templates.%s does not name a strategy", name)
		}
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig) error {
	switch mc.Provider {
	case ProviderOpenAI:
		if mc.BaseURL == "" {
			return fmt.Errorf("models.%s.base_url is required", name)
		}
	case ProviderGemini:
	default:
		return fmt.Errorf("models.%s.provider must be one of: openai, gemini (got %s)", name, mc.Provider)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	if mc.HTTPTimeoutSeconds < 0 {
		return fmt.Errorf("models.%s.http_timeout_seconds must not be negative", name)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Load generic API key (provider-agnostic)
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
		secrets.APIKeys["nvidia"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		secrets.APIKeys["gemini"] = key
	} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		secrets.APIKeys["gemini"] = key
	}

	if token := os.Getenv("HUGGINGFACE_TOKEN"); token != "" {
		secrets.HuggingFaceToken = token
	} else {
		secrets.HuggingFaceToken = os.Getenv("HF_TOKEN")
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a model endpoint
func (s *Secrets) GetAPIKey(mc ModelConfig) string {
	if mc.APIKeyEnv != "" {
		if key := os.Getenv(mc.APIKeyEnv); key != "" {
			return key
		}
	}
	if mc.Provider == ProviderGemini {
		return s.APIKeys["gemini"]
	}

	switch GetProviderName(mc.BaseURL) {
	case "openai", "nvidia", "together":
		if key := s.APIKeys[GetProviderName(mc.BaseURL)]; key != "" {
			return key
		}
	}

	// Fall back to generic API_KEY for any OpenAI-compatible provider.
	// Empty means a local server without auth.
	return s.APIKeys["generic"]
}

// GetProviderName extracts a provider name from a base URL
func GetProviderName(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "nvidia.com"):
		return "nvidia"
	case strings.Contains(baseURL, "together.xyz"), strings.Contains(baseURL, "together.ai"):
		return "together"
	}
	// For localhost or unknown providers, use the full base URL as provider name
	return baseURL
}
