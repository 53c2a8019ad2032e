package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxTemplateSize is the maximum allowed size for a prompt template or system prompt
	MaxTemplateSize = 50 * 1024
)

var envNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateInputs checks the free-form strings of the file config. It runs after
// Validate, which has already checked structure and ranges.
func (c *Config) ValidateInputs() error {
	for name, mc := range c.Models {
		if err := validateModelName(mc.ModelName, name); err != nil {
			return err
		}
		if mc.Provider != ProviderGemini {
			if err := validateBaseURL(mc.BaseURL, name); err != nil {
				return err
			}
		}
		if mc.APIKeyEnv != "" && !envNameRegex.MatchString(mc.APIKeyEnv) {
			return fmt.Errorf("model '%s' api_key_env %q is not a valid environment variable name", name, mc.APIKeyEnv)
		}
	}

	for key, tmpl := range c.PromptTemplates {
		if len(tmpl) > MaxTemplateSize {
			return fmt.Errorf("template '%s' exceeds maximum size of %d bytes (got %d)", key, MaxTemplateSize, len(tmpl))
		}
	}
	if len(c.Generation.SystemPrompt) > MaxTemplateSize {
		return fmt.Errorf("generation.system_prompt exceeds maximum size of %d bytes", MaxTemplateSize)
	}

	for field, path := range map[string]string{
		"generation.output_dir": c.Generation.OutputDir,
		"registry.path":         c.Registry.Path,
	} {
		if containsControlChars(path) {
			return fmt.Errorf("%s contains invalid control characters", field)
		}
	}

	if c.Server.Addr != "" {
		if _, port, err := net.SplitHostPort(c.Server.Addr); err != nil || port == "" {
			return fmt.Errorf("server.addr %q must be host:port", c.Server.Addr)
		}
	}
	return nil
}

func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model '%s' name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}
	if containsControlChars(modelName) || strings.ContainsAny(modelName, "\n\t\r") {
		return fmt.Errorf("model '%s' name contains invalid control characters", configKey)
	}
	return nil
}

func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("model '%s' has invalid base_url: %w", configKey, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("model '%s' base_url must use http or https scheme (got %s)", configKey, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("model '%s' base_url must have a host", configKey)
	}
	return nil
}

// containsControlChars ignores newlines, tabs and carriage returns
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
