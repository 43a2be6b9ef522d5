package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// apiKeyEnv lists the environment variables checked for a key, in order.
var apiKeyEnv = []string{"QUILL_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"}

// GetAPIKey returns the Anthropic API key.
// It checks in order: environment variables, config file. Bedrock
// authenticates with AWS credentials, so no key is required there and
// GetAPIKey returns "", nil.
func GetAPIKey(cfg *Config) (string, error) {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return "", nil
	}
	if key, ok := keyFromEnv(); ok {
		return key, nil
	}
	if key, ok := keyFromConfig(cfg); ok {
		return key, nil
	}
	return "", ErrNoAPIKey
}

func keyFromEnv() (string, bool) {
	for _, name := range apiKeyEnv {
		if key := os.Getenv(name); key != "" {
			return key, true
		}
	}
	return "", false
}

// keyFromConfig expands any remaining ${VAR} references and rejects
// references that did not resolve.
func keyFromConfig(cfg *Config) (string, bool) {
	if cfg == nil || cfg.Anthropic.APIKey == "" {
		return "", false
	}
	key := os.ExpandEnv(cfg.Anthropic.APIKey)
	if key == "" || strings.HasPrefix(key, "${") {
		return "", false
	}
	return key, true
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters (sk-ant-) and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where model credentials come from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKeySource returns where the credentials were sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return KeySourceBedrock
	}
	if _, ok := keyFromEnv(); ok {
		return KeySourceEnv
	}
	if _, ok := keyFromConfig(cfg); ok {
		return KeySourceConfig
	}
	return KeySourceNone
}
